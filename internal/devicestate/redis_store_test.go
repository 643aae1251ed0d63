package devicestate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:devices"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStoreReturnsPreviousStatus(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	dev := models.Device{ID: "dev-1", Address: "10.0.0.5", Hostname: "laptop"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	prev, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusBlocked, Reason: "port scan", Actor: "admin", At: at})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, prev)

	prev, err = s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusBlocked, Reason: "port scan again", Actor: "system", At: at.Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, prev)

	rec, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, rec.Status)
	require.Equal(t, "port scan again", rec.Reason)
	require.Equal(t, "system", rec.BlockedBy)
	require.Equal(t, at.Add(time.Minute), *rec.BlockedAt)
	require.Equal(t, "laptop", rec.Hostname)
}

func TestRedisStoreRegisteredDeviceStartsPending(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	dev := models.Device{ID: "dev-1", Address: "10.0.0.5"}

	require.NoError(t, s.Register(ctx, dev))
	prev, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusAllowed, At: time.Now()})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, prev)
}

func TestRedisStoreAllowClearsBlockFields(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	dev := models.Device{ID: "dev-1", Address: "10.0.0.5"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusBlocked, Reason: "malware", Actor: "admin", At: at})
	require.NoError(t, err)

	prev, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusAllowed, At: at.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, prev)

	rec, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAllowed, rec.Status)
	require.Empty(t, rec.Reason)
	require.Empty(t, rec.BlockedBy)
	require.Nil(t, rec.BlockedAt)
	require.Empty(t, mr.HGet("test:devices:device:dev-1", "blocked_at"))
}

func TestRedisStoreStrikes(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrementStrikes(ctx, "dev-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Register(ctx, models.Device{ID: "dev-1", Address: "10.0.0.5"}))
	for want := 1; want <= 3; want++ {
		n, err := s.IncrementStrikes(ctx, "dev-1")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	rec, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Strikes)
}

func TestRedisStoreLookupAndList(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.SetAccessState(ctx, models.Device{ID: "dev-1", Address: "10.0.0.5"}, models.AccessState{Status: models.StatusAllowed, At: at})
	require.NoError(t, err)
	_, err = s.SetAccessState(ctx, models.Device{ID: "dev-2", Address: "10.0.0.6"}, models.AccessState{Status: models.StatusAllowed, At: at.Add(time.Minute)})
	require.NoError(t, err)

	rec, err := s.LookupAddress(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "dev-1", rec.DeviceID)

	_, err = s.SetAccessState(ctx, models.Device{ID: "dev-1", Address: "10.0.0.7"}, models.AccessState{Status: models.StatusAllowed, At: at.Add(2 * time.Minute)})
	require.NoError(t, err)
	_, err = s.LookupAddress(ctx, "10.0.0.5")
	require.ErrorIs(t, err, ErrNotFound)

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "dev-1", recs[0].DeviceID)
	require.Equal(t, "dev-2", recs[1].DeviceID)

	_, err = s.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}
