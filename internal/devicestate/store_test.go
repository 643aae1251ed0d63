package devicestate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

func TestMemoryStoreTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	dev := models.Device{ID: "dev-1", Address: "10.0.0.5", MAC: "aa:bb", Hostname: "laptop"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	prev, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusBlocked, Reason: "p2p traffic", Actor: "admin", At: at})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, prev)

	rec, err := s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, rec.Status)
	require.Equal(t, "p2p traffic", rec.Reason)
	require.Equal(t, "admin", rec.BlockedBy)
	require.Equal(t, at, *rec.BlockedAt)

	n, err := s.IncrementStrikes(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	prev, err = s.SetAccessState(ctx, models.Device{ID: "dev-1", Address: "10.0.0.5"}, models.AccessState{Status: models.StatusAllowed, At: at.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, models.StatusBlocked, prev)

	rec, err = s.Get(ctx, "dev-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAllowed, rec.Status)
	require.Nil(t, rec.BlockedAt)
	require.Empty(t, rec.Reason)
	require.Equal(t, "laptop", rec.Hostname)
	require.Equal(t, 1, rec.Strikes)
}

func TestMemoryStoreLookupFollowsAddressChanges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, models.Device{ID: "dev-1", Address: "10.0.0.5"}))

	rec, err := s.LookupAddress(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status)

	_, err = s.SetAccessState(ctx, models.Device{ID: "dev-1", Address: "10.0.0.6"}, models.AccessState{Status: models.StatusAllowed})
	require.NoError(t, err)

	_, err = s.LookupAddress(ctx, "10.0.0.5")
	require.ErrorIs(t, err, ErrNotFound)
	rec, err = s.LookupAddress(ctx, "10.0.0.6")
	require.NoError(t, err)
	require.Equal(t, "dev-1", rec.DeviceID)
}

func TestMemoryStoreMissingDevice(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.IncrementStrikes(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRegisterKeepsExistingRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	dev := models.Device{ID: "dev-1", Address: "10.0.0.5"}
	_, err := s.SetAccessState(ctx, dev, models.AccessState{Status: models.StatusBlocked, Reason: "malware"})
	require.NoError(t, err)
	require.NoError(t, s.Register(ctx, dev))

	recs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, models.StatusBlocked, recs[0].Status)
}

func TestRecordFromHash(t *testing.T) {
	rec := recordFromHash("dev-1", map[string]string{
		"address":    "10.0.0.5",
		"status":     "BLOCKED",
		"reason":     "port scan",
		"blocked_by": "system",
		"blocked_at": "1700000000",
		"updated_at": "1700000000",
		"strikes":    "2",
	})
	require.Equal(t, models.StatusBlocked, rec.Status)
	require.Equal(t, 2, rec.Strikes)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), *rec.BlockedAt)
	require.Equal(t, "system", rec.BlockedBy)

	require.Equal(t, models.StatusPending, recordFromHash("dev-2", map[string]string{"device_id": "dev-2"}).Status)
}

func TestIdentityFieldsSkipEmptyValues(t *testing.T) {
	at := time.Unix(1700000000, 0)
	fields := identityFields(models.Device{ID: "dev-1", Address: "10.0.0.5"}, at)
	require.Equal(t, []interface{}{"device_id", "dev-1", "updated_at", "1700000000", "address", "10.0.0.5"}, fields)
}
