package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

type fakeLeases struct {
	mu     sync.Mutex
	leases []models.Lease
	err    error
	calls  int
}

func (f *fakeLeases) Leases(context.Context) ([]models.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.leases, f.err
}

func (f *fakeLeases) set(leases []models.Lease, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases, f.err = leases, err
}

func (f *fakeLeases) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRefreshKeepsPreviousSnapshotOnFailure(t *testing.T) {
	src := &fakeLeases{leases: []models.Lease{
		{Address: "10.0.0.5", Online: true},
		{Address: "10.0.0.6"},
	}}
	m := NewMonitor(src, time.Minute)
	require.Empty(t, m.Snapshot().Leases)

	m.Refresh(context.Background())
	require.True(t, m.Online("10.0.0.5"))
	require.False(t, m.Online("10.0.0.6"))
	require.Equal(t, []string{"10.0.0.5"}, m.Snapshot().Online())

	src.set(nil, errors.New("connection refused"))
	m.Refresh(context.Background())
	snap := m.Snapshot()
	require.Len(t, snap.Leases, 2)
	require.True(t, m.Online("10.0.0.5"))
	require.Equal(t, "connection refused", snap.LastError)

	src.set([]models.Lease{{Address: "10.0.0.6", Online: true}}, nil)
	m.Refresh(context.Background())
	snap = m.Snapshot()
	require.Empty(t, snap.LastError)
	require.Equal(t, []string{"10.0.0.6"}, snap.Online())
	require.False(t, m.Online("10.0.0.5"))
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewMonitor(&fakeLeases{leases: []models.Lease{{Address: "10.0.0.5", Online: true}}}, 0)
	require.Equal(t, DefaultInterval, m.interval)
	m.Refresh(context.Background())

	snap := m.Snapshot()
	delete(snap.Leases, "10.0.0.5")
	require.True(t, m.Online("10.0.0.5"))
}

func TestRunPollsUntilCancelled(t *testing.T) {
	src := &fakeLeases{}
	m := NewMonitor(src, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
