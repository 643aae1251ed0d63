// Package status polls the DHCP lease table and keeps the last good view of
// which devices are online.
package status

import (
	"context"
	"sort"
	"sync"
	"time"

	"accessguard/internal/logger"
	"accessguard/pkg/models"
)

// DefaultInterval is the polling interval when none is configured.
const DefaultInterval = 30 * time.Second

// LeaseSource lists the current DHCP leases.
type LeaseSource interface {
	Leases(ctx context.Context) ([]models.Lease, error)
}

// Snapshot is one view of the lease table.
type Snapshot struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Leases    map[string]models.Lease `json:"leases"`
	LastError string                  `json:"last_error,omitempty"`
}

// Online lists the addresses that are currently online, sorted.
func (s Snapshot) Online() []string {
	out := make([]string, 0, len(s.Leases))
	for addr, l := range s.Leases {
		if l.Online {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

// Monitor refreshes a Snapshot in the background.
type Monitor struct {
	source   LeaseSource
	interval time.Duration

	mu       sync.RWMutex
	snapshot Snapshot
}

// NewMonitor creates a monitor. The initial snapshot is empty.
func NewMonitor(source LeaseSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		source:   source,
		interval: interval,
		snapshot: Snapshot{Leases: map[string]models.Lease{}},
	}
}

// Run refreshes immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger.Infof("Status monitor started (interval %s)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Status monitor stopped")
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

// Refresh polls the lease source once. On failure the previous leases are
// kept and only the error is recorded.
func (m *Monitor) Refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	leases, err := m.source.Leases(callCtx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warnf("Lease status refresh failed, keeping previous snapshot: %v", err)
		}
		m.snapshot.LastError = err.Error()
		return
	}

	next := make(map[string]models.Lease, len(leases))
	for _, l := range leases {
		next[l.Address] = l
	}
	m.snapshot = Snapshot{UpdatedAt: time.Now().UTC(), Leases: next}
}

// Snapshot returns a copy of the current snapshot.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snapshot
	out.Leases = make(map[string]models.Lease, len(m.snapshot.Leases))
	for k, v := range m.snapshot.Leases {
		out.Leases[k] = v
	}
	return out
}

// Online reports whether address held an online lease at the last refresh.
func (m *Monitor) Online(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.Leases[address].Online
}
