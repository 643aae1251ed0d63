// Package devicestate persists the authoritative access record of every
// device. RedisStore is the shared backend; MemoryStore serves single-node
// and test use.
package devicestate

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"accessguard/pkg/models"
)

// ErrNotFound is returned when a device has no record.
var ErrNotFound = errors.New("device not found")

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*models.DeviceAccessRecord
	byAddress map[string]string
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*models.DeviceAccessRecord),
		byAddress: make(map[string]string),
		now:       time.Now,
	}
}

// Register creates a PENDING record for device unless one exists.
func (s *MemoryStore) Register(_ context.Context, device models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[device.ID]; ok {
		return nil
	}
	rec := &models.DeviceAccessRecord{Status: models.StatusPending, UpdatedAt: s.now().UTC()}
	applyIdentity(rec, device)
	s.records[device.ID] = rec
	s.index(rec, "")
	return nil
}

// SetAccessState upserts the device record and returns the previous status.
func (s *MemoryStore) SetAccessState(_ context.Context, device models.Device, state models.AccessState) (models.AccessStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := models.StatusPending
	rec, ok := s.records[device.ID]
	oldAddr := ""
	if ok {
		prev = rec.Status
		oldAddr = rec.Address
	} else {
		rec = &models.DeviceAccessRecord{}
		s.records[device.ID] = rec
	}
	applyIdentity(rec, device)
	applyState(rec, state)
	s.index(rec, oldAddr)
	return prev, nil
}

func (s *MemoryStore) index(rec *models.DeviceAccessRecord, oldAddr string) {
	if oldAddr != "" && oldAddr != rec.Address && s.byAddress[oldAddr] == rec.DeviceID {
		delete(s.byAddress, oldAddr)
	}
	if rec.Address != "" {
		s.byAddress[rec.Address] = rec.DeviceID
	}
}

// Get returns a copy of the record or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, deviceID string) (*models.DeviceAccessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// LookupAddress returns the record of the device holding address.
func (s *MemoryStore) LookupAddress(ctx context.Context, address string) (*models.DeviceAccessRecord, error) {
	s.mu.RLock()
	id, ok := s.byAddress[address]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// List returns all records ordered by device ID.
func (s *MemoryStore) List(_ context.Context) ([]*models.DeviceAccessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DeviceAccessRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// IncrementStrikes bumps the strike counter and returns the new value.
func (s *MemoryStore) IncrementStrikes(_ context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return 0, ErrNotFound
	}
	rec.Strikes++
	return rec.Strikes, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func applyIdentity(rec *models.DeviceAccessRecord, d models.Device) {
	rec.DeviceID = d.ID
	if d.Address != "" {
		rec.Address = d.Address
	}
	if d.MAC != "" {
		rec.MAC = d.MAC
	}
	if d.Hostname != "" {
		rec.Hostname = d.Hostname
	}
}

func applyState(rec *models.DeviceAccessRecord, st models.AccessState) {
	rec.Status = st.Status
	rec.UpdatedAt = st.At
	switch st.Status {
	case models.StatusBlocked:
		at := st.At
		rec.Reason = st.Reason
		rec.BlockedAt = &at
		rec.BlockedBy = st.Actor
	case models.StatusAllowed:
		rec.Reason = ""
		rec.BlockedAt = nil
		rec.BlockedBy = ""
	}
}
