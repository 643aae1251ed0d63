package reconcile

import (
	"context"
	"errors"
	"sync"

	"accessguard/internal/errs"
	"accessguard/pkg/models"
)

var errBoom = errors.New("boom")

type fakeSets struct {
	mu       sync.Mutex
	sets     map[string]*models.AccessSet
	gets     int
	adds     int
	replaces int
	failAdd  map[string]error
	failRepl map[string]error
	onAdd    func(name string)
}

func newFakeSets() *fakeSets {
	return &fakeSets{sets: make(map[string]*models.AccessSet), failAdd: map[string]error{}, failRepl: map[string]error{}}
}

func (f *fakeSets) Get(_ context.Context, name string) (*models.AccessSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	s, ok := f.sets[name]
	if !ok {
		return nil, nil
	}
	cp := *s
	cp.Entries = append([]models.AccessEntry(nil), s.Entries...)
	return &cp, nil
}

func (f *fakeSets) Replace(_ context.Context, name string, entries []models.AccessEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaces++
	if err := f.failRepl[name]; err != nil {
		return err
	}
	s, ok := f.sets[name]
	if !ok {
		s = &models.AccessSet{Name: name, Kind: models.AccessKindHost}
		f.sets[name] = s
	}
	s.Entries = append([]models.AccessEntry(nil), entries...)
	return nil
}

func (f *fakeSets) AddEntries(_ context.Context, name string, entries []models.AccessEntry) error {
	if f.onAdd != nil {
		f.onAdd(name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if err := f.failAdd[name]; err != nil {
		return err
	}
	s, ok := f.sets[name]
	if !ok {
		s = &models.AccessSet{Name: name, Kind: models.AccessKindHost}
		f.sets[name] = s
	}
	for _, e := range entries {
		if !s.Contains(e.Address) {
			s.Entries = append(s.Entries, e)
		}
	}
	return nil
}

func (f *fakeSets) count(name, address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if s, ok := f.sets[name]; ok {
		for _, e := range s.Entries {
			if e.Address == address {
				n++
			}
		}
	}
	return n
}

func (f *fakeSets) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets + f.adds + f.replaces
}

type fakeRules struct {
	rules []models.FirewallRule
	err   error
	calls int
}

func (f *fakeRules) ListRules(context.Context) ([]models.FirewallRule, error) {
	f.calls++
	return f.rules, f.err
}

type fakeDevices struct {
	mu      sync.Mutex
	records map[string]*models.DeviceAccessRecord
	calls   int
	failSet error
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{records: make(map[string]*models.DeviceAccessRecord)}
}

func (f *fakeDevices) SetAccessState(_ context.Context, d models.Device, st models.AccessState) (models.AccessStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failSet != nil {
		return "", f.failSet
	}
	rec, ok := f.records[d.ID]
	prev := models.StatusPending
	if ok {
		prev = rec.Status
	} else {
		rec = &models.DeviceAccessRecord{DeviceID: d.ID}
		f.records[d.ID] = rec
	}
	rec.Address, rec.MAC, rec.Hostname = d.Address, d.MAC, d.Hostname
	rec.Status, rec.Reason, rec.UpdatedAt = st.Status, st.Reason, st.At
	if st.Status == models.StatusBlocked {
		at := st.At
		rec.BlockedAt, rec.BlockedBy = &at, st.Actor
	}
	return prev, nil
}

func (f *fakeDevices) Get(_ context.Context, id string) (*models.DeviceAccessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeDevices) List(context.Context) ([]*models.DeviceAccessRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]*models.DeviceAccessRecord, 0, len(f.records))
	for _, rec := range f.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeDevices) IncrementStrikes(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	rec, ok := f.records[id]
	if !ok {
		return 0, errors.New("unknown device")
	}
	rec.Strikes++
	return rec.Strikes, nil
}

func (f *fakeDevices) status(id string) models.AccessStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return rec.Status
	}
	return ""
}

type fakeHistory struct {
	entries []models.BlockHistoryEntry
}

func (f *fakeHistory) AppendBlockHistory(_ context.Context, e models.BlockHistoryEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

type fakeReporter struct {
	reports []*errs.PartialReconciliation
}

func (f *fakeReporter) ReportPartial(_ context.Context, p *errs.PartialReconciliation) error {
	f.reports = append(f.reports, p)
	return nil
}

type fixture struct {
	sets     *fakeSets
	rules    *fakeRules
	devices  *fakeDevices
	history  *fakeHistory
	reporter *fakeReporter
	engine   *Engine
}

func newFixture() *fixture {
	f := &fixture{
		sets:     newFakeSets(),
		rules:    &fakeRules{},
		devices:  newFakeDevices(),
		history:  &fakeHistory{},
		reporter: &fakeReporter{},
	}
	f.engine = NewEngine(Deps{
		Sets:     f.sets,
		Rules:    f.rules,
		Devices:  f.devices,
		History:  f.history,
		Reporter: f.reporter,
	}, Options{})
	return f
}

func (f *fixture) remoteCalls() int {
	return f.sets.calls() + f.rules.calls + f.devices.calls
}
