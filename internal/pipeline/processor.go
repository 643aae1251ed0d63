package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"accessguard/internal/errs"
	"accessguard/internal/incident"
	"accessguard/internal/logger"
	"accessguard/internal/reconcile"
	"accessguard/internal/rules"
	"accessguard/pkg/models"
)

// IncidentStore persists incidents with duplicate suppression.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc *models.Incident) (*models.Incident, bool, error)
}

// DeviceLookup resolves the device that holds an address.
type DeviceLookup interface {
	LookupAddress(ctx context.Context, address string) (*models.DeviceAccessRecord, error)
}

// Blocker revokes a device's access.
type Blocker interface {
	RevokeAccess(ctx context.Context, device models.Device, reason, actor string) (*reconcile.Result, error)
}

// AutoBlockActor is recorded as the actor of automatic blocks.
const AutoBlockActor = "system"

// Stats counts what a processor has handled.
type Stats struct {
	Records     int64 `json:"records"`
	Incidents   int64 `json:"incidents"`
	Duplicates  int64 `json:"duplicates"`
	AutoBlocked int64 `json:"auto_blocked"`
	Failures    int64 `json:"failures"`
}

// Processor turns decoded records into stored incidents and, for attacker
// notices, automatic blocks. It is safe for concurrent use.
type Processor struct {
	engine     rules.Engine
	classifier *incident.Classifier
	store      IncidentStore
	devices    DeviceLookup
	blocker    Blocker
	autoBlock  bool

	records     atomic.Int64
	incidents   atomic.Int64
	duplicates  atomic.Int64
	autoBlocked atomic.Int64
	failures    atomic.Int64
}

// ProcessorConfig wires a Processor. Engine, Store, Devices and Blocker are
// optional; AutoBlock needs Devices and Blocker.
type ProcessorConfig struct {
	Engine     rules.Engine
	Classifier *incident.Classifier
	Store      IncidentStore
	Devices    DeviceLookup
	Blocker    Blocker
	AutoBlock  bool
}

// NewProcessor creates a processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	if cfg.Engine == nil {
		cfg.Engine = &rules.NoopEngine{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = incident.NewClassifier()
	}
	return &Processor{
		engine:     cfg.Engine,
		classifier: cfg.Classifier,
		store:      cfg.Store,
		devices:    cfg.Devices,
		blocker:    cfg.Blocker,
		autoBlock:  cfg.AutoBlock && cfg.Devices != nil && cfg.Blocker != nil,
	}
}

// Process classifies one record. It returns the new incident, or nil when
// the record is not a notice or duplicates a recent incident.
func (p *Processor) Process(ctx context.Context, rec *models.LogRecord) (*models.Incident, error) {
	p.records.Add(1)
	rules.Annotate(rec, p.engine.Apply(rec))

	inc, ok := p.classifier.Classify(rec)
	if !ok {
		return nil, nil
	}

	if p.store != nil {
		saved, created, err := p.store.SaveIncident(ctx, inc)
		if err != nil {
			p.failures.Add(1)
			return nil, fmt.Errorf("save incident: %w", err)
		}
		if !created {
			p.duplicates.Add(1)
			logger.Debugf("Duplicate incident suppressed: %s %s (existing %s)", inc.DeviceAddress, inc.NoteType, saved.ID)
			return nil, nil
		}
	}
	p.incidents.Add(1)

	if p.autoBlock && incident.IsAttacker(inc) {
		p.block(ctx, inc)
	}
	return inc, nil
}

// block revokes the device that holds the incident's address. Unknown
// addresses are logged and skipped.
func (p *Processor) block(ctx context.Context, inc *models.Incident) {
	rec, err := p.devices.LookupAddress(ctx, inc.DeviceAddress)
	if err != nil || rec == nil {
		logger.Warnf("Auto-block skipped for %s (incident %s): no registered device", inc.DeviceAddress, inc.ID)
		return
	}
	if rec.Status == models.StatusBlocked {
		return
	}

	reason := fmt.Sprintf("Automatic block: %s (incident %s)", inc.NoteType, inc.ID)
	_, err = p.blocker.RevokeAccess(ctx, rec.Device(), reason, AutoBlockActor)
	var pr *errs.PartialReconciliation
	switch {
	case err == nil:
		p.autoBlocked.Add(1)
		logger.Infof("Auto-blocked device %s (%s) for incident %s", rec.DeviceID, inc.DeviceAddress, inc.ID)
	case errors.As(err, &pr):
		// The record is BLOCKED; the engine has already reported the partial state.
		p.autoBlocked.Add(1)
	default:
		p.failures.Add(1)
		logger.Errorf("Auto-block of device %s failed: %v", rec.DeviceID, err)
	}
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Records:     p.records.Load(),
		Incidents:   p.incidents.Load(),
		Duplicates:  p.duplicates.Load(),
		AutoBlocked: p.autoBlocked.Load(),
		Failures:    p.failures.Load(),
	}
}
