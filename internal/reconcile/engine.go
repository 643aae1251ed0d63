// Package reconcile keeps the firewall's Authorized and Blocked address sets
// consistent with the authoritative device access records.
package reconcile

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"accessguard/internal/errs"
	"accessguard/internal/logger"
	"accessguard/pkg/models"
)

const (
	DefaultAuthorizedSet   = "Authorized"
	DefaultBlockedSet      = "Blocked"
	DefaultCallTimeout     = 10 * time.Second
	DefaultMinReasonLength = 5
	DefaultActor           = "system"
)

// RuleLister reads the firewall rule list.
type RuleLister interface {
	ListRules(ctx context.Context) ([]models.FirewallRule, error)
}

// DeviceStore holds the authoritative access record of each device.
// SetAccessState upserts the record and returns the status it replaced
// (PENDING for a device seen for the first time).
type DeviceStore interface {
	SetAccessState(ctx context.Context, device models.Device, state models.AccessState) (models.AccessStatus, error)
	Get(ctx context.Context, deviceID string) (*models.DeviceAccessRecord, error)
	List(ctx context.Context) ([]*models.DeviceAccessRecord, error)
	IncrementStrikes(ctx context.Context, deviceID string) (int, error)
}

// HistoryRecorder appends to a device's block history.
type HistoryRecorder interface {
	AppendBlockHistory(ctx context.Context, entry models.BlockHistoryEntry) error
}

// Reporter delivers partial reconciliations to an operator-visible channel.
type Reporter interface {
	ReportPartial(ctx context.Context, p *errs.PartialReconciliation) error
}

// Observer receives transition outcomes, typically for metrics.
type Observer interface {
	Transition(op, outcome string)
	SetMutation(set, op string)
}

// Deps are the collaborators of an Engine. History, Reporter and Observer
// are optional.
type Deps struct {
	Sets     AccessSetStore
	Rules    RuleLister
	Devices  DeviceStore
	History  HistoryRecorder
	Reporter Reporter
	Observer Observer
}

// Options tune an Engine. Zero values take the package defaults.
type Options struct {
	AuthorizedSet   string
	BlockedSet      string
	CallTimeout     time.Duration
	MinReasonLength int
}

// Result describes a completed transition.
type Result struct {
	DeviceID       string              `json:"device_id"`
	Address        string              `json:"address"`
	Status         models.AccessStatus `json:"status"`
	PreviousStatus models.AccessStatus `json:"previous_status,omitempty"`
	Removed        bool                `json:"removed_from_opposite_set"`
	Strikes        int                 `json:"strikes,omitempty"`
}

// Engine runs grant, revoke, sync and converge transitions. It holds no
// lock across remote calls; every mutation it issues is an add-if-absent or
// a guarded remove-if-present, so callers retry by re-invoking.
type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// NewEngine creates an engine.
func NewEngine(deps Deps, opts Options) *Engine {
	if opts.AuthorizedSet == "" {
		opts.AuthorizedSet = DefaultAuthorizedSet
	}
	if opts.BlockedSet == "" {
		opts.BlockedSet = DefaultBlockedSet
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.MinReasonLength <= 0 {
		opts.MinReasonLength = DefaultMinReasonLength
	}
	return &Engine{deps: deps, opts: opts, now: time.Now}
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// GrantAccess moves device into the Authorized set, out of the Blocked set,
// and marks its record ALLOWED. The local record is written last, so a
// failure leaves it unchanged and the call can simply be repeated.
func (e *Engine) GrantAccess(ctx context.Context, device models.Device) (*Result, error) {
	if err := validateDevice(device); err != nil {
		return nil, err
	}
	res := &Result{DeviceID: device.ID, Address: device.Address, Status: models.StatusAllowed}

	if err := e.call(ctx, "add "+e.opts.AuthorizedSet, func(ctx context.Context) error {
		return addIfAbsent(ctx, e.deps.Sets, e.opts.AuthorizedSet, entryFor(device))
	}); err != nil {
		return nil, e.fail("grant", err)
	}
	e.mutated(e.opts.AuthorizedSet, "add")

	if err := e.call(ctx, "remove "+e.opts.BlockedSet, func(ctx context.Context) error {
		removed, err := removeIfPresent(ctx, e.deps.Sets, e.opts.BlockedSet, device.Address)
		res.Removed = removed
		return err
	}); err != nil {
		return nil, e.fail("grant", err)
	}
	if res.Removed {
		e.mutated(e.opts.BlockedSet, "remove")
	}

	state := models.AccessState{Status: models.StatusAllowed, At: e.now().UTC()}
	if err := e.call(ctx, "set device state", func(ctx context.Context) error {
		prev, err := e.deps.Devices.SetAccessState(ctx, device, state)
		res.PreviousStatus = prev
		return err
	}); err != nil {
		return nil, e.fail("grant", err)
	}

	logger.Infof("Granted access: device=%s address=%s previous=%s", device.ID, device.Address, res.PreviousStatus)
	e.observe("grant", "ok")
	return res, nil
}

// ValidateReason trims reason and checks it against MinReasonLength.
func (e *Engine) ValidateReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", errs.Validation("reason", "is required")
	}
	if n := utf8.RuneCountInString(reason); n < e.opts.MinReasonLength {
		return "", errs.Validation("reason", "must be at least %d characters, got %d", e.opts.MinReasonLength, n)
	}
	return reason, nil
}

// RevokeAccess blocks device. reason must hold at least MinReasonLength
// characters after trimming; it is checked before any remote call. The
// device record is written BLOCKED first, then the address is added to the
// Blocked set and removed from the Authorized set. A failure after the
// record was written is returned as *errs.PartialReconciliation.
func (e *Engine) RevokeAccess(ctx context.Context, device models.Device, reason, actor string) (*Result, error) {
	reason, err := e.ValidateReason(reason)
	if err != nil {
		return nil, err
	}
	if err := validateDevice(device); err != nil {
		return nil, err
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = DefaultActor
	}

	res := &Result{DeviceID: device.ID, Address: device.Address, Status: models.StatusBlocked}
	state := models.AccessState{Status: models.StatusBlocked, Reason: reason, Actor: actor, At: e.now().UTC()}
	if err := e.call(ctx, "set device state", func(ctx context.Context) error {
		prev, err := e.deps.Devices.SetAccessState(ctx, device, state)
		res.PreviousStatus = prev
		return err
	}); err != nil {
		return nil, e.fail("revoke", err)
	}
	// History and strikes belong to the local transition, so a retry after
	// a partial failure does not count the block twice.
	if res.PreviousStatus != models.StatusBlocked {
		res.Strikes = e.recordBlock(ctx, device, state)
	}

	if err := e.call(ctx, "add "+e.opts.BlockedSet, func(ctx context.Context) error {
		return addIfAbsent(ctx, e.deps.Sets, e.opts.BlockedSet, entryFor(device))
	}); err != nil {
		return nil, e.partial(ctx, "revoke", device, models.StatusBlocked, "add "+e.opts.BlockedSet, err)
	}
	e.mutated(e.opts.BlockedSet, "add")

	if err := e.call(ctx, "remove "+e.opts.AuthorizedSet, func(ctx context.Context) error {
		removed, err := removeIfPresent(ctx, e.deps.Sets, e.opts.AuthorizedSet, device.Address)
		res.Removed = removed
		return err
	}); err != nil {
		return nil, e.partial(ctx, "revoke", device, models.StatusBlocked, "remove "+e.opts.AuthorizedSet, err)
	}
	if res.Removed {
		e.mutated(e.opts.AuthorizedSet, "remove")
	}

	logger.Infof("Revoked access: device=%s address=%s actor=%s reason=%q", device.ID, device.Address, actor, reason)
	e.observe("revoke", "ok")
	return res, nil
}

// recordBlock appends the administrative block to the device history and
// bumps the strike counter. Both are bookkeeping; failures are logged.
func (e *Engine) recordBlock(ctx context.Context, device models.Device, state models.AccessState) int {
	if e.deps.History != nil {
		entry := models.BlockHistoryEntry{
			DeviceID:  device.ID,
			Feedback:  fmt.Sprintf("%s: %s", models.AdminBlockTag, state.Reason),
			By:        state.Actor,
			CreatedAt: state.At,
		}
		if err := e.call(ctx, "append block history", func(ctx context.Context) error {
			return e.deps.History.AppendBlockHistory(ctx, entry)
		}); err != nil {
			logger.Errorf("Failed to record block history for device %s: %v", device.ID, err)
		}
	}

	var strikes int
	if err := e.call(ctx, "increment strikes", func(ctx context.Context) error {
		n, err := e.deps.Devices.IncrementStrikes(ctx, device.ID)
		strikes = n
		return err
	}); err != nil {
		logger.Errorf("Failed to increment strikes for device %s: %v", device.ID, err)
	}
	return strikes
}

// call runs fn under the per-call timeout and classifies its error.
func (e *Engine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return errs.Remote(op, fn(cctx))
}

func (e *Engine) fail(op string, err error) error {
	logger.Warnf("%s failed: %v", op, err)
	e.observe(op, "remote_unavailable")
	return err
}

func (e *Engine) partial(ctx context.Context, op string, device models.Device, status models.AccessStatus, step string, err error) error {
	p := &errs.PartialReconciliation{
		DeviceID: device.ID,
		Address:  device.Address,
		Status:   string(status),
		Step:     step,
		Err:      err,
	}
	logger.Errorf("Partial reconciliation: %v", p)
	e.observe(op, "partial")
	if e.deps.Reporter != nil {
		// The caller's context may already be done; the report must still go out.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.CallTimeout)
		defer cancel()
		if rerr := e.deps.Reporter.ReportPartial(rctx, p); rerr != nil {
			logger.Errorf("Failed to report partial reconciliation for device %s: %v", device.ID, rerr)
		}
	}
	return p
}

func (e *Engine) observe(op, outcome string) {
	if e.deps.Observer != nil {
		e.deps.Observer.Transition(op, outcome)
	}
}

func (e *Engine) mutated(set, op string) {
	if e.deps.Observer != nil {
		e.deps.Observer.SetMutation(set, op)
	}
}

func entryFor(d models.Device) models.AccessEntry {
	detail := d.Hostname
	if detail == "" {
		detail = d.ID
	}
	return models.AccessEntry{Address: d.Address, Detail: detail}
}

func validateDevice(d models.Device) error {
	if strings.TrimSpace(d.ID) == "" {
		return errs.Validation("device_id", "is required")
	}
	if _, err := netip.ParseAddr(d.Address); err != nil {
		return errs.Validation("address", "%q is not an IP address", d.Address)
	}
	return nil
}
