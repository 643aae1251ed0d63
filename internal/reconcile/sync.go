package reconcile

import (
	"context"
	"net/netip"
	"sort"
	"strings"

	"accessguard/internal/errs"
	"accessguard/internal/logger"
	"accessguard/pkg/models"
)

// nonAliasTokens never name an alias in a rule address field.
var nonAliasTokens = map[string]bool{
	"any":    true,
	"(self)": true,
	"self":   true,
	"lan":    true,
	"wan":    true,
	"lo0":    true,
	"lanip":  true,
	"wanip":  true,
}

// AliasName returns the alias referenced by a rule address token, stripping
// a leading "!" negation. Keywords, interface networks and literal addresses
// are not aliases.
func AliasName(token string) (string, bool) {
	t := strings.TrimSpace(token)
	t = strings.TrimPrefix(t, "!")
	if t == "" {
		return "", false
	}
	lower := strings.ToLower(t)
	if nonAliasTokens[lower] || strings.HasSuffix(lower, ":ip") {
		return "", false
	}
	if strings.HasPrefix(lower, "opt") && isDigits(lower[3:]) {
		return "", false
	}
	if _, err := netip.ParseAddr(t); err == nil {
		return "", false
	}
	if _, err := netip.ParsePrefix(t); err == nil {
		return "", false
	}
	return t, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DeriveActions computes, for every alias referenced by an enabled rule, the
// action the rule list applies to it. BLOCK wins over PASS.
func DeriveActions(rules []models.FirewallRule) map[string]models.Action {
	out := make(map[string]models.Action)
	for _, r := range rules {
		if r.Disabled || (r.Action != models.ActionPass && r.Action != models.ActionBlock) {
			continue
		}
		tokens := make([]string, 0, len(r.SourceTokens)+len(r.DestinationTokens))
		tokens = append(tokens, r.SourceTokens...)
		tokens = append(tokens, r.DestinationTokens...)
		for _, tok := range tokens {
			name, ok := AliasName(tok)
			if !ok {
				continue
			}
			if out[name] == models.ActionBlock {
				continue
			}
			out[name] = r.Action
		}
	}
	return out
}

// SyncReport is the read-only result of a reconciliation pass.
type SyncReport struct {
	Aliases   map[string]models.Action `json:"aliases"`
	Devices   map[string]models.Action `json:"devices,omitempty"`
	Conflicts []string                 `json:"conflicts,omitempty"`
	Healed    []*Result                `json:"healed,omitempty"`
	Failed    []string                 `json:"failed,omitempty"`
}

// Sync derives the action for every alias the firewall rules reference and
// the resulting action per address held in the managed sets. Addresses in
// both the Authorized and Blocked sets are reported as conflicts. Sync does
// not mutate any set.
func (e *Engine) Sync(ctx context.Context) (*SyncReport, error) {
	var rules []models.FirewallRule
	if err := e.call(ctx, "list rules", func(ctx context.Context) error {
		var err error
		rules, err = e.deps.Rules.ListRules(ctx)
		return err
	}); err != nil {
		return nil, e.fail("sync", err)
	}

	report := &SyncReport{Aliases: DeriveActions(rules), Devices: make(map[string]models.Action)}

	members := make(map[string][]string)
	for _, name := range []string{e.opts.AuthorizedSet, e.opts.BlockedSet} {
		var set *models.AccessSet
		if err := e.call(ctx, "get "+name, func(ctx context.Context) error {
			var err error
			set, err = e.deps.Sets.Get(ctx, name)
			return err
		}); err != nil {
			return nil, e.fail("sync", err)
		}
		if set == nil {
			continue
		}
		for _, entry := range set.Entries {
			members[entry.Address] = append(members[entry.Address], name)
		}
	}

	for addr, sets := range members {
		if len(sets) > 1 {
			report.Conflicts = append(report.Conflicts, addr)
		}
		var action models.Action
		for _, name := range sets {
			switch report.Aliases[name] {
			case models.ActionBlock:
				action = models.ActionBlock
			case models.ActionPass:
				if action == "" {
					action = models.ActionPass
				}
			}
		}
		if action != "" {
			report.Devices[addr] = action
		}
	}
	sort.Strings(report.Conflicts)
	if len(report.Conflicts) > 0 {
		logger.Warnf("Sync found %d address(es) in both %s and %s: %v",
			len(report.Conflicts), e.opts.AuthorizedSet, e.opts.BlockedSet, report.Conflicts)
	}

	e.observe("sync", "ok")
	return report, nil
}

// Converge re-applies the set mutations implied by one device's local
// record: BLOCKED ensures Blocked membership and Authorized absence, ALLOWED
// the inverse, PENDING nothing. It heals partial reconciliations.
func (e *Engine) Converge(ctx context.Context, rec *models.DeviceAccessRecord) (*Result, error) {
	device := rec.Device()
	if err := validateDevice(device); err != nil {
		return nil, err
	}
	res := &Result{DeviceID: rec.DeviceID, Address: rec.Address, Status: rec.Status, PreviousStatus: rec.Status}

	var add, remove string
	switch rec.Status {
	case models.StatusBlocked:
		add, remove = e.opts.BlockedSet, e.opts.AuthorizedSet
	case models.StatusAllowed:
		add, remove = e.opts.AuthorizedSet, e.opts.BlockedSet
	default:
		return res, nil
	}

	if err := e.call(ctx, "add "+add, func(ctx context.Context) error {
		return addIfAbsent(ctx, e.deps.Sets, add, entryFor(device))
	}); err != nil {
		return nil, e.partial(ctx, "converge", device, rec.Status, "add "+add, err)
	}
	e.mutated(add, "add")
	if err := e.call(ctx, "remove "+remove, func(ctx context.Context) error {
		removed, err := removeIfPresent(ctx, e.deps.Sets, remove, device.Address)
		res.Removed = removed
		return err
	}); err != nil {
		return nil, e.partial(ctx, "converge", device, rec.Status, "remove "+remove, err)
	}
	if res.Removed {
		e.mutated(remove, "remove")
	}
	e.observe("converge", "ok")
	return res, nil
}

// Heal converges every device record and then runs a Sync pass. Failures
// of individual devices are listed in the report and do not stop the pass.
func (e *Engine) Heal(ctx context.Context) (*SyncReport, error) {
	var recs []*models.DeviceAccessRecord
	if err := e.call(ctx, "list devices", func(ctx context.Context) error {
		var err error
		recs, err = e.deps.Devices.List(ctx)
		return err
	}); err != nil {
		return nil, e.fail("heal", err)
	}

	var healed []*Result
	var failed []string
	for _, rec := range recs {
		if rec.Status != models.StatusAllowed && rec.Status != models.StatusBlocked {
			continue
		}
		res, err := e.Converge(ctx, rec)
		if err != nil {
			if errs.IsValidation(err) {
				logger.Warnf("Skipping device %s during heal: %v", rec.DeviceID, err)
			}
			failed = append(failed, rec.DeviceID)
			continue
		}
		healed = append(healed, res)
	}

	report, err := e.Sync(ctx)
	if err != nil {
		return nil, err
	}
	report.Healed = healed
	report.Failed = failed
	return report, nil
}
