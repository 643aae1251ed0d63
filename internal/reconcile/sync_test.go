package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"accessguard/pkg/models"
)

func rule(action models.Action, src, dst string) models.FirewallRule {
	return models.FirewallRule{Action: action, SourceTokens: models.SplitTokens(src), DestinationTokens: models.SplitTokens(dst)}
}

func TestDeriveActionsBlockWinsTie(t *testing.T) {
	pass := rule(models.ActionPass, "X", "any")
	block := rule(models.ActionBlock, "any", "X")

	require.Equal(t, models.ActionBlock, DeriveActions([]models.FirewallRule{pass, block})["X"])
	require.Equal(t, models.ActionBlock, DeriveActions([]models.FirewallRule{block, pass})["X"])
}

func TestDeriveActionsTokenHandling(t *testing.T) {
	disabled := rule(models.ActionBlock, "Guests", "any")
	disabled.Disabled = true

	got := DeriveActions([]models.FirewallRule{
		rule(models.ActionPass, "Authorized, Printers", "lan"),
		rule(models.ActionBlock, "!Blocked", "10.0.0.0/8,192.168.1.1,wan:ip"),
		rule(models.ActionPass, "Guests", "(self)"),
		disabled,
		{Action: "", SourceTokens: []string{"Ignored"}},
	})

	require.Equal(t, map[string]models.Action{
		"Authorized": models.ActionPass,
		"Printers":   models.ActionPass,
		"Blocked":    models.ActionBlock,
		"Guests":     models.ActionPass,
	}, got)
}

func TestAliasName(t *testing.T) {
	for tok, want := range map[string]string{
		"Authorized": "Authorized",
		"!Blocked":   "Blocked",
		" Lab ":      "Lab",
	} {
		got, ok := AliasName(tok)
		require.True(t, ok, tok)
		require.Equal(t, want, got)
	}
	for _, tok := range []string{"", "!", "any", "LAN", "wanip", "opt1", "lan:ip", "(self)", "10.1.2.3", "fd00::/8", "10.0.0.0/24"} {
		_, ok := AliasName(tok)
		require.False(t, ok, tok)
	}
}

func TestSyncIsReadOnlyAndReportsConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.sets.AddEntries(ctx, DefaultAuthorizedSet, []models.AccessEntry{{Address: "10.0.0.5"}, {Address: "10.0.0.6"}}))
	require.NoError(t, f.sets.AddEntries(ctx, DefaultBlockedSet, []models.AccessEntry{{Address: "10.0.0.5"}}))
	adds := f.sets.adds
	f.rules.rules = []models.FirewallRule{
		rule(models.ActionPass, DefaultAuthorizedSet, "any"),
		rule(models.ActionBlock, DefaultBlockedSet, "any"),
	}

	report, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, models.ActionPass, report.Aliases[DefaultAuthorizedSet])
	require.Equal(t, models.ActionBlock, report.Aliases[DefaultBlockedSet])
	require.Equal(t, []string{"10.0.0.5"}, report.Conflicts)
	require.Equal(t, models.ActionBlock, report.Devices["10.0.0.5"])
	require.Equal(t, models.ActionPass, report.Devices["10.0.0.6"])

	require.Equal(t, adds, f.sets.adds)
	require.Zero(t, f.sets.replaces)
}

func TestSyncSurfacesRuleListFailure(t *testing.T) {
	f := newFixture()
	f.rules.err = errBoom
	_, err := f.engine.Sync(context.Background())
	require.ErrorIs(t, err, errBoom)
}

func TestHealConvergesRecordsAfterPartialFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	other := models.Device{ID: "dev-2", Address: "10.0.0.6"}

	_, err := f.engine.GrantAccess(ctx, laptop)
	require.NoError(t, err)
	_, err = f.engine.GrantAccess(ctx, other)
	require.NoError(t, err)

	f.sets.failRepl[DefaultAuthorizedSet] = errBoom
	_, err = f.engine.RevokeAccess(ctx, laptop, "too many violations", "admin")
	require.Error(t, err)
	require.Equal(t, 1, f.sets.count(DefaultAuthorizedSet, laptop.Address))
	require.Equal(t, 1, f.sets.count(DefaultBlockedSet, laptop.Address))
	delete(f.sets.failRepl, DefaultAuthorizedSet)

	report, err := f.engine.Heal(ctx)
	require.NoError(t, err)
	require.Len(t, report.Healed, 2)
	require.Empty(t, report.Failed)
	require.Empty(t, report.Conflicts)
	require.Zero(t, f.sets.count(DefaultAuthorizedSet, laptop.Address))
	require.Equal(t, 1, f.sets.count(DefaultBlockedSet, laptop.Address))
	require.Equal(t, 1, f.sets.count(DefaultAuthorizedSet, other.Address))
}

func TestConvergeLeavesPendingAlone(t *testing.T) {
	f := newFixture()
	res, err := f.engine.Converge(context.Background(), &models.DeviceAccessRecord{
		DeviceID: "dev-9", Address: "10.0.0.9", Status: models.StatusPending,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, res.Status)
	require.Zero(t, f.sets.calls())
}
