package pfsense

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"accessguard/internal/errs"
	"accessguard/pkg/models"
)

type fakePfSense struct {
	mu      sync.Mutex
	aliases []alias
	rules   json.RawMessage
	leases  json.RawMessage
	patches int
	creates int
	applies int
	failAll int
}

func (f *fakePfSense) reply(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	status := "ok"
	if code >= 300 {
		status = "bad request"
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code": code, "status": status, "message": "", "data": data,
	})
}

func (f *fakePfSense) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("X-API-Key") != "secret" {
		f.reply(w, http.StatusUnauthorized, nil)
		return
	}
	if f.failAll != 0 {
		f.reply(w, f.failAll, nil)
		return
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /api/v2/firewall/aliases":
		f.reply(w, http.StatusOK, f.aliases)
	case "POST /api/v2/firewall/alias":
		var a alias
		json.NewDecoder(r.Body).Decode(&a)
		id := len(f.aliases)
		a.ID = &id
		f.aliases = append(f.aliases, a)
		f.creates++
		f.reply(w, http.StatusOK, a)
	case "PATCH /api/v2/firewall/alias":
		var a alias
		json.NewDecoder(r.Body).Decode(&a)
		if a.ID == nil || *a.ID >= len(f.aliases) {
			f.reply(w, http.StatusNotFound, nil)
			return
		}
		cur := &f.aliases[*a.ID]
		cur.Address, cur.Detail = a.Address, a.Detail
		f.patches++
		f.reply(w, http.StatusOK, cur)
	case "POST /api/v2/firewall/apply":
		f.applies++
		f.reply(w, http.StatusOK, map[string]bool{"applied": true})
	case "GET /api/v2/firewall/rules":
		f.reply(w, http.StatusOK, f.rules)
	case "GET /api/v2/status/dhcp_server/leases":
		f.reply(w, http.StatusOK, f.leases)
	default:
		f.reply(w, http.StatusNotFound, nil)
	}
}

func newTestClient(t *testing.T, f *fakePfSense, apply bool) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL + "/api/v2", APIKey: "secret", ApplyChanges: apply})
	require.NoError(t, err)
	return c
}

func TestAddEntriesIsUnionAndSkipsNoopUpdates(t *testing.T) {
	zero := 0
	f := &fakePfSense{aliases: []alias{{ID: &zero, Name: "Authorized", Type: "host", Address: []string{"10.0.0.1"}, Detail: []string{"printer"}}}}
	c := newTestClient(t, f, true)
	ctx := context.Background()

	entry := models.AccessEntry{Address: "10.0.0.5", Detail: "laptop"}
	require.NoError(t, c.AddEntries(ctx, "Authorized", []models.AccessEntry{entry}))
	require.NoError(t, c.AddEntries(ctx, "Authorized", []models.AccessEntry{entry}))

	require.Equal(t, 1, f.patches)
	require.Equal(t, 1, f.applies)

	set, err := c.Get(ctx, "Authorized")
	require.NoError(t, err)
	require.Equal(t, []models.AccessEntry{{Address: "10.0.0.1", Detail: "printer"}, entry}, set.Entries)
	require.Equal(t, models.AccessKindHost, set.Kind)
}

func TestAddEntriesWithDuplicateAndEmptyMembers(t *testing.T) {
	zero := 0
	f := &fakePfSense{aliases: []alias{{
		ID:      &zero,
		Name:    "Authorized",
		Address: []string{"10.0.0.1", "10.0.0.1", ""},
		Detail:  []string{"a", "a", ""},
	}}}
	c := newTestClient(t, f, false)
	ctx := context.Background()

	require.NoError(t, c.AddEntries(ctx, "Authorized", []models.AccessEntry{{Address: "10.0.0.9"}}))
	require.Equal(t, 1, f.patches)

	set, err := c.Get(ctx, "Authorized")
	require.NoError(t, err)
	require.True(t, set.Contains("10.0.0.9"))
	require.True(t, set.Contains("10.0.0.1"))

	require.NoError(t, c.AddEntries(ctx, "Authorized", []models.AccessEntry{{Address: "10.0.0.1"}, {Address: "10.0.0.9"}}))
	require.Equal(t, 1, f.patches)
}

func TestAddEntriesCreatesMissingAlias(t *testing.T) {
	f := &fakePfSense{}
	c := newTestClient(t, f, false)

	require.NoError(t, c.AddEntries(context.Background(), "Blocked", []models.AccessEntry{{Address: "10.0.0.5"}, {Address: "10.0.0.5"}}))
	require.Equal(t, 1, f.creates)
	require.Zero(t, f.applies)
	require.Equal(t, "Blocked", f.aliases[0].Name)
	require.Equal(t, "host", f.aliases[0].Type)
	require.Equal(t, []string{"10.0.0.5"}, f.aliases[0].Address)
}

func TestGetMissingAliasReturnsNil(t *testing.T) {
	c := newTestClient(t, &fakePfSense{}, false)
	set, err := c.Get(context.Background(), "Nope")
	require.NoError(t, err)
	require.Nil(t, set)
}

func TestReplaceOverwritesEntries(t *testing.T) {
	zero := 0
	f := &fakePfSense{aliases: []alias{{ID: &zero, Name: "Blocked", Address: []string{"10.0.0.5", "10.0.0.6"}, Detail: []string{"a", "b"}}}}
	c := newTestClient(t, f, false)

	require.NoError(t, c.Replace(context.Background(), "Blocked", []models.AccessEntry{{Address: "10.0.0.6", Detail: "b"}}))
	require.Equal(t, []string{"10.0.0.6"}, f.aliases[0].Address)
	require.Equal(t, []string{"b"}, f.aliases[0].Detail)
}

func TestNonSuccessStatusIsRemoteUnavailable(t *testing.T) {
	f := &fakePfSense{failAll: http.StatusServiceUnavailable}
	c := newTestClient(t, f, false)

	_, err := c.Get(context.Background(), "Authorized")
	var ru *errs.RemoteUnavailable
	require.ErrorAs(t, err, &ru)
	require.Equal(t, http.StatusServiceUnavailable, ru.Status)
	require.True(t, errs.IsRetryable(err))
}

func TestWrongAPIKeyIsRejected(t *testing.T) {
	srv := httptest.NewServer(&fakePfSense{})
	defer srv.Close()
	c, err := NewClient(Config{URL: srv.URL + "/api/v2/", APIKey: "wrong"})
	require.NoError(t, err)

	_, err = c.ListRules(context.Background())
	var ru *errs.RemoteUnavailable
	require.ErrorAs(t, err, &ru)
	require.Equal(t, http.StatusUnauthorized, ru.Status)
}

func TestListRulesAcceptsStringAndListTokens(t *testing.T) {
	f := &fakePfSense{rules: json.RawMessage(`[
		{"id": 0, "type": "pass", "interface": ["lan"], "source": "Authorized", "destination": "any", "descr": "allow"},
		{"id": 1, "type": "block", "interface": "lan", "source": ["Blocked", "!Guests"], "destination": "any"},
		{"id": 2, "type": "reject", "source": "Quarantine,Lab", "destination": "wan:ip", "disabled": true},
		{"id": 3, "type": "match", "source": "any", "destination": "any"}
	]`)}
	c := newTestClient(t, f, false)

	rules, err := c.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)

	require.Equal(t, models.ActionPass, rules[0].Action)
	require.Equal(t, []string{"Authorized"}, rules[0].SourceTokens)
	require.Equal(t, "lan", rules[0].Interface)

	require.Equal(t, models.ActionBlock, rules[1].Action)
	require.Equal(t, []string{"Blocked", "!Guests"}, rules[1].SourceTokens)

	require.Equal(t, models.ActionBlock, rules[2].Action)
	require.Equal(t, []string{"Quarantine", "Lab"}, rules[2].SourceTokens)
	require.True(t, rules[2].Disabled)
}

func TestLeases(t *testing.T) {
	f := &fakePfSense{leases: json.RawMessage(`[
		{"ip": "10.0.0.5", "mac": "aa:bb", "hostname": "laptop", "online_status": "active/online", "active_status": "active"},
		{"ip": "10.0.0.6", "mac": "cc:dd", "online_status": "idle/offline", "active_status": "expired"},
		{"mac": "ee:ff"}
	]`)}
	c := newTestClient(t, f, false)

	leases, err := c.Leases(context.Background())
	require.NoError(t, err)
	require.Equal(t, []models.Lease{
		{Address: "10.0.0.5", MAC: "aa:bb", Hostname: "laptop", Online: true, Active: true},
		{Address: "10.0.0.6", MAC: "cc:dd"},
	}, leases)
}
