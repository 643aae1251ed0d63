package pfsense

import (
	"context"
	"net/http"

	"accessguard/pkg/models"
)

type alias struct {
	ID      *int     `json:"id,omitempty"`
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"`
	Descr   string   `json:"descr,omitempty"`
	Address []string `json:"address"`
	Detail  []string `json:"detail"`
}

func (a *alias) accessSet() *models.AccessSet {
	set := &models.AccessSet{
		Name:        a.Name,
		Kind:        models.AccessKind(a.Type),
		Description: a.Descr,
		Entries:     make([]models.AccessEntry, 0, len(a.Address)),
	}
	for i, addr := range a.Address {
		e := models.AccessEntry{Address: addr}
		if i < len(a.Detail) {
			e.Detail = a.Detail[i]
		}
		set.Entries = append(set.Entries, e)
	}
	return set
}

func (a *alias) setEntries(entries []models.AccessEntry) {
	a.Address = make([]string, len(entries))
	a.Detail = make([]string, len(entries))
	for i, e := range entries {
		a.Address[i] = e.Address
		a.Detail[i] = e.Detail
	}
}

func (c *Client) findAlias(ctx context.Context, name string) (*alias, error) {
	var aliases []alias
	if err := c.do(ctx, http.MethodGet, "firewall/aliases", nil, &aliases); err != nil {
		return nil, err
	}
	for i := range aliases {
		if aliases[i].Name == name {
			return &aliases[i], nil
		}
	}
	return nil, nil
}

// Get returns the named alias, or nil when it does not exist.
func (c *Client) Get(ctx context.Context, name string) (*models.AccessSet, error) {
	a, err := c.findAlias(ctx, name)
	if err != nil || a == nil {
		return nil, err
	}
	return a.accessSet(), nil
}

// Replace overwrites the address list of the named alias, creating it when
// missing.
func (c *Client) Replace(ctx context.Context, name string, entries []models.AccessEntry) error {
	a, err := c.findAlias(ctx, name)
	if err != nil {
		return err
	}
	if a == nil {
		return c.create(ctx, name, entries)
	}
	a.setEntries(entries)
	return c.update(ctx, a)
}

// AddEntries adds the addresses that are not yet members of the named
// alias. It creates a missing alias as a host alias and issues no update
// when every address is already present.
func (c *Client) AddEntries(ctx context.Context, name string, entries []models.AccessEntry) error {
	a, err := c.findAlias(ctx, name)
	if err != nil {
		return err
	}
	if a == nil {
		return c.create(ctx, name, dedupe(nil, entries))
	}
	current := a.accessSet()
	missing := make([]models.AccessEntry, 0, len(entries))
	for _, e := range dedupe(nil, entries) {
		if !current.Contains(e.Address) {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	a.setEntries(append(current.Entries, missing...))
	return c.update(ctx, a)
}

func dedupe(current, extra []models.AccessEntry) []models.AccessEntry {
	seen := make(map[string]bool, len(current)+len(extra))
	out := make([]models.AccessEntry, 0, len(current)+len(extra))
	for _, list := range [][]models.AccessEntry{current, extra} {
		for _, e := range list {
			if e.Address == "" || seen[e.Address] {
				continue
			}
			seen[e.Address] = true
			out = append(out, e)
		}
	}
	return out
}

func (c *Client) create(ctx context.Context, name string, entries []models.AccessEntry) error {
	a := &alias{Name: name, Type: string(models.AccessKindHost), Descr: "managed by accessguard"}
	a.setEntries(entries)
	if err := c.do(ctx, http.MethodPost, "firewall/alias", a, nil); err != nil {
		return err
	}
	return c.applyIfEnabled(ctx)
}

func (c *Client) update(ctx context.Context, a *alias) error {
	payload := &alias{ID: a.ID, Name: a.Name, Address: a.Address, Detail: a.Detail}
	if err := c.do(ctx, http.MethodPatch, "firewall/alias", payload, nil); err != nil {
		return err
	}
	return c.applyIfEnabled(ctx)
}
