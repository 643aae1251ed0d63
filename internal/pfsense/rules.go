package pfsense

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"accessguard/pkg/models"
)

// tokenField accepts both the comma separated string and the list form
// pfSense uses for rule address and interface fields.
type tokenField []string

func (t *tokenField) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		var out []string
		for _, item := range list {
			out = append(out, models.SplitTokens(item)...)
		}
		*t = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*t = nil
		return nil
	}
	*t = models.SplitTokens(s)
	return nil
}

type rule struct {
	ID          int        `json:"id"`
	Type        string     `json:"type"`
	Interface   tokenField `json:"interface"`
	Source      tokenField `json:"source"`
	Destination tokenField `json:"destination"`
	Descr       string     `json:"descr"`
	Disabled    bool       `json:"disabled"`
}

// ListRules returns the firewall rules whose type maps to an action.
func (c *Client) ListRules(ctx context.Context) ([]models.FirewallRule, error) {
	var rows []rule
	if err := c.do(ctx, http.MethodGet, "firewall/rules", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.FirewallRule, 0, len(rows))
	for _, r := range rows {
		action, ok := models.ParseAction(r.Type)
		if !ok {
			continue
		}
		out = append(out, models.FirewallRule{
			ID:                r.ID,
			Action:            action,
			Interface:         strings.Join(r.Interface, ","),
			SourceTokens:      []string(r.Source),
			DestinationTokens: []string(r.Destination),
			Description:       r.Descr,
			Disabled:          r.Disabled,
		})
	}
	return out, nil
}
