package rules

import "accessguard/pkg/models"

// Match is a rule that fired on a record.
type Match struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Level     models.Severity `json:"level"`
	Tactic    string          `json:"tactic,omitempty"`
	Technique string          `json:"technique,omitempty"`
}

// Engine applies detection rules to decoded log records.
type Engine interface {
	Apply(rec *models.LogRecord) []Match
}

// NoopEngine returns no matches.
type NoopEngine struct{}

// Apply returns an empty match list.
func (n *NoopEngine) Apply(rec *models.LogRecord) []Match {
	return nil
}

// Annotate copies the most severe match onto rec as "rule.level" and
// "rule.title". A record without a "note" field is given one named after the
// rule so that it classifies as an incident. It returns false when matches
// is empty.
func Annotate(rec *models.LogRecord, matches []Match) bool {
	if rec == nil || len(matches) == 0 {
		return false
	}
	top := matches[0]
	for _, m := range matches[1:] {
		if rank(m.Level) > rank(top.Level) {
			top = m
		}
	}
	rec.Set("rule.level", models.StringValue(string(top.Level)))
	rec.Set("rule.title", models.StringValue(top.Title))
	if note, ok := rec.Get("note"); !ok || note.IsNull() {
		rec.Set("note", models.StringValue("Sigma::"+top.Title))
		if msg, ok := rec.Get("msg"); !ok || msg.IsNull() {
			rec.Set("msg", models.StringValue(top.Title))
		}
	}
	return true
}

func rank(s models.Severity) int {
	for i, sev := range models.Severities {
		if sev == s {
			return i
		}
	}
	return -1
}
