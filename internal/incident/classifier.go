// Package incident maps decoded log records and persisted rows onto Incidents.
package incident

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"accessguard/pkg/models"
)

// Candidate source fields per Incident attribute, in priority order.
var (
	IDFields          = []string{"id", "incident_id"}
	AddressFields     = []string{"src", "id.orig_h", "source_ip", "device_ip", "device_address", "dst", "id.resp_h"}
	NameFields        = []string{"device_name", "hostname", "host"}
	NoteFields        = []string{"note", "note_type", "incident_type"}
	SeverityFields    = []string{"severity", "level", "rule.level"}
	DescriptionFields = []string{"msg", "message", "description", "note_text", "sub"}
	TimeFields        = []string{"ts", "detected_at"}
)

// UnknownAddress is used when no address candidate is present.
const UnknownAddress = "unknown"

// Classifier builds Incidents. It performs no I/O.
type Classifier struct {
	now   func() time.Time
	newID func() string
}

// NewClassifier returns a classifier using the wall clock and random UUIDs.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now, newID: uuid.NewString}
}

// Resolve returns the first non-null value among the candidate fields.
func Resolve(rec *models.LogRecord, candidates []string) (models.Value, bool) {
	for _, name := range candidates {
		if v, ok := rec.Get(name); ok && !v.IsNull() {
			if s, isStr := v.Str(); isStr && strings.TrimSpace(s) == "" {
				continue
			}
			return v, true
		}
	}
	return models.NullValue(), false
}

// ResolveString is Resolve rendered as text, or "" when nothing matched.
func ResolveString(rec *models.LogRecord, candidates []string) string {
	if v, ok := Resolve(rec, candidates); ok {
		return strings.TrimSpace(v.String())
	}
	return ""
}

// Severity resolves the explicit severity token of rec, defaulting to medium.
func Severity(rec *models.LogRecord) models.Severity {
	if sev, ok := models.ParseSeverity(ResolveString(rec, SeverityFields)); ok {
		return sev
	}
	return models.SeverityMedium
}

// Classify converts a record into an Incident. It returns false when the
// record carries no note type and therefore is not an incident.
func (c *Classifier) Classify(rec *models.LogRecord) (*models.Incident, bool) {
	if rec == nil {
		return nil, false
	}
	note := ResolveString(rec, NoteFields)
	if note == "" {
		return nil, false
	}

	inc := &models.Incident{
		ID:            ResolveString(rec, IDFields),
		DeviceAddress: ResolveString(rec, AddressFields),
		DeviceName:    ResolveString(rec, NameFields),
		NoteType:      note,
		Severity:      Severity(rec),
		Description:   ResolveString(rec, DescriptionFields),
		DetectedAt:    c.detectedAt(rec),
		LogType:       rec.Source,
	}
	if inc.ID == "" {
		inc.ID = c.newID()
	}
	if inc.DeviceAddress == "" {
		inc.DeviceAddress = UnknownAddress
	}
	if inc.Description == "" {
		inc.Description = fmt.Sprintf("Security notice: %s", note)
	}
	if raw, err := json.Marshal(rec); err == nil {
		inc.RawSource = string(raw)
	}
	return inc, true
}

// ClassifyRow converts a persisted incident row into an Incident.
func (c *Classifier) ClassifyRow(row map[string]interface{}) (*models.Incident, bool) {
	return c.Classify(RecordFromRow(row))
}

func (c *Classifier) detectedAt(rec *models.LogRecord) time.Time {
	v, ok := Resolve(rec, TimeFields)
	if !ok {
		return c.now().UTC()
	}
	if ts, ok := v.Time(); ok {
		return ts.Time()
	}
	if f, ok := v.Float(); ok {
		return models.Timestamp{Raw: f}.Time()
	}
	if n, ok := v.Int(); ok {
		return time.Unix(n, 0).UTC()
	}
	if s, ok := v.Str(); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t.UTC()
			}
		}
	}
	return c.now().UTC()
}

// RecordFromRow adapts a generic row to a LogRecord with fields in key order.
func RecordFromRow(row map[string]interface{}) *models.LogRecord {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := &models.LogRecord{Fields: make([]models.Field, 0, len(keys))}
	for _, k := range keys {
		rec.Fields = append(rec.Fields, models.Field{Name: k, Value: valueOf(row[k])})
	}
	if v, ok := row["log_type"].(string); ok {
		rec.Source = v
	}
	return rec
}

func valueOf(v interface{}) models.Value {
	switch val := v.(type) {
	case nil:
		return models.NullValue()
	case string:
		return models.StringValue(val)
	case []byte:
		return models.StringValue(string(val))
	case int:
		return models.IntValue(int64(val))
	case int64:
		return models.IntValue(val)
	case float64:
		return models.FloatValue(val)
	case time.Time:
		return models.TimeValue(float64(val.UnixNano()) / 1e9)
	case []string:
		return models.SetValue(val)
	case models.Severity:
		return models.StringValue(string(val))
	default:
		return models.StringValue(fmt.Sprintf("%v", val))
	}
}

// IsAttacker reports whether the incident names its device as the attacking side.
func IsAttacker(inc *models.Incident) bool {
	return inc != nil && strings.Contains(strings.ToLower(inc.NoteType), "attacker")
}
