package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
	KindTime
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindSet:
		return "set"
	default:
		return "null"
	}
}

// Timestamp is a decoded time column: the epoch seconds as written by the
// sensor plus the UTC ISO-8601 rendering of the whole-second part.
type Timestamp struct {
	Raw float64 `json:"raw"`
	ISO string  `json:"iso"`
}

// Time returns the timestamp as a UTC time, keeping sub-second precision.
func (t Timestamp) Time() time.Time {
	sec, frac := math.Modf(t.Raw)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Value is one typed column value of a LogRecord.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	t    Timestamp
	set  []string
}

// NullValue returns the null value.
func NullValue() Value { return Value{} }

// IntValue wraps an integer.
func IntValue(n int64) Value { return Value{kind: KindInt, i: n} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// TimeValue builds a timestamp value from epoch seconds.
func TimeValue(raw float64) Value {
	iso := time.Unix(int64(math.Floor(raw)), 0).UTC().Format(time.RFC3339)
	return Value{kind: KindTime, t: Timestamp{Raw: raw, ISO: iso}}
}

// SetValue wraps an ordered list of strings. A nil slice is stored as empty.
func SetValue(items []string) Value {
	if items == nil {
		items = []string{}
	}
	return Value{kind: KindSet, set: items}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == KindInt
}

func (v Value) Float() (float64, bool) {
	return v.f, v.kind == KindFloat
}

func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) Time() (Timestamp, bool) {
	return v.t, v.kind == KindTime
}

func (v Value) Set() ([]string, bool) {
	return v.set, v.kind == KindSet
}

// String renders the value as text. Null renders as the empty string,
// timestamps as their ISO form and sets comma-joined.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.ISO
	case KindSet:
		return strings.Join(v.set, ",")
	default:
		return ""
	}
}

// Interface returns the value as a plain Go value suitable for generic
// matchers and JSON encoding.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return map[string]interface{}{"raw": v.t.Raw, "iso": v.t.ISO}
	case KindSet:
		out := make([]interface{}, len(v.set))
		for i, s := range v.set {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindTime:
		return json.Marshal(v.t)
	case KindSet:
		return json.Marshal(v.set)
	default:
		return json.Marshal(v.Interface())
	}
}

// Field is one named column of a record.
type Field struct {
	Name  string
	Value Value
}

// LogRecord is one decoded sensor log line. Fields keep the order of the
// header that declared them.
type LogRecord struct {
	Source string
	Fields []Field
}

// Get returns the named field value.
func (r *LogRecord) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the named field or appends it at the end.
func (r *LogRecord) Set(name string, v Value) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}

// Names returns the field names in record order.
func (r *LogRecord) Names() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Name
	}
	return out
}

// Map flattens the record into a map of plain values.
func (r *LogRecord) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Value.Interface()
	}
	return out
}

// MarshalJSON encodes the record as a JSON object in field order.
func (r *LogRecord) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
