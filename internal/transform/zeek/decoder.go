// Package zeek decodes Zeek-style tab separated sensor logs whose schema is
// declared in the stream itself by "#fields" and "#types" header lines.
package zeek

import (
	"bufio"
	"io"
	"iter"
	"strconv"
	"strings"

	"accessguard/internal/errs"
	"accessguard/pkg/models"
)

const (
	fieldsMarker  = "#fields"
	typesMarker   = "#types"
	commentMarker = "#"
	separator     = "\t"

	nullToken  = "-"
	emptyToken = "(empty)"
)

// NoLimit disables record truncation.
const NoLimit = -1

// Header is the schema declared by the header lines seen so far.
type Header struct {
	Fields []string
	Types  []string
}

// TypeOf returns the type tag aligned with field i, or "" when none was declared.
func (h Header) TypeOf(i int) string {
	if i < len(h.Types) {
		return h.Types[i]
	}
	return ""
}

// Decoder turns physical log lines into records. It keeps the header state
// between calls and is not safe for concurrent use.
type Decoder struct {
	source string
	header Header
	line   int
}

// NewDecoder creates a decoder for one log source, e.g. "notice.log".
func NewDecoder(source string) *Decoder {
	return &Decoder{source: source}
}

// Header returns the currently declared header.
func (d *Decoder) Header() Header {
	return d.header
}

// Feed decodes one line. Header, comment and blank lines update state and
// return a nil record. A body line seen before any "#fields" header yields a
// FormatError and is dropped.
func (d *Decoder) Feed(line string) (*models.LogRecord, error) {
	d.line++
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}

	if rest, ok := cutMarker(line, fieldsMarker); ok {
		// A new field list starts a new schema; stale type tags must not leak into it.
		d.header = Header{Fields: strings.Split(rest, separator)}
		return nil, nil
	}
	if rest, ok := cutMarker(line, typesMarker); ok {
		d.header.Types = strings.Split(rest, separator)
		return nil, nil
	}
	if strings.HasPrefix(line, commentMarker) {
		return nil, nil
	}

	if len(d.header.Fields) == 0 {
		return nil, &errs.FormatError{Line: d.line, Msg: "body line before #fields header"}
	}

	cols := strings.Split(line, separator)
	rec := &models.LogRecord{
		Source: d.source,
		Fields: make([]models.Field, len(d.header.Fields)),
	}
	for i, name := range d.header.Fields {
		v := models.NullValue()
		if i < len(cols) {
			v = coerce(cols[i], d.header.TypeOf(i))
		}
		rec.Fields[i] = models.Field{Name: name, Value: v}
	}
	return rec, nil
}

func cutMarker(line, marker string) (string, bool) {
	if !strings.HasPrefix(line, marker) {
		return "", false
	}
	rest := line[len(marker):]
	if rest != "" && rest[0] != '\t' && rest[0] != ' ' {
		// "#fieldsX" is an ordinary comment, not a header.
		return "", false
	}
	if rest != "" {
		rest = rest[1:]
	}
	return rest, true
}

func coerce(raw, typ string) models.Value {
	if raw == nullToken {
		return models.NullValue()
	}
	if raw == emptyToken {
		if isSetType(typ) {
			return models.SetValue([]string{})
		}
		return models.NullValue()
	}

	switch typ {
	case "count", "port":
		if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil {
			return models.IntValue(n)
		}
	case "double":
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return models.FloatValue(f)
		}
	case "time":
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return models.TimeValue(f)
		}
	case "set[enum]", "set[string]":
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return models.SetValue(parts)
	}
	// Unknown tags and unparseable numbers keep the text as written.
	return models.StringValue(raw)
}

func isSetType(typ string) bool {
	return typ == "set[enum]" || typ == "set[string]"
}

// Stream reads records lazily from a reader. It can be iterated only once.
type Stream struct {
	dec      *Decoder
	scanner  *bufio.Scanner
	maxLines int
	emitted  int
}

// NewStream wraps r. maxLines caps the number of records produced; use
// NoLimit for no cap.
func NewStream(source string, r io.Reader, maxLines int) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{dec: NewDecoder(source), scanner: sc, maxLines: maxLines}
}

// Records yields decoded records in input order. FormatErrors are yielded
// with a nil record and iteration continues; read errors end the sequence.
func (s *Stream) Records() iter.Seq2[*models.LogRecord, error] {
	return func(yield func(*models.LogRecord, error) bool) {
		for !s.done() && s.scanner.Scan() {
			rec, err := s.dec.Feed(s.scanner.Text())
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if rec == nil {
				continue
			}
			s.emitted++
			if !yield(rec, nil) {
				return
			}
		}
		if err := s.scanner.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *Stream) done() bool {
	return s.maxLines >= 0 && s.emitted >= s.maxLines
}

// Decode reads up to maxLines records from r. Lines that cannot be mapped to
// a header are dropped; the first such FormatError is returned alongside the
// records that did decode.
func Decode(source string, r io.Reader, maxLines int) ([]*models.LogRecord, error) {
	var out []*models.LogRecord
	var firstErr error
	for rec, err := range NewStream(source, r, maxLines).Records() {
		if err != nil {
			if _, ok := err.(*errs.FormatError); !ok {
				return out, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rec)
	}
	return out, firstErr
}
