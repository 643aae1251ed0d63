// Package file reads sensor logs from a local spool directory, either on
// demand or by following appended lines.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"accessguard/internal/errs"
	"accessguard/internal/transform/zeek"
	"accessguard/pkg/models"
)

// DefaultMaxLines caps ReadLog when the caller passes no limit.
const DefaultMaxLines = 50

// DefaultAllowedLogs are the sensor logs that may be read.
var DefaultAllowedLogs = []string{
	"notice.log", "http.log", "dns.log", "conn.log",
	"ssl.log", "files.log", "weird.log", "reporter.log",
}

// Line is one physical line of a named log.
type Line struct {
	Source string
	Text   string
}

// Source gives read-only access to whitelisted logs in one directory.
type Source struct {
	dir     string
	allowed map[string]bool
}

// NewSource creates a source rooted at dir. An empty allowed list uses
// DefaultAllowedLogs.
func NewSource(dir string, allowed []string) (*Source, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowedLogs
	}
	s := &Source{dir: dir, allowed: make(map[string]bool, len(allowed))}
	for _, name := range allowed {
		s.allowed[name] = true
	}
	return s, nil
}

// Dir returns the spool directory.
func (s *Source) Dir() string {
	return s.dir
}

// Allowed reports whether name may be read.
func (s *Source) Allowed(name string) bool {
	return s.allowed[name]
}

// Open opens a whitelisted log. Names outside the whitelist, including any
// path, are a ValidationError.
func (s *Source) Open(name string) (io.ReadCloser, error) {
	if filepath.Base(name) != name || !s.allowed[name] {
		return nil, errs.Validation("log", "%q is not an allowed log", name)
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", name, err)
	}
	return f, nil
}

// ReadLog decodes up to maxLines records of the named log. A negative
// maxLines uses DefaultMaxLines.
func (s *Source) ReadLog(name string, maxLines int) ([]*models.LogRecord, error) {
	if maxLines < 0 {
		maxLines = DefaultMaxLines
	}
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return zeek.Decode(name, f, maxLines)
}
