// Package sqlite persists incidents and device block history in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"accessguard/pkg/models"
)

// DefaultDuplicateWindow is how far back SaveIncident looks for a duplicate.
const DefaultDuplicateWindow = time.Hour

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	id             TEXT PRIMARY KEY,
	device_address TEXT NOT NULL,
	device_name    TEXT NOT NULL DEFAULT '',
	note_type      TEXT NOT NULL,
	severity       TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	detected_at    INTEGER NOT NULL,
	log_type       TEXT NOT NULL DEFAULT '',
	raw_source     TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_dedupe ON incidents(device_address, note_type, severity, created_at);
CREATE INDEX IF NOT EXISTS idx_incidents_detected ON incidents(detected_at);

CREATE TABLE IF NOT EXISTS block_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id   TEXT NOT NULL,
	feedback    TEXT NOT NULL,
	admin_notes TEXT NOT NULL DEFAULT '',
	by_actor    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_block_history_device ON block_history(device_id, created_at);
`

// Config configures the store.
type Config struct {
	Path            string
	DuplicateWindow time.Duration
}

// Store is the SQLite-backed incident and history store.
type Store struct {
	db     *sql.DB
	window time.Duration
	now    func() time.Time
}

// Open opens (and migrates) the database at cfg.Path. ":memory:" is
// accepted for tests.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	window := cfg.DuplicateWindow
	if window <= 0 {
		window = DefaultDuplicateWindow
	}
	return &Store{db: db, window: window, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const incidentColumns = `id, device_address, device_name, note_type, severity, description, detected_at, log_type, raw_source`

// SaveIncident stores inc unless an incident with the same address, note
// type and severity was stored within the duplicate window; in that case
// the earlier incident is returned and created is false.
func (s *Store) SaveIncident(ctx context.Context, inc *models.Incident) (*models.Incident, bool, error) {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin incident tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents
		WHERE device_address = ? AND note_type = ? AND severity = ? AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		inc.DeviceAddress, inc.NoteType, string(inc.Severity), now.Add(-s.window).UnixNano())
	existing, err := scanIncident(row)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.DeviceAddress, inc.DeviceName, inc.NoteType, string(inc.Severity),
		inc.Description, inc.DetectedAt.UTC().UnixNano(), inc.LogType, inc.RawSource, now.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("insert incident: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit incident: %w", err)
	}
	return inc, true, nil
}

// GetIncident returns one incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	return scanIncident(row)
}

// IncidentFilter narrows ListIncidents. Zero fields do not filter.
type IncidentFilter struct {
	Address  string
	Severity models.Severity
	Since    time.Time
	Limit    int
}

// ListIncidents returns incidents newest first.
func (s *Store) ListIncidents(ctx context.Context, f IncidentFilter) ([]*models.Incident, error) {
	var where []string
	var args []interface{}
	if f.Address != "" {
		where = append(where, "device_address = ?")
		args = append(args, f.Address)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Stats summarizes incidents detected since the given time.
func (s *Store) Stats(ctx context.Context, since time.Time, top int) (*models.IncidentStats, error) {
	if top <= 0 {
		top = 10
	}
	stats := &models.IncidentStats{Since: since.UTC(), BySeverity: make(map[models.Severity]int)}
	for _, sev := range models.Severities {
		stats.BySeverity[sev] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM incidents
		WHERE detected_at >= ? GROUP BY severity`, since.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("count incidents by severity: %w", err)
	}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		stats.BySeverity[models.Severity(sev)] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT device_address, COUNT(*) AS n FROM incidents
		WHERE detected_at >= ? GROUP BY device_address ORDER BY n DESC, device_address LIMIT ?`,
		since.UTC().UnixNano(), top)
	if err != nil {
		return nil, fmt.Errorf("count incidents by address: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a models.AddressIncidents
		if err := rows.Scan(&a.Address, &a.Count); err != nil {
			return nil, fmt.Errorf("scan address count: %w", err)
		}
		stats.TopAddress = append(stats.TopAddress, a)
	}
	return stats, rows.Err()
}

// AppendBlockHistory records an entry of a device's block history.
func (s *Store) AppendBlockHistory(ctx context.Context, e models.BlockHistoryEntry) error {
	at := e.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO block_history (device_id, feedback, admin_notes, by_actor, created_at)
		VALUES (?, ?, ?, ?, ?)`, e.DeviceID, e.Feedback, e.AdminNotes, e.By, at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert block history: %w", err)
	}
	return nil
}

// BlockHistory returns a device's history, oldest first.
func (s *Store) BlockHistory(ctx context.Context, deviceID string) ([]models.BlockHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, device_id, feedback, admin_notes, by_actor, created_at
		FROM block_history WHERE device_id = ? ORDER BY created_at, id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list block history: %w", err)
	}
	defer rows.Close()

	var out []models.BlockHistoryEntry
	for rows.Next() {
		var e models.BlockHistoryEntry
		var at int64
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Feedback, &e.AdminNotes, &e.By, &at); err != nil {
			return nil, fmt.Errorf("scan block history: %w", err)
		}
		e.CreatedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row scanner) (*models.Incident, error) {
	var inc models.Incident
	var sev string
	var detected int64
	err := row.Scan(&inc.ID, &inc.DeviceAddress, &inc.DeviceName, &inc.NoteType, &sev,
		&inc.Description, &detected, &inc.LogType, &inc.RawSource)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Severity = models.Severity(sev)
	inc.DetectedAt = time.Unix(0, detected).UTC()
	return &inc, nil
}
