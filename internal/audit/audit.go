// Package audit persists the request and capability-decision trail in
// SQLite. The trail answers "who asked for what, and what did the
// gatekeeper decide" after the fact.
package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const retention = 30 * 24 * time.Hour

// RequestEntry is one recorded HTTP request.
type RequestEntry struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Route     string    `json:"route"`
	Subject   string    `json:"subject,omitempty"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	TraceID   string    `json:"trace_id,omitempty"`
	At        time.Time `json:"at"`
}

// Decision is one recorded capability verification.
type Decision struct {
	ID       string    `json:"id"`
	Subject  string    `json:"subject"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Allowed  bool      `json:"allowed"`
	Reason   string    `json:"reason"`
	Strict   bool      `json:"strict"`
	At       time.Time `json:"at"`
}

// Store is the audit database.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the audit database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS requests (
		id         TEXT PRIMARY KEY,
		method     TEXT NOT NULL,
		route      TEXT NOT NULL,
		subject    TEXT NOT NULL DEFAULT '',
		status     INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		trace_id   TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create requests table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		id       TEXT PRIMARY KEY,
		subject  TEXT NOT NULL,
		action   TEXT NOT NULL,
		resource TEXT NOT NULL,
		allowed  INTEGER NOT NULL,
		reason   TEXT NOT NULL,
		strict   INTEGER NOT NULL,
		at       TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create decisions table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_requests_at ON requests(at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_subject_at ON decisions(subject, at)`)

	s := &Store{db: db}
	if err := s.prune(retention); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prune audit trail: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database for health checks.
func (s *Store) Ping() error { return s.db.Ping() }

// RecordRequest appends one request entry.
func (s *Store) RecordRequest(e RequestEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO requests (id, method, route, subject, status, latency_ms, trace_id, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Method, e.Route, e.Subject, e.Status, e.LatencyMS, e.TraceID,
		e.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// RecordDecision appends one capability decision.
func (s *Store) RecordDecision(d Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO decisions (id, subject, action, resource, allowed, reason, strict, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Subject, d.Action, d.Resource, boolInt(d.Allowed), d.Reason, boolInt(d.Strict),
		d.At.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// RecentRequests returns the newest request entries, newest first.
func (s *Store) RecentRequests(limit int) ([]RequestEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, method, route, subject, status, latency_ms, trace_id, at
		 FROM requests ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()

	var out []RequestEntry
	for rows.Next() {
		var e RequestEntry
		var at string
		if err := rows.Scan(&e.ID, &e.Method, &e.Route, &e.Subject, &e.Status, &e.LatencyMS, &e.TraceID, &at); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentDecisions returns the newest decisions, newest first. An empty
// subject matches all subjects.
func (s *Store) RecentDecisions(subject string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, subject, action, resource, allowed, reason, strict, at
		 FROM decisions ORDER BY at DESC LIMIT ?`
	args := []any{limit}
	if subject != "" {
		query = `SELECT id, subject, action, resource, allowed, reason, strict, at
		 FROM decisions WHERE subject = ? ORDER BY at DESC LIMIT ?`
		args = []any{subject, limit}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var allowed, strict int
		var at string
		if err := rows.Scan(&d.ID, &d.Subject, &d.Action, &d.Resource, &allowed, &d.Reason, &strict, &at); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Allowed = allowed != 0
		d.Strict = strict != 0
		d.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeniedCount reports denials for a subject within a window; the
// maintenance loop surfaces subjects with abnormal denial counts.
func (s *Store) DeniedCount(subject string, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM decisions WHERE subject = ? AND allowed = 0 AND at >= ?`,
		subject, since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count denials: %w", err)
	}
	return n, nil
}

// prune drops entries older than the retention window.
func (s *Store) prune(keep time.Duration) error {
	cutoff := time.Now().UTC().Add(-keep).Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`DELETE FROM requests WHERE at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM decisions WHERE at < ?`, cutoff)
	return err
}

// Prune is the maintenance-loop entry point.
func (s *Store) Prune() error { return s.prune(retention) }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
