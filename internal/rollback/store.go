package rollback

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists rollback requests in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a rollback store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rollback db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS rollback_requests (
		id          TEXT PRIMARY KEY,
		incident_id TEXT NOT NULL,
		deployment  TEXT NOT NULL,
		namespace   TEXT NOT NULL,
		urgency     TEXT NOT NULL,
		reasoning   TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'pending',
		snapshot    TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		executed_at TEXT,
		error       TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create rollback schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rollback_incident ON rollback_requests(incident_id, created_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_rollback_status ON rollback_requests(status)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists a new rollback request.
func (s *Store) Insert(r Request) (Request, error) {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = now
	r.UpdatedAt = now

	var snapshotJSON sql.NullString
	if r.Snapshot != nil {
		if data, err := json.Marshal(r.Snapshot); err == nil {
			snapshotJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	_, err := s.db.Exec(`INSERT INTO rollback_requests
		(id, incident_id, deployment, namespace, urgency, reasoning, status, snapshot, created_at, updated_at, executed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.IncidentID, r.Deployment, r.Namespace,
		string(r.Urgency), r.Reasoning, string(r.Status), snapshotJSON,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		nullableTime(r.ExecutedAt), r.Error,
	)
	if err != nil {
		return Request{}, fmt.Errorf("insert rollback request: %w", err)
	}
	return r, nil
}

const requestColumns = `id, incident_id, deployment, namespace, urgency, reasoning, status, snapshot, created_at, updated_at, executed_at, error`

// Get retrieves a rollback request by ID.
func (s *Store) Get(id string) (Request, bool, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM rollback_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

// ListByIncident returns requests for an incident, newest first.
func (s *Store) ListByIncident(incidentID string) ([]Request, error) {
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM rollback_requests
		WHERE incident_id = ? ORDER BY created_at DESC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// ListByStatus returns requests in the given status, oldest first.
func (s *Store) ListByStatus(status RequestStatus) ([]Request, error) {
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM rollback_requests
		WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

// Transition moves a request from one status to another. The guard in the
// WHERE clause makes illegal transitions report sql.ErrNoRows rather than
// silently overwriting state.
func (s *Store) Transition(id string, from, to RequestStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var executedAt any
	if to == StatusExecuted {
		executedAt = now
	}

	res, err := s.db.Exec(`UPDATE rollback_requests
		SET status = ?, updated_at = ?, error = ?,
		    executed_at = COALESCE(?, executed_at)
		WHERE id = ? AND status = ?`,
		string(to), now, errMsg, executedAt, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition rollback request: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountExecuted returns the number of executed-or-later rollbacks for an incident.
func (s *Store) CountExecuted(incidentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rollback_requests
		WHERE incident_id = ? AND status IN ('executed', 'succeeded', 'failed')`,
		incidentID).Scan(&n)
	return n, err
}

// CountAttempts returns all rollback requests ever raised for an incident,
// cancelled ones included. Used by cascade protection.
func (s *Store) CountAttempts(incidentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rollback_requests WHERE incident_id = ?`,
		incidentID).Scan(&n)
	return n, err
}

// LastExecutedAt returns when the incident's most recent rollback executed.
func (s *Store) LastExecutedAt(incidentID string) (*time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRow(`SELECT MAX(executed_at) FROM rollback_requests
		WHERE incident_id = ? AND executed_at IS NOT NULL`, incidentID).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid || ts.String == "" {
		return nil, nil
	}
	t := parseTime(ts.String)
	return &t, nil
}

func collectRequests(rows *sql.Rows) ([]Request, error) {
	out := make([]Request, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(r rowScanner) (Request, error) {
	var (
		req          Request
		snapshotJSON sql.NullString
		createdAt    string
		updatedAt    string
		executedAt   sql.NullString
	)
	err := r.Scan(&req.ID, &req.IncidentID, &req.Deployment, &req.Namespace,
		(*string)(&req.Urgency), &req.Reasoning, (*string)(&req.Status),
		&snapshotJSON, &createdAt, &updatedAt, &executedAt, &req.Error)
	if err != nil {
		return Request{}, err
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var snap Snapshot
		if json.Unmarshal([]byte(snapshotJSON.String), &snap) == nil {
			req.Snapshot = &snap
		}
	}
	req.CreatedAt = parseTime(createdAt)
	req.UpdatedAt = parseTime(updatedAt)
	if executedAt.Valid && executedAt.String != "" {
		t := parseTime(executedAt.String)
		req.ExecutedAt = &t
	}
	return req, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func nullableTime(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: ts.UTC().Format(time.RFC3339Nano), Valid: true}
}
