package devcycle

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists development cycles in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a cycle store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cycle db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS development_cycles (
		id             TEXT PRIMARY KEY,
		phase          TEXT NOT NULL DEFAULT 'IDLE',
		service_type   TEXT NOT NULL DEFAULT '',
		requirement    TEXT NOT NULL DEFAULT '',
		incident_id    TEXT NOT NULL DEFAULT '',
		iterations     INTEGER NOT NULL DEFAULT 0,
		max_iterations INTEGER NOT NULL DEFAULT 5,
		phase_retries  TEXT NOT NULL DEFAULT '{}',
		completed_at   TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cycle schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cycles_phase ON development_cycles(phase, completed_at)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_cycles_incident ON development_cycles(incident_id)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create persists a new cycle.
func (s *Store) Create(c Cycle) (Cycle, error) {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Phase == "" {
		c.Phase = PhaseIdle
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 5
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO development_cycles
		(id, phase, service_type, requirement, incident_id, iterations, max_iterations, phase_retries, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Phase), c.ServiceType, c.Requirement, c.IncidentID,
		c.Iterations, c.MaxIterations, marshalRetries(c.PhaseRetries),
		nullableTime(c.CompletedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Cycle{}, fmt.Errorf("insert cycle: %w", err)
	}
	return c, nil
}

const cycleColumns = `id, phase, service_type, requirement, incident_id, iterations, max_iterations, phase_retries, completed_at, created_at, updated_at`

// Get retrieves a cycle by ID.
func (s *Store) Get(id string) (Cycle, bool, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM development_cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return Cycle{}, false, nil
	}
	if err != nil {
		return Cycle{}, false, err
	}
	return c, true, nil
}

// GetByIncident returns the most recent cycle raised for an incident.
func (s *Store) GetByIncident(incidentID string) (Cycle, bool, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM development_cycles
		WHERE incident_id = ? ORDER BY created_at DESC LIMIT 1`, incidentID)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return Cycle{}, false, nil
	}
	if err != nil {
		return Cycle{}, false, err
	}
	return c, true, nil
}

// SetPhase moves a cycle to a new phase, stamping completion on terminal
// phases and bumping the iteration counter when asked.
func (s *Store) SetPhase(id string, phase Phase, bumpIteration bool) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var completedAt any
	if phase.Terminal() {
		completedAt = now
	}
	bump := 0
	if bumpIteration {
		bump = 1
	}

	res, err := s.db.Exec(`UPDATE development_cycles
		SET phase = ?, iterations = iterations + ?, updated_at = ?,
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?`,
		string(phase), bump, now, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("set cycle phase: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cycle not found: %s", id)
	}
	return nil
}

// SetPhaseRetries persists the per-phase retry map.
func (s *Store) SetPhaseRetries(id string, retries map[Phase]int) error {
	res, err := s.db.Exec(`UPDATE development_cycles
		SET phase_retries = ?, updated_at = ? WHERE id = ?`,
		marshalRetries(retries), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set cycle retries: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cycle not found: %s", id)
	}
	return nil
}

// Interrupted returns cycles abandoned mid-flight: not completed and not in
// IDLE or a terminal phase. These are resume candidates at startup.
func (s *Store) Interrupted() ([]Cycle, error) {
	rows, err := s.db.Query(`SELECT ` + cycleColumns + ` FROM development_cycles
		WHERE completed_at IS NULL AND phase NOT IN ('IDLE', 'COMPLETED', 'FAILED')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Cycle, 0)
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(r rowScanner) (Cycle, error) {
	var (
		c           Cycle
		retriesJSON string
		completedAt sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := r.Scan(&c.ID, (*string)(&c.Phase), &c.ServiceType, &c.Requirement,
		&c.IncidentID, &c.Iterations, &c.MaxIterations, &retriesJSON,
		&completedAt, &createdAt, &updatedAt)
	if err != nil {
		return Cycle{}, err
	}
	c.PhaseRetries = unmarshalRetries(retriesJSON)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		c.CompletedAt = &t
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
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

func marshalRetries(retries map[Phase]int) string {
	if len(retries) == 0 {
		return "{}"
	}
	data, err := json.Marshal(retries)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unmarshalRetries decodes the persisted retry map; decode failure yields an
// empty map rather than an error.
func unmarshalRetries(raw string) map[Phase]int {
	out := map[Phase]int{}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
