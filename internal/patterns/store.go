package patterns

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists learned patterns in SQLite. List-valued fields are JSON
// encoded into text columns and decoded defensively on read.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a pattern store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open pattern db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS patterns (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL,
		name                TEXT NOT NULL,
		name_lower          TEXT NOT NULL UNIQUE,
		description         TEXT NOT NULL DEFAULT '',
		trigger_conditions  TEXT NOT NULL DEFAULT '[]',
		recommended_actions TEXT NOT NULL DEFAULT '[]',
		exceptions          TEXT NOT NULL DEFAULT '[]',
		confidence          REAL NOT NULL,
		times_matched       INTEGER NOT NULL DEFAULT 0,
		times_applied       INTEGER NOT NULL DEFAULT 0,
		success_rate        REAL,
		is_active           INTEGER NOT NULL DEFAULT 1,
		source_incident_id  TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pattern schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(type, is_active)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists a new pattern. The UNIQUE constraint on name_lower makes
// the dedup check + insert race-safe: a concurrent duplicate insert fails
// rather than double-storing.
func (s *Store) Insert(p LearnedPattern) (LearnedPattern, error) {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO patterns
		(id, type, name, name_lower, description, trigger_conditions, recommended_actions,
		 exceptions, confidence, times_matched, times_applied, success_rate, is_active,
		 source_incident_id, created_at, updated_at)
		VALUES (?, ?, ?, lower(?), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.Type), p.Name, p.Name, p.Description,
		marshalList(p.TriggerConditions), marshalList(p.RecommendedActions), marshalList(p.Exceptions),
		p.Confidence, p.TimesMatched, p.TimesApplied, nullableFloat(p.SuccessRate),
		boolInt(p.IsActive), p.SourceIncidentID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return LearnedPattern{}, fmt.Errorf("insert pattern: %w", err)
	}
	return p, nil
}

const patternColumns = `id, type, name, description, trigger_conditions, recommended_actions,
	exceptions, confidence, times_matched, times_applied, success_rate, is_active,
	source_incident_id, created_at, updated_at`

// Get retrieves a pattern by ID.
func (s *Store) Get(id string) (LearnedPattern, bool, error) {
	row := s.db.QueryRow(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return LearnedPattern{}, false, nil
	}
	if err != nil {
		return LearnedPattern{}, false, err
	}
	return p, true, nil
}

// GetByName retrieves a pattern by case-insensitive name.
func (s *Store) GetByName(name string) (LearnedPattern, bool, error) {
	row := s.db.QueryRow(`SELECT `+patternColumns+` FROM patterns WHERE name_lower = lower(?)`, name)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return LearnedPattern{}, false, nil
	}
	if err != nil {
		return LearnedPattern{}, false, err
	}
	return p, true, nil
}

// ListActive returns active patterns, optionally restricted to the given types.
func (s *Store) ListActive(types []PatternType) ([]LearnedPattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE is_active = 1`
	var args []any
	if len(types) > 0 {
		query += " AND type IN (?" + strings.Repeat(",?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LearnedPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// All returns every stored pattern regardless of activation state.
func (s *Store) All() ([]LearnedPattern, error) {
	rows, err := s.db.Query(`SELECT ` + patternColumns + ` FROM patterns ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LearnedPattern, 0)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the number of stored patterns.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM patterns`).Scan(&n)
	return n, err
}

// SetActive toggles a pattern's activation.
func (s *Store) SetActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE patterns SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set pattern active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pattern not found: %s", id)
	}
	return nil
}

// RecordMatch increments the match counter.
func (s *Store) RecordMatch(id string) error {
	_, err := s.db.Exec(`UPDATE patterns
		SET times_matched = times_matched + 1, updated_at = ?
		WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	return nil
}

// RecordApplication increments the application counter and folds the outcome
// into the running success-rate mean.
func (s *Store) RecordApplication(id string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	res, err := s.db.Exec(`UPDATE patterns
		SET success_rate = (COALESCE(success_rate, 0) * times_applied + ?) / (times_applied + 1),
		    times_applied = times_applied + 1,
		    updated_at = ?
		WHERE id = ?`, outcome, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("record application: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pattern not found: %s", id)
	}
	return nil
}

// Delete removes a pattern.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM patterns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pattern: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("pattern not found: %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(r rowScanner) (LearnedPattern, error) {
	var (
		p           LearnedPattern
		triggers    string
		actions     string
		exceptions  string
		successRate sql.NullFloat64
		active      int
		createdAt   string
		updatedAt   string
	)
	err := r.Scan(
		&p.ID, (*string)(&p.Type), &p.Name, &p.Description,
		&triggers, &actions, &exceptions,
		&p.Confidence, &p.TimesMatched, &p.TimesApplied, &successRate,
		&active, &p.SourceIncidentID, &createdAt, &updatedAt,
	)
	if err != nil {
		return LearnedPattern{}, err
	}

	// Decode failures yield empty lists, never errors.
	p.TriggerConditions = unmarshalList(triggers)
	p.RecommendedActions = unmarshalList(actions)
	p.Exceptions = unmarshalList(exceptions)
	if successRate.Valid {
		p.SuccessRate = &successRate.Float64
	}
	p.IsActive = active == 1
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
