package editlock

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists edit locks in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a lock store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open lock db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS edit_locks (
		id              TEXT PRIMARY KEY,
		cycle_id        TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		type            TEXT NOT NULL,
		scope           TEXT NOT NULL,
		files           TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL DEFAULT 'active',
		acquired_at     TEXT NOT NULL,
		expires_at      TEXT NOT NULL,
		last_heartbeat  TEXT NOT NULL,
		extension_count INTEGER NOT NULL DEFAULT 0,
		backup          TEXT NOT NULL DEFAULT '{}'
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lock schema: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_edit_locks_cycle ON edit_locks(cycle_id, status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_edit_locks_status ON edit_locks(status, expires_at)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert persists a new lock.
func (s *Store) Insert(l Lock) (Lock, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.Exec(`INSERT INTO edit_locks
		(id, cycle_id, user_id, type, scope, files, status, acquired_at, expires_at, last_heartbeat, extension_count, backup)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CycleID, l.UserID, string(l.Type), string(l.Scope),
		marshalFiles(l.Files), string(l.Status),
		l.AcquiredAt.UTC().Format(time.RFC3339Nano),
		l.ExpiresAt.UTC().Format(time.RFC3339Nano),
		l.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		l.ExtensionCount, marshalBackup(l.Backup),
	)
	if err != nil {
		return Lock{}, fmt.Errorf("insert lock: %w", err)
	}
	return l, nil
}

const lockColumns = `id, cycle_id, user_id, type, scope, files, status, acquired_at, expires_at, last_heartbeat, extension_count, backup`

// Get retrieves a lock by ID.
func (s *Store) Get(id string) (Lock, bool, error) {
	row := s.db.QueryRow(`SELECT `+lockColumns+` FROM edit_locks WHERE id = ?`, id)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, err
	}
	return l, true, nil
}

// ActiveForCycle returns the active lock for a cycle, if any.
func (s *Store) ActiveForCycle(cycleID string) (Lock, bool, error) {
	row := s.db.QueryRow(`SELECT `+lockColumns+` FROM edit_locks
		WHERE cycle_id = ? AND status = 'active'
		ORDER BY acquired_at DESC LIMIT 1`, cycleID)
	l, err := scanLock(row)
	if err == sql.ErrNoRows {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, err
	}
	return l, true, nil
}

// UpdateHeartbeat stamps the heartbeat and, when extended, the new expiry
// and extension count.
func (s *Store) UpdateHeartbeat(id string, heartbeat, expiresAt time.Time, extensionCount int) error {
	res, err := s.db.Exec(`UPDATE edit_locks
		SET last_heartbeat = ?, expires_at = ?, extension_count = ?
		WHERE id = ? AND status = 'active'`,
		heartbeat.UTC().Format(time.RFC3339Nano),
		expiresAt.UTC().Format(time.RFC3339Nano),
		extensionCount, id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetStatus transitions a lock's lifecycle state.
func (s *Store) SetStatus(id string, status Status) error {
	res, err := s.db.Exec(`UPDATE edit_locks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set lock status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveBackup attaches a workspace snapshot to the lock.
func (s *Store) SaveBackup(id string, files map[string]string) error {
	res, err := s.db.Exec(`UPDATE edit_locks SET backup = ? WHERE id = ?`,
		marshalBackup(files), id)
	if err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ExpireStale transitions every active lock past its expiry to expired and
// returns the affected lock IDs.
func (s *Store) ExpireStale(now time.Time) ([]string, error) {
	cutoff := now.UTC().Format(time.RFC3339Nano)

	rows, err := s.db.Query(`SELECT id FROM edit_locks
		WHERE status = 'active' AND expires_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := s.db.Exec(`UPDATE edit_locks SET status = 'expired'
			WHERE status = 'active' AND expires_at < ?`, cutoff); err != nil {
			return nil, fmt.Errorf("expire stale locks: %w", err)
		}
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(r rowScanner) (Lock, error) {
	var (
		l         Lock
		files     string
		backup    string
		acquired  string
		expires   string
		heartbeat string
	)
	err := r.Scan(&l.ID, &l.CycleID, &l.UserID, (*string)(&l.Type), (*string)(&l.Scope),
		&files, (*string)(&l.Status), &acquired, &expires, &heartbeat,
		&l.ExtensionCount, &backup)
	if err != nil {
		return Lock{}, err
	}
	// Decode failures yield empty collections, never errors.
	_ = json.Unmarshal([]byte(files), &l.Files)
	_ = json.Unmarshal([]byte(backup), &l.Backup)
	l.AcquiredAt = parseTime(acquired)
	l.ExpiresAt = parseTime(expires)
	l.LastHeartbeat = parseTime(heartbeat)
	return l, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func marshalFiles(files []string) string {
	if len(files) == 0 {
		return "[]"
	}
	data, err := json.Marshal(files)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func marshalBackup(backup map[string]string) string {
	if len(backup) == 0 {
		return "{}"
	}
	data, err := json.Marshal(backup)
	if err != nil {
		return "{}"
	}
	return string(data)
}
