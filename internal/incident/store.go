package incident

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chronos-ops/chronos/internal/ooda"
)

// Store persists incidents, their attached records, and the timeline in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) an incident store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id                        TEXT PRIMARY KEY,
			title                     TEXT NOT NULL DEFAULT '',
			severity                  TEXT NOT NULL,
			status                    TEXT NOT NULL DEFAULT 'active',
			state                     TEXT NOT NULL DEFAULT 'IDLE',
			namespace                 TEXT NOT NULL DEFAULT '',
			service                   TEXT NOT NULL DEFAULT '',
			started_at                TEXT NOT NULL,
			resolved_at               TEXT,
			is_investigating          INTEGER NOT NULL DEFAULT 0,
			investigation_instance_id TEXT NOT NULL DEFAULT '',
			investigation_heartbeat   TEXT,
			phase_retries             TEXT NOT NULL DEFAULT '{}',
			failure_reason            TEXT NOT NULL DEFAULT '',
			created_at                TEXT NOT NULL,
			updated_at                TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id           TEXT PRIMARY KEY,
			incident_id  TEXT NOT NULL,
			source       TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			collected_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hypotheses (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			root_cause  TEXT NOT NULL,
			confidence  REAL NOT NULL,
			status      TEXT NOT NULL DEFAULT 'proposed',
			action      TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			type        TEXT NOT NULL,
			target      TEXT NOT NULL DEFAULT '',
			parameters  TEXT NOT NULL DEFAULT '{}',
			success     INTEGER NOT NULL DEFAULT 0,
			mode        TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			executed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS verifications (
			id               TEXT PRIMARY KEY,
			incident_id      TEXT NOT NULL,
			action_id        TEXT NOT NULL DEFAULT '',
			success          INTEGER NOT NULL DEFAULT 0,
			confidence       REAL NOT NULL DEFAULT 0,
			checks_performed INTEGER NOT NULL DEFAULT 0,
			checks_passed    INTEGER NOT NULL DEFAULT 0,
			checks_failed    INTEGER NOT NULL DEFAULT 0,
			should_retry     INTEGER NOT NULL DEFAULT 0,
			health_check     TEXT,
			verified_at      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id          TEXT PRIMARY KEY,
			incident_id TEXT NOT NULL,
			timestamp   TEXT NOT NULL,
			type        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create incident schema: %w", err)
		}
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_incidents_investigating ON incidents(is_investigating)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_evidence_incident ON evidence(incident_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_hypotheses_incident ON hypotheses(incident_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_actions_incident ON actions(incident_id, executed_at DESC)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_verifications_incident ON verifications(incident_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_timeline_incident ON timeline_events(incident_id, timestamp)`)

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create persists a new incident and returns it with generated fields filled in.
func (s *Store) Create(inc Incident) (Incident, error) {
	now := time.Now().UTC()
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Status == "" {
		inc.Status = StatusActive
	}
	if inc.State == "" {
		inc.State = ooda.StateIdle
	}
	if inc.StartedAt.IsZero() {
		inc.StartedAt = now
	}
	inc.CreatedAt = now
	inc.UpdatedAt = now

	retriesJSON := marshalRetries(inc.PhaseRetries)

	_, err := s.db.Exec(`INSERT INTO incidents
		(id, title, severity, status, state, namespace, service, started_at, resolved_at,
		 is_investigating, investigation_instance_id, investigation_heartbeat,
		 phase_retries, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID,
		inc.Title,
		string(inc.Severity),
		string(inc.Status),
		string(inc.State),
		inc.Namespace,
		inc.Service,
		inc.StartedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(inc.ResolvedAt),
		boolInt(inc.IsInvestigating),
		inc.InvestigationInstanceID,
		nullableTime(inc.InvestigationHeartbeat),
		retriesJSON,
		inc.FailureReason,
		inc.CreatedAt.Format(time.RFC3339Nano),
		inc.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Incident{}, fmt.Errorf("insert incident: %w", err)
	}
	return inc, nil
}

const incidentColumns = `id, title, severity, status, state, namespace, service, started_at, resolved_at,
	is_investigating, investigation_instance_id, investigation_heartbeat,
	phase_retries, failure_reason, created_at, updated_at`

// Get retrieves an incident by ID.
func (s *Store) Get(id string) (Incident, bool, error) {
	row := s.db.QueryRow(`SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return Incident{}, false, nil
	}
	if err != nil {
		return Incident{}, false, err
	}
	return inc, true, nil
}

// List returns incidents matching the filter, ordered by started_at descending.
func (s *Store) List(f Filter) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.Namespace != "" {
		query += " AND namespace = ?"
		args = append(args, f.Namespace)
	}
	if !f.From.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			continue
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Update applies a partial update to an incident.
func (s *Store) Update(id string, upd Update) (Incident, error) {
	now := time.Now().UTC()
	setClauses := []string{"updated_at = ?"}
	args := []any{now.Format(time.RFC3339Nano)}

	if upd.Status != nil {
		setClauses = append(setClauses, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.State != nil {
		setClauses = append(setClauses, "state = ?")
		args = append(args, string(*upd.State))
	}
	if upd.ResolvedAt != nil {
		setClauses = append(setClauses, "resolved_at = ?")
		args = append(args, upd.ResolvedAt.UTC().Format(time.RFC3339Nano))
	}
	if upd.FailureReason != nil {
		setClauses = append(setClauses, "failure_reason = ?")
		args = append(args, *upd.FailureReason)
	}
	if upd.PhaseRetries != nil {
		setClauses = append(setClauses, "phase_retries = ?")
		args = append(args, marshalRetries(upd.PhaseRetries))
	}

	args = append(args, id)
	result, err := s.db.Exec(
		fmt.Sprintf("UPDATE incidents SET %s WHERE id = ?", strings.Join(setClauses, ", ")),
		args...,
	)
	if err != nil {
		return Incident{}, fmt.Errorf("update incident: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return Incident{}, fmt.Errorf("incident not found: %s", id)
	}

	inc, found, err := s.Get(id)
	if err != nil {
		return Incident{}, err
	}
	if !found {
		return Incident{}, fmt.Errorf("incident not found after update: %s", id)
	}
	return inc, nil
}

// ClaimInvestigation atomically claims an incident for one investigation
// instance. The claim succeeds when no investigation is active, when the
// same instance re-claims, or when the current heartbeat is older than
// staleAfter. Returns false when another live investigation holds the claim.
func (s *Store) ClaimInvestigation(id, instanceID string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-staleAfter).Format(time.RFC3339Nano)

	res, err := s.db.Exec(`UPDATE incidents
		SET is_investigating = 1, investigation_instance_id = ?, investigation_heartbeat = ?, updated_at = ?
		WHERE id = ?
		  AND (is_investigating = 0
		       OR investigation_instance_id = ?
		       OR investigation_heartbeat IS NULL
		       OR investigation_heartbeat < ?)`,
		instanceID,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		instanceID,
		cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("claim investigation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Heartbeat refreshes the investigation heartbeat. Ownership is validated:
// a heartbeat from a superseded instance is rejected.
func (s *Store) Heartbeat(id, instanceID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE incidents
		SET investigation_heartbeat = ?, updated_at = ?
		WHERE id = ? AND is_investigating = 1 AND investigation_instance_id = ?`,
		now, now, id, instanceID,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseInvestigation clears the investigation claim.
func (s *Store) ReleaseInvestigation(id, instanceID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE incidents
		SET is_investigating = 0, investigation_instance_id = '', investigation_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND investigation_instance_id = ?`,
		now, id, instanceID,
	)
	if err != nil {
		return fmt.Errorf("release investigation: %w", err)
	}
	return nil
}

// Interrupted returns incidents whose investigation heartbeat is older than
// staleAfter. Callers decide between clearing (terminal state) and resuming.
func (s *Store) Interrupted(staleAfter time.Duration) ([]Incident, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339Nano)
	rows, err := s.db.Query(`SELECT `+incidentColumns+` FROM incidents
		WHERE is_investigating = 1
		  AND (investigation_heartbeat IS NULL OR investigation_heartbeat < ?)`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			continue
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// --- Attached records ---

// AddEvidence appends an immutable evidence record.
func (s *Store) AddEvidence(ev Evidence) (Evidence, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CollectedAt.IsZero() {
		ev.CollectedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO evidence (id, incident_id, source, kind, content, collected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.IncidentID, ev.Source, ev.Kind, ev.Content,
		ev.CollectedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Evidence{}, fmt.Errorf("insert evidence: %w", err)
	}
	return ev, nil
}

// ListEvidence returns evidence for an incident, oldest first.
func (s *Store) ListEvidence(incidentID string) ([]Evidence, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, source, kind, content, collected_at
		FROM evidence WHERE incident_id = ? ORDER BY collected_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Evidence, 0)
	for rows.Next() {
		var (
			ev Evidence
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.Source, &ev.Kind, &ev.Content, &ts); err != nil {
			continue
		}
		ev.CollectedAt = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AddHypothesis appends a hypothesis record.
func (s *Store) AddHypothesis(h Hypothesis) (Hypothesis, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = HypothesisProposed
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	actionJSON, err := json.Marshal(h.Action)
	if err != nil {
		actionJSON = []byte("{}")
	}
	_, err = s.db.Exec(`INSERT INTO hypotheses (id, incident_id, root_cause, confidence, status, action, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.IncidentID, h.RootCause, h.Confidence, string(h.Status),
		string(actionJSON), h.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Hypothesis{}, fmt.Errorf("insert hypothesis: %w", err)
	}
	return h, nil
}

// SetHypothesisStatus transitions a hypothesis lifecycle state.
func (s *Store) SetHypothesisStatus(id string, status HypothesisStatus) error {
	res, err := s.db.Exec(`UPDATE hypotheses SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update hypothesis status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("hypothesis not found: %s", id)
	}
	return nil
}

// ListHypotheses returns hypotheses for an incident, newest first.
func (s *Store) ListHypotheses(incidentID string) ([]Hypothesis, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, root_cause, confidence, status, action, created_at
		FROM hypotheses WHERE incident_id = ? ORDER BY created_at DESC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Hypothesis, 0)
	for rows.Next() {
		var (
			h          Hypothesis
			actionJSON string
			ts         string
		)
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.RootCause, &h.Confidence, (*string)(&h.Status), &actionJSON, &ts); err != nil {
			continue
		}
		// Decode failure yields an absent action, never an error.
		_ = json.Unmarshal([]byte(actionJSON), &h.Action)
		h.CreatedAt = parseTime(ts)
		out = append(out, h)
	}
	return out, rows.Err()
}

// AddAction appends an executed-action record.
func (s *Store) AddAction(a ActionRecord) (ActionRecord, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	paramsJSON, err := json.Marshal(a.Parameters)
	if err != nil || a.Parameters == nil {
		paramsJSON = []byte("{}")
	}
	_, err = s.db.Exec(`INSERT INTO actions
		(id, incident_id, type, target, parameters, success, mode, duration_ms, message, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IncidentID, a.Type, a.Target, string(paramsJSON),
		boolInt(a.Success), a.Mode, a.DurationMs, a.Message, a.Error,
		a.ExecutedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return ActionRecord{}, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}

// ListActions returns action records for an incident, oldest first.
func (s *Store) ListActions(incidentID string) ([]ActionRecord, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, type, target, parameters,
		success, mode, duration_ms, message, error, executed_at
		FROM actions WHERE incident_id = ? ORDER BY executed_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ActionRecord, 0)
	for rows.Next() {
		var (
			a          ActionRecord
			paramsJSON string
			success    int
			ts         string
		)
		if err := rows.Scan(&a.ID, &a.IncidentID, &a.Type, &a.Target, &paramsJSON,
			&success, &a.Mode, &a.DurationMs, &a.Message, &a.Error, &ts); err != nil {
			continue
		}
		a.Success = success == 1
		if paramsJSON != "" {
			_ = json.Unmarshal([]byte(paramsJSON), &a.Parameters)
		}
		a.ExecutedAt = parseTime(ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActions returns the number of executed actions for an incident.
func (s *Store) CountActions(incidentID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE incident_id = ?`, incidentID).Scan(&n)
	return n, err
}

// LastActionAt returns the timestamp of the most recent action, if any.
func (s *Store) LastActionAt(incidentID string) (*time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRow(`SELECT MAX(executed_at) FROM actions WHERE incident_id = ?`, incidentID).Scan(&ts)
	if err != nil {
		return nil, err
	}
	if !ts.Valid || ts.String == "" {
		return nil, nil
	}
	t := parseTime(ts.String)
	return &t, nil
}

// AddVerification appends a verification record.
func (s *Store) AddVerification(v VerificationRecord) (VerificationRecord, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}
	var healthJSON sql.NullString
	if v.HealthCheck != nil {
		data, err := json.Marshal(v.HealthCheck)
		if err == nil {
			healthJSON = sql.NullString{String: string(data), Valid: true}
		}
	}
	_, err := s.db.Exec(`INSERT INTO verifications
		(id, incident_id, action_id, success, confidence, checks_performed, checks_passed, checks_failed, should_retry, health_check, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.IncidentID, v.ActionID, boolInt(v.Success), v.Confidence,
		v.ChecksPerformed, v.ChecksPassed, v.ChecksFailed, boolInt(v.ShouldRetry),
		healthJSON, v.VerifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return VerificationRecord{}, fmt.Errorf("insert verification: %w", err)
	}
	return v, nil
}

// ListVerifications returns verification records for an incident, oldest first.
func (s *Store) ListVerifications(incidentID string) ([]VerificationRecord, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, action_id, success, confidence,
		checks_performed, checks_passed, checks_failed, should_retry, health_check, verified_at
		FROM verifications WHERE incident_id = ? ORDER BY verified_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]VerificationRecord, 0)
	for rows.Next() {
		var (
			v          VerificationRecord
			success    int
			retry      int
			healthJSON sql.NullString
			ts         string
		)
		if err := rows.Scan(&v.ID, &v.IncidentID, &v.ActionID, &success, &v.Confidence,
			&v.ChecksPerformed, &v.ChecksPassed, &v.ChecksFailed, &retry, &healthJSON, &ts); err != nil {
			continue
		}
		v.Success = success == 1
		v.ShouldRetry = retry == 1
		if healthJSON.Valid && healthJSON.String != "" {
			var hc HealthCheck
			if json.Unmarshal([]byte(healthJSON.String), &hc) == nil {
				v.HealthCheck = &hc
			}
		}
		v.VerifiedAt = parseTime(ts)
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- Timeline ---

// AppendTimeline appends an entry to the incident timeline.
func (s *Store) AppendTimeline(entry TimelineEvent) (TimelineEvent, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO timeline_events (id, incident_id, timestamp, type, description, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.IncidentID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Type), entry.Description, entry.Detail,
	)
	if err != nil {
		return TimelineEvent{}, fmt.Errorf("insert timeline event: %w", err)
	}
	return entry, nil
}

// Timeline returns all timeline entries for an incident, ordered by timestamp ascending.
func (s *Store) Timeline(incidentID string) ([]TimelineEvent, error) {
	rows, err := s.db.Query(`SELECT id, incident_id, timestamp, type, description, detail
		FROM timeline_events WHERE incident_id = ?
		ORDER BY timestamp ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0)
	for rows.Next() {
		var (
			e  TimelineEvent
			ts string
		)
		if err := rows.Scan(&e.ID, &e.IncidentID, &ts, (*string)(&e.Type), &e.Description, &e.Detail); err != nil {
			continue
		}
		e.Timestamp = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneTimeline deletes timeline entries older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneTimeline(before time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM timeline_events WHERE timestamp < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(r rowScanner) (Incident, error) {
	var (
		inc          Incident
		startedAt    string
		resolvedAt   sql.NullString
		investigating int
		heartbeat    sql.NullString
		retriesJSON  string
		createdAt    string
		updatedAt    string
	)
	err := r.Scan(
		&inc.ID, &inc.Title, (*string)(&inc.Severity), (*string)(&inc.Status),
		(*string)(&inc.State), &inc.Namespace, &inc.Service,
		&startedAt, &resolvedAt,
		&investigating, &inc.InvestigationInstanceID, &heartbeat,
		&retriesJSON, &inc.FailureReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return Incident{}, err
	}

	inc.StartedAt = parseTime(startedAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		inc.ResolvedAt = &t
	}
	inc.IsInvestigating = investigating == 1
	if heartbeat.Valid && heartbeat.String != "" {
		t := parseTime(heartbeat.String)
		inc.InvestigationHeartbeat = &t
	}
	inc.PhaseRetries = unmarshalRetries(retriesJSON)
	inc.CreatedAt = parseTime(createdAt)
	inc.UpdatedAt = parseTime(updatedAt)

	return inc, nil
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalRetries(retries map[ooda.State]int) string {
	if len(retries) == 0 {
		return "{}"
	}
	data, err := json.Marshal(retries)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unmarshalRetries decodes the persisted retry map; any decode failure
// yields an empty map rather than an error.
func unmarshalRetries(raw string) map[ooda.State]int {
	out := map[ooda.State]int{}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
