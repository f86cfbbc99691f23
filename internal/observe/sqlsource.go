package observe

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	// Database drivers — register with database/sql
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chronos-ops/chronos/internal/incident"
)

// DiagnosticQuery is one read-only query run against a monitored service's
// database during evidence collection.
type DiagnosticQuery struct {
	Name string `json:"name"`
	SQL  string `json:"sql"`
}

// SQLSourceConfig describes a database to collect diagnostics from.
type SQLSourceConfig struct {
	// Name labels the source in evidence records.
	Name string `json:"name"`
	// Driver is "postgres" or "mysql".
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	// Params are extra DSN parameters (sslmode, tls, ...).
	Params map[string]string `json:"params,omitempty"`

	Queries []DiagnosticQuery `json:"queries"`

	// MaxRows caps rows per query result (default 100).
	MaxRows int `json:"max_rows,omitempty"`
	// QueryTimeout bounds each query (default 10s).
	QueryTimeout time.Duration `json:"query_timeout,omitempty"`
}

// SQLSource runs diagnostic queries against a service database and turns the
// results into evidence. Queries run inside read-only transactions; mutating
// statements are rejected at construction.
type SQLSource struct {
	cfg    SQLSourceConfig
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLSource validates the configuration, builds the DSN and opens the
// connection pool. The pool connects lazily; an unreachable database surfaces
// as a collection error, not a construction error.
func NewSQLSource(cfg SQLSourceConfig, logger *zap.Logger) (*SQLSource, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("sql source: name is required")
	}
	if len(cfg.Queries) == 0 {
		return nil, fmt.Errorf("sql source %s: at least one query is required", cfg.Name)
	}
	for _, q := range cfg.Queries {
		if !readOnlyQuery(q.SQL) {
			return nil, fmt.Errorf("sql source %s: query %q is not read-only", cfg.Name, q.Name)
		}
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 100
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql source %s: open: %w", cfg.Name, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLSource{cfg: cfg, db: db, logger: logger.Named("sqlsource")}, nil
}

// newSQLSourceWithDB is the test seam: same query path over an injected pool.
func newSQLSourceWithDB(cfg SQLSourceConfig, db *sql.DB, logger *zap.Logger) *SQLSource {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 100
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLSource{cfg: cfg, db: db, logger: logger}
}

func (s *SQLSource) Name() string { return s.cfg.Name }

// Close releases the connection pool.
func (s *SQLSource) Close() error { return s.db.Close() }

// Collect runs every configured query. A failing query is logged and skipped;
// collection fails only when every query fails.
func (s *SQLSource) Collect(ctx context.Context, inc incident.Incident) ([]incident.Evidence, error) {
	var out []incident.Evidence
	var lastErr error
	failed := 0

	for _, q := range s.cfg.Queries {
		content, err := s.runQuery(ctx, q)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Warn("diagnostic query failed",
				zap.String("query", q.Name),
				zap.String("incident_id", inc.ID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, incident.Evidence{
			Source:  "sql",
			Kind:    s.cfg.Name + "/" + q.Name,
			Content: content,
		})
	}

	if failed == len(s.cfg.Queries) {
		return nil, fmt.Errorf("sql source %s: all queries failed: %w", s.cfg.Name, lastErr)
	}
	return out, nil
}

func (s *SQLSource) runQuery(ctx context.Context, q DiagnosticQuery) (string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(queryCtx, q.SQL)
	if err != nil {
		return "", fmt.Errorf("execute %s: %w", q.Name, err)
	}
	defer rows.Close()

	return formatRows(rows, s.cfg.MaxRows)
}

// buildDSN maps the configured driver to its database/sql registration and
// assembles the connection string.
func buildDSN(cfg SQLSourceConfig) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case "postgres", "postgresql":
		// pgx/v5/stdlib registers as "pgx"
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:   "/" + cfg.Database,
		}
		params := url.Values{}
		for k, v := range cfg.Params {
			params.Set(k, v)
		}
		u.RawQuery = params.Encode()
		return "pgx", u.String(), nil
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		mc.DBName = cfg.Database
		if len(cfg.Params) > 0 {
			mc.Params = make(map[string]string, len(cfg.Params))
			for k, v := range cfg.Params {
				mc.Params[k] = v
			}
		}
		return "mysql", mc.FormatDSN(), nil
	default:
		return "", "", fmt.Errorf("sql source %s: unsupported driver %q", cfg.Name, cfg.Driver)
	}
}

// readOnlyQuery accepts only SELECT, SHOW, DESCRIBE and EXPLAIN statements,
// and rejects multi-statement strings.
func readOnlyQuery(query string) bool {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(query), ";"))
	if strings.Contains(trimmed, ";") {
		return false
	}
	normalized := strings.ToUpper(trimmed)
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC ", "EXPLAIN"} {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// formatRows renders a result set as a tab-separated table.
func formatRows(rows *sql.Rows, maxRows int) (string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(columns, "\t"))
	sb.WriteString("\n")

	values := make([]interface{}, len(columns))
	valuePtrs := make([]interface{}, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= maxRows {
			sb.WriteString(fmt.Sprintf("... truncated at %d rows\n", maxRows))
			break
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return sb.String(), fmt.Errorf("scan row %d: %w", count, err)
		}
		for i, v := range values {
			if i > 0 {
				sb.WriteString("\t")
			}
			switch val := v.(type) {
			case nil:
				sb.WriteString("NULL")
			case []byte:
				sb.Write(val)
			default:
				fmt.Fprintf(&sb, "%v", val)
			}
		}
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return sb.String(), err
	}

	sb.WriteString(fmt.Sprintf("(%d rows)\n", count))
	return sb.String(), nil
}
