package observe

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chronos-ops/chronos/internal/incident"
)

type stubSource struct {
	name     string
	evidence []incident.Evidence
	err      error
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Collect(_ context.Context, _ incident.Incident) ([]incident.Evidence, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.evidence, nil
}

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector([]Source{
		&stubSource{name: "logs", evidence: []incident.Evidence{{Source: "logs", Content: "OOMKilled"}}},
		&stubSource{name: "metrics", evidence: []incident.Evidence{{Source: "metrics", Content: "mem=0.97"}}},
	}, time.Second, nil)

	out, err := c.Collect(context.Background(), incident.Incident{ID: "inc-1"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("evidence count = %d, want 2", len(out))
	}
}

func TestCollectorToleratesPartialFailure(t *testing.T) {
	c := NewCollector([]Source{
		&stubSource{name: "logs", err: errors.New("loki unreachable")},
		&stubSource{name: "metrics", evidence: []incident.Evidence{{Source: "metrics", Content: "mem=0.97"}}},
	}, time.Second, nil)

	out, err := c.Collect(context.Background(), incident.Incident{ID: "inc-1"})
	if err != nil {
		t.Fatalf("collect should tolerate one failing source: %v", err)
	}
	if len(out) != 1 || out[0].Content != "mem=0.97" {
		t.Fatalf("evidence = %+v", out)
	}
}

func TestCollectorFailsWhenAllSourcesFail(t *testing.T) {
	c := NewCollector([]Source{
		&stubSource{name: "logs", err: errors.New("loki unreachable")},
		&stubSource{name: "metrics", err: errors.New("prometheus unreachable")},
	}, time.Second, nil)

	if _, err := c.Collect(context.Background(), incident.Incident{ID: "inc-1"}); err == nil {
		t.Fatal("expected error when every source fails")
	}
}

type stubLogs struct {
	lines []string
}

func (s *stubLogs) FetchLogs(_ context.Context, _, _ string, _ time.Duration) ([]string, error) {
	return s.lines, nil
}

type stubMetrics struct {
	readings map[string]float64
}

func (s *stubMetrics) FetchMetrics(_ context.Context, _, _ string) (map[string]float64, error) {
	return s.readings, nil
}

func TestLogAdapter(t *testing.T) {
	src := FromLogs("loki", &stubLogs{lines: []string{"panic: nil deref", "restarting"}}, 0)
	out, err := src.Collect(context.Background(), incident.Incident{Namespace: "demo", Service: "api"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("evidence count = %d, want 2", len(out))
	}
	if out[0].Source != "logs" || out[0].Kind != "loki" || out[0].Content != "panic: nil deref" {
		t.Fatalf("evidence = %+v", out[0])
	}
}

func TestMetricAdapter(t *testing.T) {
	src := FromMetrics("prometheus", &stubMetrics{readings: map[string]float64{"mem_usage": 0.97}})
	out, err := src.Collect(context.Background(), incident.Incident{Service: "api"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Content != "mem_usage=0.97" {
		t.Fatalf("evidence = %+v", out)
	}
}

func TestReadOnlyQuery(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT * FROM pg_stat_activity", true},
		{"  select count(*) from orders;", true},
		{"SHOW PROCESSLIST", true},
		{"EXPLAIN SELECT 1", true},
		{"DESCRIBE orders", true},
		{"INSERT INTO orders VALUES (1)", false},
		{"DELETE FROM orders", false},
		{"DROP TABLE orders", false},
		{"SELECT 1; DROP TABLE orders", false},
		{"UPDATE orders SET total = 0", false},
	}
	for _, tc := range cases {
		if got := readOnlyQuery(tc.query); got != tc.want {
			t.Errorf("readOnlyQuery(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestNewSQLSourceValidation(t *testing.T) {
	base := SQLSourceConfig{
		Name:     "orders-db",
		Driver:   "postgres",
		Host:     "db.internal",
		Port:     5432,
		User:     "chronos",
		Password: "secret",
		Database: "orders",
		Queries:  []DiagnosticQuery{{Name: "activity", SQL: "SELECT * FROM pg_stat_activity"}},
	}

	if _, err := NewSQLSource(base, nil); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := base
	bad.Queries = []DiagnosticQuery{{Name: "purge", SQL: "DELETE FROM orders"}}
	if _, err := NewSQLSource(bad, nil); err == nil {
		t.Fatal("mutating query should be rejected")
	}

	bad = base
	bad.Driver = "oracle"
	if _, err := NewSQLSource(bad, nil); err == nil {
		t.Fatal("unsupported driver should be rejected")
	}

	bad = base
	bad.Queries = nil
	if _, err := NewSQLSource(bad, nil); err == nil {
		t.Fatal("empty query list should be rejected")
	}
}

func TestBuildDSN(t *testing.T) {
	cfg := SQLSourceConfig{
		Name: "orders-db", Host: "db.internal", Port: 5432,
		User: "chronos", Password: "s3cret", Database: "orders",
		Params: map[string]string{"sslmode": "disable"},
	}

	cfg.Driver = "postgres"
	driver, dsn, err := buildDSN(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if driver != "pgx" {
		t.Fatalf("driver = %s, want pgx", driver)
	}
	for _, want := range []string{"postgres://", "chronos:s3cret@db.internal:5432", "/orders", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("postgres dsn %q missing %q", dsn, want)
		}
	}

	cfg.Driver = "mysql"
	cfg.Port = 3306
	driver, dsn, err = buildDSN(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if driver != "mysql" {
		t.Fatalf("driver = %s, want mysql", driver)
	}
	for _, want := range []string{"chronos:s3cret@tcp(db.internal:3306)/orders", "sslmode=disable"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("mysql dsn %q missing %q", dsn, want)
		}
	}
}

func TestFormatRows(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "diag.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE queries (pid INTEGER, query TEXT)`); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := db.Exec(`INSERT INTO queries (pid, query) VALUES (?, ?)`, i, "SELECT 1"); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := db.Query(`SELECT pid, query FROM queries ORDER BY pid`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	out, err := formatRows(rows, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "pid\tquery\n") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "truncated at 2 rows") {
		t.Fatalf("missing truncation marker: %q", out)
	}
	if !strings.Contains(out, "(2 rows)") {
		t.Fatalf("missing row count: %q", out)
	}
}
