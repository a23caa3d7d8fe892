package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "statement with semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name: "multiple with comments",
			sql: `-- Comment
CREATE TABLE a (id INT);
-- Another comment
CREATE TABLE b (id INT)`,
			expected: []string{"-- Comment\nCREATE TABLE a (id INT)", "-- Another comment\nCREATE TABLE b (id INT)"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Errorf("splitStatements() returned %d statements, want %d", len(result), len(tt.expected))
				t.Errorf("Got: %v", result)
				t.Errorf("Want: %v", tt.expected)
				return
			}

			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestMigration_LoadMigrations(t *testing.T) {
	// Test that migrations can be loaded from embedded files
	m := &Migrator{}
	migrations, err := m.loadMigrations()

	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	if len(migrations) == 0 {
		t.Error("loadMigrations() returned no migrations")
	}

	// Verify migrations are sorted by version
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not sorted: version %d comes after %d",
				migrations[i].Version, migrations[i-1].Version)
		}
	}

	// Verify first migration is version 1
	if migrations[0].Version != 1 {
		t.Errorf("first migration version = %d, want 1", migrations[0].Version)
	}
}

func TestMigration_LoadsCaseAndEntityTables(t *testing.T) {
	m := &Migrator{}
	migrations, err := m.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}

	names := make([]string, 0, len(migrations))
	for _, mig := range migrations {
		names = append(names, mig.Name)
	}
	want := []string{"create_cases", "create_entities"}
	if len(names) != len(want) {
		t.Fatalf("migration names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("migration[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestStripComments(t *testing.T) {
	stmt := "-- Case records\nCREATE TABLE a (id INT)\n  -- trailing"
	if got := stripComments(stmt); got != "CREATE TABLE a (id INT)" {
		t.Errorf("stripComments() = %q", got)
	}
	if got := stripComments("-- only a comment"); got != "" {
		t.Errorf("stripComments() = %q, want empty", got)
	}
}

// fakeRows yields a fixed list of versions. Methods the migrator does not
// call fall through to the nil embedded interface.
type fakeRows struct {
	driver.Rows
	versions []uint32
	pos      int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos <= len(r.versions)
}

func (r *fakeRows) Scan(dest ...any) error {
	*(dest[0].(*uint32)) = r.versions[r.pos-1]
	return nil
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

type fakeConn struct {
	applied []uint32
	execs   []string
	failOn  string
}

func (c *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	if c.failOn != "" && strings.Contains(query, c.failOn) {
		return errors.New("boom")
	}
	c.execs = append(c.execs, strings.TrimSpace(query))
	if strings.HasPrefix(query, "INSERT INTO schema_migrations") {
		c.applied = append(c.applied, args[0].(uint32))
	}
	return nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (driver.Rows, error) {
	return &fakeRows{versions: append([]uint32(nil), c.applied...)}, nil
}

func testMigrator(conn *fakeConn) *Migrator {
	m := NewMigrator(conn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.files = fstest.MapFS{
		"migrations/001_create_a.sql": {Data: []byte("-- a\nCREATE TABLE a (id INT);\nCREATE TABLE a2 (id INT);")},
		"migrations/002_create_b.sql": {Data: []byte("CREATE TABLE b (id INT)")},
		"migrations/README.md":        {Data: []byte("ignored")},
		"migrations/draft.sql":        {Data: []byte("ignored")},
	}
	return m
}

func TestMigrator_Run(t *testing.T) {
	conn := &fakeConn{}
	m := testMigrator(conn)

	n, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n != 2 {
		t.Errorf("applied = %d, want 2", n)
	}

	var creates []string
	for _, q := range conn.execs {
		if strings.HasPrefix(q, "CREATE TABLE a") || strings.HasPrefix(q, "CREATE TABLE b") {
			creates = append(creates, q)
		}
	}
	want := []string{"CREATE TABLE a (id INT)", "CREATE TABLE a2 (id INT)", "CREATE TABLE b (id INT)"}
	if strings.Join(creates, "|") != strings.Join(want, "|") {
		t.Errorf("statements = %v, want %v", creates, want)
	}

	// A second run finds both versions recorded.
	n, err = m.Run(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Run() = %d, %v; want 0, nil", n, err)
	}
}

func TestMigrator_RunSkipsApplied(t *testing.T) {
	conn := &fakeConn{applied: []uint32{1}}
	n, err := testMigrator(conn).Run(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Run() = %d, %v; want 1, nil", n, err)
	}
	for _, q := range conn.execs {
		if strings.HasPrefix(q, "CREATE TABLE a") {
			t.Errorf("applied migration ran again: %q", q)
		}
	}
}

func TestMigrator_RunStopsOnError(t *testing.T) {
	conn := &fakeConn{failOn: "CREATE TABLE b"}
	n, err := testMigrator(conn).Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 1 {
		t.Errorf("applied = %d, want 1", n)
	}
	if !strings.Contains(err.Error(), "002_create_b") {
		t.Errorf("error = %v", err)
	}
}

func TestSplitStatements_EscapedQuote(t *testing.T) {
	got := splitStatements("INSERT INTO t VALUES ('it''s; fine'); SELECT 1")
	want := []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("splitStatements() = %q, want %q", got, want)
	}
}
