package db

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/l7plane/internal/types"
	embeddedmigrations "github.com/solatis/l7plane/migrations"
)

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSplitStatements(t *testing.T) {
	sql := `-- header comment
CREATE TABLE a (id INTEGER);

-- leading comment on a statement
CREATE INDEX idx_a ON a (id);
-- trailing comment only
`
	got := splitStatements(sql)
	want := []string{
		"CREATE TABLE a (id INTEGER)",
		"CREATE INDEX idx_a ON a (id)",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitStatements() = %q, want %q", got, want)
	}
}

func TestDialectMigrations_SameIDs(t *testing.T) {
	lite, err := dialectMigrations(SQLite)
	if err != nil {
		t.Fatalf("dialectMigrations(sqlite) error = %v", err)
	}
	pg, err := dialectMigrations(Postgres)
	if err != nil {
		t.Fatalf("dialectMigrations(postgres) error = %v", err)
	}
	if len(lite) != len(pg) {
		t.Fatalf("len = %d (sqlite), %d (postgres), want equal", len(lite), len(pg))
	}
	for i := range lite {
		if lite[i].ID != pg[i].ID {
			t.Errorf("migration %d = %s (sqlite), %s (postgres)", i, lite[i].ID, pg[i].ID)
		}
	}
	if last := lite[len(lite)-1].ID; last != embeddedmigrations.Latest {
		t.Errorf("last migration = %s, want Latest %s", last, embeddedmigrations.Latest)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	conn := openTestDB(t)

	if err := MigrateUp(conn); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if err := MigrateUp(conn); err != nil {
		t.Fatalf("MigrateUp() second run error = %v", err)
	}

	statuses, err := MigrateStatus(conn)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v", err)
	}
	if len(statuses) == 0 {
		t.Fatal("MigrateStatus() returned no migrations")
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %s Applied = false, want true", s.ID)
		}
		if s.AppliedAt == nil {
			t.Errorf("migration %s AppliedAt = nil", s.ID)
		}
	}
}

func TestMigrateStatus_Pending(t *testing.T) {
	conn := openTestDB(t)

	statuses, err := MigrateStatus(conn)
	if err != nil {
		t.Fatalf("MigrateStatus() error = %v", err)
	}
	for _, s := range statuses {
		if s.Applied {
			t.Errorf("migration %s Applied = true on empty database", s.ID)
		}
	}
}

func TestVerify(t *testing.T) {
	conn := openTestDB(t)

	schema, err := CurrentSchema(conn)
	if err != nil {
		t.Fatalf("CurrentSchema() error = %v", err)
	}
	if schema.Dialect != SQLite {
		t.Errorf("Dialect = %s, want %s", schema.Dialect, SQLite)
	}

	if err := Verify(conn, schema); !errors.Is(err, types.ErrSchemaMismatch) {
		t.Errorf("Verify(unmigrated) error = %v, want ErrSchemaMismatch", err)
	}

	if err := MigrateUp(conn); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	if err := Verify(conn, schema); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := Verify(conn, Schema{Version: "999_future.sql", Dialect: SQLite}); !errors.Is(err, types.ErrSchemaMismatch) {
		t.Errorf("Verify(future version) error = %v, want ErrSchemaMismatch", err)
	}
	if err := Verify(conn, Schema{Version: schema.Version, Dialect: Postgres}); !errors.Is(err, types.ErrSchemaMismatch) {
		t.Errorf("Verify(wrong dialect) error = %v, want ErrSchemaMismatch", err)
	}

	if _, err := conn.Exec("UPDATE migrations SET checksum = 'tampered' WHERE migration_id = ?", schema.Version); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := Verify(conn, schema); !errors.Is(err, types.ErrSchemaMismatch) {
		t.Errorf("Verify(tampered) error = %v, want ErrSchemaMismatch", err)
	}
}

func TestOpen_UnsupportedScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/db"); err == nil {
		t.Error("Open(mysql) error = nil, want error")
	}
}
