package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openBareDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db
}

func TestReadMigrations(t *testing.T) {
	migrations, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i, m := range migrations {
		if m.version != i+1 {
			t.Errorf("migration %d: version %d, want %d", i, m.version, i+1)
		}
		if m.src == "" {
			t.Errorf("migration %s is empty", m.name)
		}
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db := openBareDB(t)
	if err := runMigrations(db); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	// Every table the store queries must exist afterwards.
	for _, table := range []string{
		"projects", "users", "error_groups", "occurrences", "alert_rules",
		"notification_state", "digest_entries", "team_members", "deployments",
		"report_schedules", "report_runs",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	var latest int
	if err := db.QueryRow("SELECT max(version) FROM schema_migrations").Scan(&latest); err != nil {
		t.Fatalf("query latest version: %v", err)
	}
	migrations, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if want := migrations[len(migrations)-1].version; latest != want {
		t.Errorf("latest applied version %d, want %d", latest, want)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openBareDB(t)
	for i := range 2 {
		if err := runMigrations(db); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT count(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	migrations, err := readMigrations()
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("got %d migration records, want %d", count, len(migrations))
	}
}
