package migrate_test

import (
	"testing"

	"roofline/internal/db"
	"roofline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		t.Fatalf("read schema_version: %v", err)
	}
	if version != 2 {
		t.Fatalf("schema version = %d, want 2", version)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&again); err != nil {
		t.Fatalf("re-read schema_version: %v", err)
	}
	if again != version {
		t.Fatalf("schema version changed on re-run: %d -> %d", version, again)
	}
}
