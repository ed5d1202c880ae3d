package storage

import (
	"testing"

	"chatstream/internal/config"
)

func openMemory(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	db, err := Open("sqlite3", openMemory(t))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// running twice must be a no-op
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	for _, table := range []string{"users", "user_tokens", "conversations", "messages", "message_images", "message_files"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db, err := Open("sqlite3", openMemory(t))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	var on int
	if err := db.QueryRow(`PRAGMA foreign_keys`).Scan(&on); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if on != 1 {
		t.Fatalf("foreign keys disabled")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {}}}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func TestSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		":memory:":             ":memory:?_foreign_keys=on",
		"file:chat.db?cache=1": "file:chat.db?cache=1&_foreign_keys=on",
		"chat.db?_fk=1":        "chat.db?_fk=1",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
