package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempDB(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTable(name string) func(tx *sql.Tx) error {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec("CREATE TABLE " + name + " (id INTEGER PRIMARY KEY)")
		return err
	}
}

func TestNew_creates_database(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNew_invalid_path(t *testing.T) {
	if _, err := New("/nonexistent/path/to/db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestTx_rollback(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)"); err != nil {
		t.Fatal(err)
	}
	sentinel := errors.New("abort")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO t (id) VALUES (1)"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Tx error = %v, want sentinel", err)
	}
	var n int
	s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&n)
	if n != 0 {
		t.Errorf("row count = %d after rollback", n)
	}
}

func TestMigrate_skips_applied(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	calls := 0
	migrations := []Migration{
		{Version: 1, Description: "jobs", Up: func(tx *sql.Tx) error {
			calls++
			return createTable("jobs")(tx)
		}},
	}
	for i := 0; i < 2; i++ {
		if err := s.Migrate(ctx, "installer", migrations); err != nil {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Errorf("migration ran %d times, want 1", calls)
	}
}

func TestMigrate_components_isolated(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	if err := s.Migrate(ctx, "a", []Migration{{Version: 1, Description: "a1", Up: createTable("a1")}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx, "b", []Migration{{Version: 1, Description: "b1", Up: createTable("b1")}}); err != nil {
		t.Fatalf("component b blocked by a's version: %v", err)
	}
}

func TestMigrate_failure_rolls_back(t *testing.T) {
	s := tempDB(t)
	ctx := context.Background()
	err := s.Migrate(ctx, "x", []Migration{
		{Version: 1, Description: "ok", Up: createTable("ok")},
		{Version: 2, Description: "bad", Up: func(tx *sql.Tx) error {
			if err := createTable("half")(tx); err != nil {
				return err
			}
			return errors.New("fail")
		}},
	})
	if err == nil {
		t.Fatal("expected migration error")
	}
	var name string
	err = s.DB().QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE name = 'half'").Scan(&name)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("table from failed migration survived: %v", err)
	}
	var n int
	s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM _migrations WHERE component = 'x'").Scan(&n)
	if n != 1 {
		t.Errorf("applied migrations = %d, want 1", n)
	}
}

func TestWAL_mode_enabled(t *testing.T) {
	s := tempDB(t)
	var mode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		current string
		wantErr error
	}{
		{"first run", "", "1.0.0", nil},
		{"same", "1.0.0", "1.0.0", nil},
		{"newer binary", "1.0.0", "1.2.0", nil},
		{"older binary", "2.0.0", "1.9.9", ErrNewerSchema},
		{"dev stored", "dev", "0.1.0", nil},
		{"dev binary", "9.0.0", "dev", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tempDB(t)
			ctx := context.Background()
			if tt.stored != "" {
				if err := s.CheckVersion(ctx, tt.stored); err != nil {
					t.Fatalf("seed CheckVersion: %v", err)
				}
			}
			err := s.CheckVersion(ctx, tt.current)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CheckVersion: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVersion error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			var got string
			s.DB().QueryRow("SELECT app_version FROM _schema_meta WHERE id = 1").Scan(&got)
			if got != tt.current {
				t.Errorf("stored version = %q, want %q", got, tt.current)
			}
		})
	}
}
