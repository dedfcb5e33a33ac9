package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jkaninda/crucible/internal/storage"
	"github.com/jkaninda/crucible/internal/storage/sqlite"
	"github.com/jkaninda/crucible/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "crucible.db")}, nil)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t)
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open(sqlite.Config{}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
