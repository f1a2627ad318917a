package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/grenmap/grenmap-node/internal/model"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM elements").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
		{"user_version", "2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.verifyPragma(tt.name, tt.expected); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestOpen_MigrationsCreateIndexes(t *testing.T) {
	s := createTestStore(t)

	for _, index := range []string{"idx_properties_name", "idx_memberships_topology"} {
		var name string
		err := s.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, index,
		).Scan(&name)
		if err != nil {
			t.Errorf("index %s lookup failed: %v", index, err)
		}
	}
}

func TestOpen_MigratesOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Pretend the database predates the membership index.
	if _, err := s.db.Exec("DROP INDEX idx_memberships_topology"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if err := s.verifyPragma("user_version", "2"); err != nil {
		t.Error(err)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if s, err := Open(path); err == nil {
		s.Close()
		t.Fatal("Open() of a newer schema succeeded")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on empty store returned %v", err)
	}
}

func TestSavepoint_UndoesOnlyFailedWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.CreateElement(ctx, &model.Element{Kind: model.KindNode, ID: "kept"}); err != nil {
			return err
		}
		failed := tx.Savepoint(ctx, func() error {
			if err := tx.CreateElement(ctx, &model.Element{Kind: model.KindNode, ID: "undone"}); err != nil {
				return err
			}
			return errors.New("boom")
		})
		if failed == nil || failed.Error() != "boom" {
			t.Errorf("Savepoint() = %v, want boom", failed)
		}
		return tx.Savepoint(ctx, func() error {
			return tx.CreateElement(ctx, &model.Element{Kind: model.KindNode, ID: "second"})
		})
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}
	var ids []string
	for _, n := range snap.Nodes {
		ids = append(ids, n.ID)
	}
	if len(ids) != 2 || ids[0] != "kept" || ids[1] != "second" {
		t.Errorf("nodes = %v, want [kept second]", ids)
	}
}
