package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// update runs fn in a transaction and fails the test on error.
func update(t *testing.T, s *Store, fn func(ctx context.Context, tx *Tx)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		fn(ctx, tx)
		return nil
	}))
}

func createTopology(t *testing.T, ctx context.Context, tx *Tx, id string, parent int64) model.Topology {
	t.Helper()
	topo := model.Topology{ID: id, Name: id, ParentPK: parent}
	require.NoError(t, tx.CreateTopology(ctx, &topo))
	return topo
}

func createElement(t *testing.T, ctx context.Context, tx *Tx, e model.Element) model.Element {
	t.Helper()
	require.NoError(t, tx.CreateElement(ctx, &e))
	return e
}
