package collation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/runid"
	"github.com/grenmap/grenmap-node/internal/store"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRunner(s *store.Store, opts ...Option) *Runner {
	base := []Option{
		WithRunIDs(runid.NewSequenceGenerator("run")),
		WithClock(runid.NewSteppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Second)),
	}
	return NewRunner(s, append(base, opts...)...)
}

// update runs fn in a transaction and fails the test on error.
func update(t *testing.T, s *store.Store, fn func(ctx context.Context, tx *store.Tx)) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx *store.Tx) error {
		fn(context.Background(), tx)
		return nil
	}))
}

func addTopology(t *testing.T, ctx context.Context, tx *store.Tx, id string) model.Topology {
	t.Helper()
	topo := model.Topology{ID: id, Name: id}
	require.NoError(t, tx.CreateTopology(ctx, &topo))
	return topo
}

func addElement(t *testing.T, ctx context.Context, tx *store.Tx, e model.Element) model.Element {
	t.Helper()
	require.NoError(t, tx.CreateElement(ctx, &e))
	return e
}

func node(id, name string, topos ...int64) model.Element {
	return model.Element{Kind: model.KindNode, ID: id, Name: name, Topologies: topos}
}

func getElement(t *testing.T, s *store.Store, pk int64) (model.Element, bool) {
	t.Helper()
	var (
		e     model.Element
		found = true
	)
	require.NoError(t, s.View(context.Background(), func(tx *store.Tx) error {
		var err error
		e, err = tx.GetElement(context.Background(), pk)
		if store.IsNotFound(err) {
			found = false
			return nil
		}
		return err
	}))
	return e, found
}

func listElements(t *testing.T, s *store.Store, kind model.Kind) []model.Element {
	t.Helper()
	var elems []model.Element
	require.NoError(t, s.View(context.Background(), func(tx *store.Tx) error {
		var err error
		elems, err = tx.ListElements(context.Background(), kind)
		return err
	}))
	return elems
}

func saveRuleset(t *testing.T, s *store.Store, rs model.Ruleset) model.Ruleset {
	t.Helper()
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		require.NoError(t, tx.SaveRuleset(ctx, &rs))
	})
	return rs
}

func rule(name string, priority int, matches []model.MatchCriterion, actions []model.Action) model.Rule {
	return model.Rule{Name: name, Priority: priority, Enabled: true, Matches: matches, Actions: actions}
}

func match(typ string, kv ...string) model.MatchCriterion {
	return model.MatchCriterion{Type: typ, Info: infoPairs(kv)}
}

func action(typ string, kv ...string) model.Action {
	return model.Action{Type: typ, Info: infoPairs(kv)}
}

func infoPairs(kv []string) []model.Info {
	info := []model.Info{}
	for i := 0; i+1 < len(kv); i += 2 {
		info = append(info, model.Info{Key: kv[i], Value: kv[i+1]})
	}
	return info
}
