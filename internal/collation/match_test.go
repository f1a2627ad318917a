package collation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

func TestMatchFilters(t *testing.T) {
	s := createTestStore(t)
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		t1 := addTopology(t, ctx, tx, "T1")
		addElement(t, ctx, tx, node("A", "", t1.PK))
		addElement(t, ctx, tx, node("A", ""))
		addElement(t, ctx, tx, node("B", "", t1.PK))
		addElement(t, ctx, tx, node("C", ""))
	})
	reg := DefaultRegistry()

	ids := func(elems []model.Element) []string {
		out := []string{}
		for _, e := range elems {
			out = append(out, e.ID)
		}
		return out
	}

	tests := []struct {
		name  string
		match string
		kv    []string
		want  []string
	}{
		{"by id", "Match Nodes by ID", []string{InfoID, "A"}, []string{"A", "A"}},
		{"by id is exact", "Match Nodes by ID", []string{InfoID, "a"}, []string{}},
		{"by topology", "Match Nodes by Topology", []string{InfoTopologyID, "T1"}, []string{"A", "B"}},
		{"unknown topology", "Match Nodes by Topology", []string{InfoTopologyID, "T9"}, []string{}},
		{"duplicates", "Match Duplicate Nodes", nil, []string{"A", "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, ok := reg.Match(tt.match)
			require.True(t, ok)
			var got []model.Element
			require.NoError(t, s.View(context.Background(), func(tx *store.Tx) error {
				set, err := tx.ListElements(context.Background(), model.KindNode)
				if err != nil {
					return err
				}
				got, err = mt.Filter(context.Background(), tx, set, model.InfoMap(infoPairs(tt.kv)))
				return err
			}))
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestMatchDuplicates_CountsWithinWorkingSet(t *testing.T) {
	set := []model.Element{
		{PK: 1, ID: "X"}, {PK: 2, ID: "Y"},
	}
	got, err := filterDuplicates(context.Background(), nil, set, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
