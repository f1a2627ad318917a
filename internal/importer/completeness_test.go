package importer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

const borrowingTree = `
id: t
name: T
owner: inst-t
institutions:
  - id: inst-t
nodes:
  - id: m
    name: M
  - id: n
    name: N copy
    properties:
      - {name: "!-from_topology", value: o}
links:
  - id: m-n
    endpoints: [m, n]
`

const originalTree = `
id: o
name: O
owner: inst-o
institutions:
  - id: inst-o
nodes:
  - id: n
    name: N
`

func TestResolve_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	im := newTestImporter(s)
	r := NewResolver(s)

	importTree(t, im, borrowingTree)

	res, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Replaced)
	require.Len(t, res.Unresolved, 1, "the original is not stored yet")
	assert.Contains(t, res.Unresolved[0], "<n>")

	copies := findSnapshot(snapshot(t, s).Nodes, "n")
	require.Len(t, copies, 1)
	assert.Equal(t, []string{"!-from-topology=o"}, copies[0].Properties)

	importTree(t, im, originalTree)
	require.Len(t, findSnapshot(snapshot(t, s).Nodes, "n"), 2)

	res, err = r.Resolve(ctx)
	require.NoError(t, err)
	require.Len(t, res.Replaced, 1)
	assert.Equal(t, model.KindNode, res.Replaced[0].Kind)
	assert.Equal(t, "n", res.Replaced[0].ID)
	assert.Empty(t, res.Unresolved)

	snap := snapshot(t, s)
	survivors := findSnapshot(snap.Nodes, "n")
	require.Len(t, survivors, 1)
	assert.Equal(t, "N", survivors[0].Name)
	assert.Equal(t, []string{"o"}, survivors[0].Topologies)
	assert.Empty(t, survivors[0].Properties)

	require.Len(t, snap.Links, 1)
	assert.Equal(t, []string{"m", "n"}, snap.Links[0].Endpoints)
	assert.Equal(t, []string{"t"}, snap.Links[0].Topologies)

	t.Run("second pass is a no-op", func(t *testing.T) {
		res, err := r.Resolve(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Replaced)
		assert.Empty(t, res.Unresolved)
		assert.Equal(t, snap, snapshot(t, s))
	})

	t.Run("re-importing the borrowing topology reuses the original", func(t *testing.T) {
		report := importTree(t, im, borrowingTree)
		assert.Zero(t, report.Counts[model.KindNode].Created)
		assert.Equal(t, snap, snapshot(t, s))
	})
}

func TestResolve_SameResultWhicheverTopologyComesFirst(t *testing.T) {
	tree := func(children ...string) string {
		doc := "id: root\nname: Root\ntopologies:\n"
		for _, c := range children {
			doc += c
		}
		return doc
	}
	const borrowing = `
  - id: t
    name: T
    nodes:
      - id: m
      - id: n
        properties:
          - {name: "!-from-topology", value: o}
    links:
      - id: m-n
        endpoints: [m, n]
`
	const original = `
  - id: o
    name: O
    nodes:
      - id: n
        name: N
`
	run := func(doc string) ([]Replacement, store.Snapshot) {
		s := createTestStore(t)
		importTree(t, newTestImporter(s), doc)
		res, err := NewResolver(s).Resolve(context.Background())
		require.NoError(t, err)
		return res.Replaced, snapshot(t, s)
	}

	replacedLate, late := run(tree(borrowing, original))
	replacedEarly, early := run(tree(original, borrowing))

	assert.Len(t, replacedLate, 1, "the copy was stored before its original")
	assert.Empty(t, replacedEarly, "the original was already stored")
	assert.Equal(t, early, late)
}

func TestPickOriginal(t *testing.T) {
	a := model.Element{PK: 1, ID: "x"}
	b := model.Element{PK: 2, ID: "x"}

	tests := []struct {
		name     string
		unmarked []model.Element
		marked   []model.Element
		wantPK   int64
		want     originalOutcome
	}{
		{"single unmarked", []model.Element{a}, nil, 1, originalFound},
		{"unmarked preferred", []model.Element{a}, []model.Element{b}, 1, originalFound},
		{"single marked", nil, []model.Element{b}, 2, originalFound},
		{"two unmarked", []model.Element{a, b}, nil, 0, originalAmbiguous},
		{"two marked", nil, []model.Element{a, b}, 0, originalAmbiguous},
		{"none", nil, nil, 0, originalMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, outcome := pickOriginal(tt.unmarked, tt.marked)
			assert.Equal(t, tt.want, outcome)
			assert.Equal(t, tt.wantPK, got.PK)
		})
	}
}
