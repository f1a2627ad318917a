package collation

import (
	"context"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// Info keys read by the built-in Match kinds.
const (
	InfoID         = "ID"
	InfoTopologyID = "Topology ID"
)

func pluralLabel(kind model.Kind) string {
	return kind.Label() + "s"
}

// builtinMatches returns the three Match families for every element kind.
func builtinMatches() []MatchType {
	var out []MatchType
	for _, kind := range model.ElementKinds {
		out = append(out,
			MatchType{
				Name:     fmt.Sprintf("Match %s by ID", pluralLabel(kind)),
				Kind:     kind,
				Required: []string{InfoID},
				Doc:      fmt.Sprintf("Keeps the %s whose ID equals the given ID exactly.", pluralLabel(kind)),
				Filter:   filterByID,
			},
			MatchType{
				Name:     fmt.Sprintf("Match %s by Topology", pluralLabel(kind)),
				Kind:     kind,
				Required: []string{InfoTopologyID},
				Doc:      fmt.Sprintf("Keeps the %s that belong to the Topology with the given ID.", pluralLabel(kind)),
				Filter:   filterByTopology,
			},
			MatchType{
				Name:   fmt.Sprintf("Match Duplicate %s", pluralLabel(kind)),
				Kind:   kind,
				Doc:    fmt.Sprintf("Keeps the %s whose ID is shared with another in the working set.", pluralLabel(kind)),
				Filter: filterDuplicates,
			},
		)
	}
	return out
}

func filterByID(_ context.Context, _ *store.Tx, set []model.Element, info map[string]string) ([]model.Element, error) {
	id := info[InfoID]
	out := make([]model.Element, 0, len(set))
	for _, e := range set {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func filterByTopology(ctx context.Context, tx *store.Tx, set []model.Element, info map[string]string) ([]model.Element, error) {
	topo, err := tx.FindTopology(ctx, info[InfoTopologyID])
	if store.IsNotFound(err) {
		return []model.Element{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]model.Element, 0, len(set))
	for _, e := range set {
		if e.InTopology(topo.PK) {
			out = append(out, e)
		}
	}
	return out, nil
}

func filterDuplicates(_ context.Context, _ *store.Tx, set []model.Element, _ map[string]string) ([]model.Element, error) {
	counts := make(map[string]int, len(set))
	for _, e := range set {
		counts[e.ID]++
	}
	out := make([]model.Element, 0, len(set))
	for _, e := range set {
		if counts[e.ID] > 1 {
			out = append(out, e)
		}
	}
	return out, nil
}
