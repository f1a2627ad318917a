package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grenmap/grenmap-node/internal/model"
)

// Snapshot is a key-free description of the element graph. Two stores
// holding the same data produce equal snapshots regardless of insertion
// order or store keys, which makes it the unit of comparison for
// idempotence checks and golden files.
type Snapshot struct {
	Topologies   []TopologySnapshot `json:"topologies"`
	Institutions []ElementSnapshot  `json:"institutions"`
	Nodes        []ElementSnapshot  `json:"nodes"`
	Links        []ElementSnapshot  `json:"links"`
}

// TopologySnapshot describes one Topology by IDs only.
type TopologySnapshot struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Parent     string   `json:"parent,omitempty"`
	Owner      string   `json:"owner,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// ElementSnapshot describes one element by IDs only. Properties render as
// sorted "name=value" strings.
type ElementSnapshot struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	ShortName  string   `json:"short_name,omitempty"`
	NodeType   string   `json:"type,omitempty"`
	Endpoints  []string `json:"endpoints,omitempty"`
	Owners     []string `json:"owners,omitempty"`
	Topologies []string `json:"topologies,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

// Snapshot captures the current element graph.
func (t *Tx) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	topos, err := t.ListTopologies(ctx)
	if err != nil {
		return snap, fmt.Errorf("snapshot: %w", err)
	}
	topoIDs := make(map[int64]string, len(topos))
	for _, topo := range topos {
		topoIDs[topo.PK] = topo.ID
	}

	elements := make(map[model.Kind][]model.Element, len(model.ElementKinds))
	elemIDs := make(map[int64]string)
	for _, kind := range model.ElementKinds {
		elems, err := t.ListElements(ctx, kind)
		if err != nil {
			return snap, fmt.Errorf("snapshot: %w", err)
		}
		elements[kind] = elems
		for _, e := range elems {
			elemIDs[e.PK] = e.ID
		}
	}

	snap.Topologies = make([]TopologySnapshot, 0, len(topos))
	for _, topo := range topos {
		snap.Topologies = append(snap.Topologies, TopologySnapshot{
			ID:         topo.ID,
			Name:       topo.Name,
			Parent:     topoIDs[topo.ParentPK],
			Owner:      elemIDs[topo.OwnerPK],
			Properties: propertyStrings(topo.Properties),
		})
	}
	sort.Slice(snap.Topologies, func(i, j int) bool {
		return snap.Topologies[i].ID < snap.Topologies[j].ID
	})

	build := func(elems []model.Element) []ElementSnapshot {
		out := make([]ElementSnapshot, 0, len(elems))
		for _, e := range elems {
			es := ElementSnapshot{
				ID:         e.ID,
				Name:       e.Name,
				ShortName:  e.ShortName,
				NodeType:   e.NodeType,
				Owners:     lookupSorted(e.Owners, elemIDs),
				Topologies: lookupSorted(e.Topologies, topoIDs),
				Properties: propertyStrings(e.Properties),
			}
			if e.Kind == model.KindLink {
				es.Endpoints = lookupSorted([]int64{e.NodeA, e.NodeB}, elemIDs)
			}
			out = append(out, es)
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].ID != out[j].ID {
				return out[i].ID < out[j].ID
			}
			return strings.Join(out[i].Topologies, ",") < strings.Join(out[j].Topologies, ",")
		})
		return out
	}
	snap.Institutions = build(elements[model.KindInstitution])
	snap.Nodes = build(elements[model.KindNode])
	snap.Links = build(elements[model.KindLink])
	return snap, nil
}

// Snapshot captures the current element graph in a read-only transaction.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		snap, err = tx.Snapshot(ctx)
		return err
	})
	return snap, err
}

func propertyStrings(props model.Properties) []string {
	if len(props) == 0 {
		return nil
	}
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = p.Name + "=" + p.Value
	}
	sort.Strings(out)
	return out
}

func lookupSorted(pks []int64, ids map[int64]string) []string {
	if len(pks) == 0 {
		return nil
	}
	out := make([]string, 0, len(pks))
	for _, pk := range pks {
		if id, ok := ids[pk]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
