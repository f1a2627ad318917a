package model

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// IncomingTopology is one Topology of a parsed GRENML document, as handed
// to the importer. Children are nested Topologies.
type IncomingTopology struct {
	ID           string              `yaml:"id"`
	Name         string              `yaml:"name"`
	Version      string              `yaml:"version,omitempty"`
	Owner        string              `yaml:"owner,omitempty"`
	Properties   Properties          `yaml:"properties,omitempty"`
	Institutions []IncomingElement   `yaml:"institutions,omitempty"`
	Nodes        []IncomingElement   `yaml:"nodes,omitempty"`
	Links        []IncomingElement   `yaml:"links,omitempty"`
	Topologies   []*IncomingTopology `yaml:"topologies,omitempty"`
}

// IncomingElement is one Institution, Node or Link record.
type IncomingElement struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	ShortName string `yaml:"short_name,omitempty"`
	Version   string `yaml:"version,omitempty"`

	Location `yaml:",inline"`
	Lifetime `yaml:",inline"`

	NodeType string `yaml:"type,omitempty"`

	// Owners lists owning Institution IDs.
	Owners []string `yaml:"owners,omitempty"`

	// Endpoints lists the two Node IDs a Link joins.
	Endpoints []string `yaml:"endpoints,omitempty"`

	Properties Properties `yaml:"properties,omitempty"`

	// SourceTopology is the ID of the Topology the record was read from.
	// Annotate fills it in.
	SourceTopology string `yaml:"-"`
}

// Elements returns the records of the given kind.
func (t *IncomingTopology) Elements(kind Kind) []IncomingElement {
	switch kind {
	case KindInstitution:
		return t.Institutions
	case KindNode:
		return t.Nodes
	case KindLink:
		return t.Links
	}
	return nil
}

// ErrNotATree is returned when a Topology appears twice in one incoming
// tree, which would make a bottom-up walk revisit it.
var ErrNotATree = errors.New("topology tree revisits a topology")

// PostOrder returns every Topology of the tree, children before their
// parents, siblings in document order.
func (t *IncomingTopology) PostOrder() ([]*IncomingTopology, error) {
	var out []*IncomingTopology
	seen := make(map[*IncomingTopology]bool)
	ids := make(map[string]bool)

	var visit func(n *IncomingTopology) error
	visit = func(n *IncomingTopology) error {
		if seen[n] {
			return fmt.Errorf("%w: %q", ErrNotATree, n.ID)
		}
		seen[n] = true
		if n.ID != "" {
			if ids[n.ID] {
				return fmt.Errorf("%w: duplicate id %q", ErrNotATree, n.ID)
			}
			ids[n.ID] = true
		}
		for _, child := range n.Topologies {
			if child == nil {
				continue
			}
			if err := visit(child); err != nil {
				return err
			}
		}
		out = append(out, n)
		return nil
	}

	if err := visit(t); err != nil {
		return nil, err
	}
	return out, nil
}

// Annotate stamps every element record with the ID of the Topology it
// was read from.
func (t *IncomingTopology) Annotate() {
	stamp := func(records []IncomingElement) {
		for i := range records {
			records[i].SourceTopology = t.ID
		}
	}
	stamp(t.Institutions)
	stamp(t.Nodes)
	stamp(t.Links)
	for _, child := range t.Topologies {
		if child != nil {
			child.Annotate()
		}
	}
}

// DecodeTree reads a YAML rendering of an incoming topology tree.
// Unknown fields are rejected.
func DecodeTree(r io.Reader) (*IncomingTopology, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var root IncomingTopology
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode topology tree: %w", err)
	}
	if root.ID == "" && root.Name == "" {
		return nil, fmt.Errorf("decode topology tree: root topology has neither id nor name")
	}
	root.Annotate()
	return &root, nil
}
