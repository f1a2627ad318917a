package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind tags a stored record with its concrete element type.
type Kind string

const (
	KindInstitution Kind = "institution"
	KindNode        Kind = "node"
	KindLink        Kind = "link"
	KindTopology    Kind = "topology"
)

// ElementKinds lists the kinds Rules can operate on, in import order.
// Institutions come first so owners exist before Nodes, and Nodes before
// Links so endpoints resolve.
var ElementKinds = []Kind{KindInstitution, KindNode, KindLink}

// Label returns the capitalised human name of the kind ("Node").
func (k Kind) Label() string {
	switch k {
	case KindInstitution:
		return "Institution"
	case KindNode:
		return "Node"
	case KindLink:
		return "Link"
	case KindTopology:
		return "Topology"
	}
	return string(k)
}

// IsElement reports whether k is one of the network element kinds a Rule
// may target.
func (k Kind) IsElement() bool {
	return k == KindInstitution || k == KindNode || k == KindLink
}

// ParseKind converts a label or tag ("Node", "node") into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindInstitution:
		return KindInstitution, nil
	case KindNode:
		return KindNode, nil
	case KindLink:
		return KindLink, nil
	case KindTopology:
		return KindTopology, nil
	}
	return "", fmt.Errorf("unknown element kind %q", s)
}

// Lifetime bounds the period an element is in service.
type Lifetime struct {
	Start *time.Time `yaml:"lifetime_start,omitempty" json:"lifetime_start,omitempty"`
	End   *time.Time `yaml:"lifetime_end,omitempty" json:"lifetime_end,omitempty"`
}

// Element is a stored Institution, Node or Link.
//
// Fields that do not apply to the element's Kind stay at their zero value:
// only Nodes use NodeType, only Links use NodeA/NodeB, Institutions have no
// Lifetime and Links no Location.
type Element struct {
	PK        int64
	Kind      Kind
	ID        string
	Name      string
	ShortName string
	Version   string
	Dirty     bool

	Location Location
	Lifetime Lifetime

	NodeType string

	// Link endpoints, by store key.
	NodeA int64
	NodeB int64

	Properties Properties

	// Owners holds the store keys of owning Institutions.
	Owners []int64

	// Topologies holds the store keys of the Topologies this element
	// belongs to.
	Topologies []int64
}

// LogString renders the element for log and report messages.
func (e Element) LogString() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q <%s> (pk=%d)", e.Kind.Label(), e.Name, e.ID, e.PK)
	}
	return fmt.Sprintf("%s <%s> (pk=%d)", e.Kind.Label(), e.ID, e.PK)
}

// InTopology reports whether the element belongs to the Topology with the
// given store key.
func (e Element) InTopology(topologyPK int64) bool {
	for _, pk := range e.Topologies {
		if pk == topologyPK {
			return true
		}
	}
	return false
}

// IsBorrowed reports whether the element carries the cross-topology
// provenance marker.
func (e Element) IsBorrowed() bool {
	return e.Properties.Has(FromTopologyKey)
}

// SameEndpoints reports whether two Links join the same pair of Nodes,
// ignoring direction.
func SameEndpoints(a, b Element) bool {
	return (a.NodeA == b.NodeA && a.NodeB == b.NodeB) ||
		(a.NodeA == b.NodeB && a.NodeB == b.NodeA)
}

// Topology is a stored Topology. ParentPK and OwnerPK are zero when unset.
type Topology struct {
	PK         int64
	ID         string
	Name       string
	Version    string
	ParentPK   int64
	OwnerPK    int64
	Main       bool
	Properties Properties
}

// LogString renders the topology for log and report messages.
func (t Topology) LogString() string {
	return fmt.Sprintf("Topology %q <%s> (pk=%d)", t.Name, t.ID, t.PK)
}
