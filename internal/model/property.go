package model

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Reserved property names.
const (
	ReservedPrefix = "!-"

	// FromTopologyKey marks an element that was copied into a Topology only
	// to keep it self-contained. Its value lists the IDs of the Topologies
	// holding the original, separated by ProvenanceDelimiter.
	FromTopologyKey     = "!-from-topology"
	ProvenanceDelimiter = ","

	// TagKey is the one multi-valued key merges never collapse.
	TagKey = "tag"
)

// legacyFromTopologyKey is the spelling older exporters write.
const legacyFromTopologyKey = "!-from_topology"

// Property is a key/value pair attached to one element. Several
// Properties may share a name.
type Property struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// NormalizeName lower-cases and NFC-normalises a property name, folding
// the legacy provenance spelling into FromTopologyKey.
func NormalizeName(name string) string {
	n := cases.Lower(language.Und).String(norm.NFC.String(strings.TrimSpace(name)))
	if n == legacyFromTopologyKey {
		return FromTopologyKey
	}
	return n
}

// IsReserved reports whether name is in the reserved namespace.
func IsReserved(name string) bool {
	return strings.HasPrefix(NormalizeName(name), ReservedPrefix)
}

// Properties is an ordered multiset of Property values.
type Properties []Property

// Normalize returns a copy with every name normalised and values NFC
// normalised. Exact duplicate pairs are dropped; first occurrence wins.
func (ps Properties) Normalize() Properties {
	out := make(Properties, 0, len(ps))
	seen := make(map[Property]bool, len(ps))
	for _, p := range ps {
		np := Property{Name: NormalizeName(p.Name), Value: norm.NFC.String(p.Value)}
		if np.Name == "" || seen[np] {
			continue
		}
		seen[np] = true
		out = append(out, np)
	}
	return out
}

// Union returns ps followed by the pairs of other not already present.
func (ps Properties) Union(other Properties) Properties {
	return append(ps, other...).Normalize()
}

// Has reports whether any Property is named name.
func (ps Properties) Has(name string) bool {
	name = NormalizeName(name)
	for _, p := range ps {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Values returns every value stored under name, in order.
func (ps Properties) Values(name string) []string {
	name = NormalizeName(name)
	var out []string
	for _, p := range ps {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}

// Without returns the Properties that do not match name and, when value is
// non-nil, *value.
func (ps Properties) Without(name string, value *string) Properties {
	name = NormalizeName(name)
	out := make(Properties, 0, len(ps))
	for _, p := range ps {
		if p.Name == name && (value == nil || p.Value == *value) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ProvenanceTopologies returns the Topology IDs named by the element's
// FromTopologyKey Properties, or nil when it is not borrowed.
func (ps Properties) ProvenanceTopologies() []string {
	var ids []string
	for _, v := range ps.Values(FromTopologyKey) {
		for _, id := range strings.Split(v, ProvenanceDelimiter) {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// MergeInto returns the Properties target should hold after absorbing src:
// a src Property moves over when target has no Property of that name, or
// when it is a tag whose value target lacks.
func MergeInto(target, src Properties) Properties {
	out := append(Properties{}, target...)
	names := make(map[string]bool, len(target))
	tags := make(map[string]bool)
	for _, p := range target {
		names[p.Name] = true
		if p.Name == TagKey {
			tags[p.Value] = true
		}
	}
	for _, p := range src {
		if !names[p.Name] {
			out = append(out, p)
			continue
		}
		if p.Name == TagKey && !tags[p.Value] {
			tags[p.Value] = true
			out = append(out, p)
		}
	}
	return out.Normalize()
}
