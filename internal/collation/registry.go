package collation

import (
	"context"
	"fmt"
	"sort"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// FilterFunc narrows a working set of same-kind elements. It must return a
// subset of set, in set's order.
type FilterFunc func(ctx context.Context, tx *store.Tx, set []model.Element, info map[string]string) ([]model.Element, error)

// ApplyFunc performs one Action on one element.
type ApplyFunc func(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (Outcome, error)

// Outcome is what an Action reports back to the Rule runner.
type Outcome struct {
	// Next is the element the following Action continues with, or nil to
	// end the chain.
	Next *model.Element

	// Target is the log string of the surviving element, if any.
	Target string

	// NoOp is set when the Action found nothing to change.
	NoOp bool

	Message  string
	Affected Affected
}

// MatchType is one registered Match kind.
type MatchType struct {
	Name     string
	Kind     model.Kind
	Required []string
	Optional []string
	Doc      string
	Filter   FilterFunc
}

// ActionType is one registered Action kind.
type ActionType struct {
	Name     string
	Kind     model.Kind
	Required []string
	Optional []string
	Doc      string
	Apply    ApplyFunc
}

// Registry resolves the type names stored on Match Criteria and Actions.
type Registry struct {
	matches map[string]MatchType
	actions map[string]ActionType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		matches: make(map[string]MatchType),
		actions: make(map[string]ActionType),
	}
}

// DefaultRegistry returns a registry holding every built-in Match and
// Action kind.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, m := range builtinMatches() {
		if err := r.RegisterMatch(m); err != nil {
			panic(err)
		}
	}
	for _, a := range builtinActions() {
		if err := r.RegisterAction(a); err != nil {
			panic(err)
		}
	}
	return r
}

// RegisterMatch adds a Match kind. Names must be unique.
func (r *Registry) RegisterMatch(m MatchType) error {
	if m.Name == "" || m.Filter == nil || !m.Kind.IsElement() {
		return fmt.Errorf("register match %q: name, element kind and filter are required", m.Name)
	}
	if _, dup := r.matches[m.Name]; dup {
		return fmt.Errorf("register match %q: already registered", m.Name)
	}
	r.matches[m.Name] = m
	return nil
}

// RegisterAction adds an Action kind. Names must be unique.
func (r *Registry) RegisterAction(a ActionType) error {
	if a.Name == "" || a.Apply == nil || !a.Kind.IsElement() {
		return fmt.Errorf("register action %q: name, element kind and apply are required", a.Name)
	}
	if _, dup := r.actions[a.Name]; dup {
		return fmt.Errorf("register action %q: already registered", a.Name)
	}
	r.actions[a.Name] = a
	return nil
}

// Match looks up a Match kind by name.
func (r *Registry) Match(name string) (MatchType, bool) {
	m, ok := r.matches[name]
	return m, ok
}

// Action looks up an Action kind by name.
func (r *Registry) Action(name string) (ActionType, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// MatchTypes lists the registered Match kinds by name.
func (r *Registry) MatchTypes() []MatchType {
	out := make([]MatchType, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActionTypes lists the registered Action kinds by name.
func (r *Registry) ActionTypes() []ActionType {
	out := make([]ActionType, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
