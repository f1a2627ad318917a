package collation

import (
	"context"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// Info keys read by the property Actions.
const (
	InfoName  = "name"
	InfoValue = "value"
)

// builtinActions returns every Action family for every element kind.
func builtinActions() []ActionType {
	var out []ActionType
	for _, kind := range model.ElementKinds {
		label := kind.Label()
		out = append(out,
			ActionType{
				Name:     "Merge into " + label,
				Kind:     kind,
				Required: []string{InfoID},
				Optional: []string{InfoTopologyID},
				Doc: fmt.Sprintf("Merges the matched %[1]s into the %[1]s with the given ID. Unset fields and "+
					"new properties move to the target, relationships are redirected, the matched %[1]s is deleted.", label),
				Apply: mergeInto,
			},
			ActionType{
				Name:     "Replace with " + label,
				Kind:     kind,
				Required: []string{InfoID},
				Optional: []string{InfoTopologyID},
				Doc: fmt.Sprintf("Replaces the matched %[1]s with the %[1]s with the given ID. Relationships "+
					"are redirected; the matched %[1]s is deleted with its fields and properties.", label),
				Apply: replaceWith,
			},
			ActionType{
				Name:  "Delete " + label,
				Kind:  kind,
				Doc:   fmt.Sprintf("Permanently deletes the matched %s.", label),
				Apply: deleteElement,
			},
			ActionType{
				Name:  "Keep Newest " + label,
				Kind:  kind,
				Doc:   fmt.Sprintf("Replaces every %[1]s sharing the matched ID with the most recently added one.", label),
				Apply: keepNewest,
			},
			ActionType{
				Name:     fmt.Sprintf("Delete %s Property", label),
				Kind:     kind,
				Required: []string{InfoName},
				Optional: []string{InfoValue},
				Doc:      fmt.Sprintf("Deletes the matched %s's properties with the given name, and value if given.", label),
				Apply:    deleteProperty,
			},
			ActionType{
				Name:     fmt.Sprintf("Delete %s Tag Property", label),
				Kind:     kind,
				Required: []string{InfoValue},
				Doc:      fmt.Sprintf("Deletes the matched %s's tag property with the given value.", label),
				Apply:    deleteTagProperty,
			},
		)
	}
	return out
}

// findSubstitute resolves the target of a Merge or Replace Action.
func findSubstitute(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (model.Element, error) {
	id := info[InfoID]
	candidates, err := tx.FindElements(ctx, e.Kind, id)
	if err != nil {
		return model.Element{}, err
	}

	if topoID, ok := info[InfoTopologyID]; ok {
		topo, err := tx.FindTopology(ctx, topoID)
		if store.IsNotFound(err) {
			return model.Element{}, NewNoSubstituteError(e.LogString(), e.Kind.Label(), id)
		}
		if err != nil {
			return model.Element{}, err
		}
		scoped := candidates[:0]
		for _, c := range candidates {
			if c.InTopology(topo.PK) {
				scoped = append(scoped, c)
			}
		}
		candidates = scoped
	}

	switch {
	case len(candidates) == 0:
		return model.Element{}, NewNoSubstituteError(e.LogString(), e.Kind.Label(), id)
	case len(candidates) > 1:
		return model.Element{}, NewMultipleSubstitutesError(e.LogString(), e.Kind.Label(), id, len(candidates))
	case candidates[0].PK == e.PK:
		return model.Element{}, NewSourceIsTargetError(e.LogString())
	}
	return candidates[0], nil
}

// dependents returns the elements whose relationships point at e: owned
// Nodes and Links for an Institution, attached Links for a Node.
func dependents(ctx context.Context, tx *store.Tx, e model.Element) (Affected, error) {
	var a Affected
	switch e.Kind {
	case model.KindInstitution:
		nodes, err := tx.OwnedBy(ctx, model.KindNode, e.PK)
		if err != nil {
			return a, err
		}
		links, err := tx.OwnedBy(ctx, model.KindLink, e.PK)
		if err != nil {
			return a, err
		}
		a.add(model.KindNode, nodes...)
		a.add(model.KindLink, links...)
	case model.KindNode:
		links, err := tx.LinksOf(ctx, e.PK)
		if err != nil {
			return a, err
		}
		a.add(model.KindLink, links...)
	}
	return a, nil
}

func mergeInto(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (Outcome, error) {
	target, err := findSubstitute(ctx, tx, e, info)
	if err != nil {
		return Outcome{}, err
	}
	if e.Kind == model.KindLink && !model.SameEndpoints(e, target) {
		return Outcome{}, NewDifferentEndpointsError(e.LogString(), target.LogString())
	}

	affected, err := dependents(ctx, tx, e)
	if err != nil {
		return Outcome{}, err
	}

	target.FillFrom(e)
	if err := tx.UpdateElement(ctx, target); err != nil {
		return Outcome{}, err
	}
	if err := tx.ReplaceProperties(ctx, target.PK, model.MergeInto(target.Properties, e.Properties)); err != nil {
		return Outcome{}, err
	}
	if _, err := tx.Redirect(ctx, e, target, store.RedirectOptions{UnionTopologies: true, UnionOwners: true}); err != nil {
		return Outcome{}, err
	}

	return survivor(ctx, tx, target.PK, affected, e,
		fmt.Sprintf("Merge %s into %s.", e.LogString(), target.LogString()))
}

func replaceWith(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (Outcome, error) {
	target, err := findSubstitute(ctx, tx, e, info)
	if err != nil {
		return Outcome{}, err
	}
	if e.Kind == model.KindLink && !model.SameEndpoints(e, target) {
		return Outcome{}, NewDifferentEndpointsError(e.LogString(), target.LogString())
	}

	affected, err := dependents(ctx, tx, e)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := tx.Redirect(ctx, e, target, store.RedirectOptions{UnionTopologies: true}); err != nil {
		return Outcome{}, err
	}

	return survivor(ctx, tx, target.PK, affected, e,
		fmt.Sprintf("Delete %s and replace with %s.", e.LogString(), target.LogString()))
}

// survivor reloads the element a deduplication kept and builds the
// Outcome that continues the chain with it.
func survivor(ctx context.Context, tx *store.Tx, pk int64, affected Affected, removed model.Element, msg string) (Outcome, error) {
	kept, err := tx.GetElement(ctx, pk)
	if err != nil {
		return Outcome{}, err
	}
	affected.add(kept.Kind, removed.PK, kept.PK)
	return Outcome{
		Next:     &kept,
		Target:   kept.LogString(),
		Message:  msg,
		Affected: affected,
	}, nil
}

func deleteElement(ctx context.Context, tx *store.Tx, e model.Element, _ map[string]string) (Outcome, error) {
	affected, err := dependents(ctx, tx, e)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.DeleteElement(ctx, e.PK); err != nil {
		return Outcome{}, err
	}
	affected.add(e.Kind, e.PK)
	return Outcome{
		Message:  fmt.Sprintf("Delete %s.", e.LogString()),
		Affected: affected,
	}, nil
}

func keepNewest(ctx context.Context, tx *store.Tx, e model.Element, _ map[string]string) (Outcome, error) {
	dups, err := tx.FindElements(ctx, e.Kind, e.ID)
	if err != nil {
		return Outcome{}, err
	}
	if len(dups) < 2 {
		return Outcome{
			Next:    &e,
			NoOp:    true,
			Message: fmt.Sprintf("%s has no duplicates.", e.LogString()),
		}, nil
	}

	newest := dups[len(dups)-1]
	var (
		affected Affected
		msg      string
	)
	for _, d := range dups[:len(dups)-1] {
		deps, err := dependents(ctx, tx, d)
		if err != nil {
			return Outcome{}, err
		}
		affected.merge(deps)
		if _, err := tx.Redirect(ctx, d, newest, store.RedirectOptions{UnionTopologies: true, UnionOwners: true}); err != nil {
			return Outcome{}, err
		}
		affected.add(d.Kind, d.PK)
		if msg != "" {
			msg += "\n"
		}
		msg += fmt.Sprintf("Delete %s in favour of newest %s.", d.LogString(), newest.LogString())
	}

	kept, err := tx.GetElement(ctx, newest.PK)
	if err != nil {
		return Outcome{}, err
	}
	affected.add(kept.Kind, kept.PK)
	return Outcome{
		Next:     &kept,
		Target:   kept.LogString(),
		Message:  msg,
		Affected: affected,
	}, nil
}

func deleteProperty(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (Outcome, error) {
	var value *string
	if v, ok := info[InfoValue]; ok {
		value = &v
	}
	return removeProperties(ctx, tx, e, info[InfoName], value)
}

func deleteTagProperty(ctx context.Context, tx *store.Tx, e model.Element, info map[string]string) (Outcome, error) {
	value := info[InfoValue]
	return removeProperties(ctx, tx, e, model.TagKey, &value)
}

func removeProperties(ctx context.Context, tx *store.Tx, e model.Element, name string, value *string) (Outcome, error) {
	desc := "with name=" + model.NormalizeName(name)
	if value != nil {
		desc += " and value=" + *value
	}

	remaining := e.Properties.Without(name, value)
	if len(remaining) == len(e.Properties) {
		return Outcome{
			Next:    &e,
			NoOp:    true,
			Message: fmt.Sprintf("No property %s at %s.", desc, e.LogString()),
		}, nil
	}

	if err := tx.ReplaceProperties(ctx, e.PK, remaining); err != nil {
		return Outcome{}, err
	}
	e.Properties = remaining

	var affected Affected
	affected.add(e.Kind, e.PK)
	return Outcome{
		Next:     &e,
		Message:  fmt.Sprintf("Delete property %s at %s.", desc, e.LogString()),
		Affected: affected,
	}, nil
}
