package importer

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// Replacement records one borrowed duplicate folded into its original.
type Replacement struct {
	Kind      model.Kind `json:"kind"`
	ID        string     `json:"id"`
	Duplicate int64      `json:"duplicate_pk"`
	Original  int64      `json:"original_pk"`
}

// Resolution is the outcome of one completeness pass.
type Resolution struct {
	Replaced []Replacement `json:"replaced"`

	// Unresolved lists borrowed elements whose original is not stored
	// yet. They keep their marker and are retried on the next pass.
	Unresolved []string `json:"unresolved"`

	// Ambiguous lists borrowed elements with more than one candidate
	// original. They are left alone.
	Ambiguous []string `json:"ambiguous"`
}

// Resolver folds elements carrying the cross-topology provenance marker
// into the originals they were copied from.
type Resolver struct {
	store  *store.Store
	logger *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger. Defaults to slog.Default().
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a Resolver over s.
func NewResolver(s *store.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve redirects every borrowed element with exactly one original
// into it and deletes the duplicate. It runs in one transaction and is
// idempotent: a second pass with no import in between changes nothing.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	ctx, span := tracer.Start(ctx, "importer.Resolve")
	defer span.End()

	res := Resolution{Replaced: []Replacement{}, Unresolved: []string{}, Ambiguous: []string{}}
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		for _, kind := range model.ElementKinds {
			if err := r.resolveKind(ctx, tx, kind, &res); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completeness resolution rolled back")
		return Resolution{}, fmt.Errorf("resolve borrowed elements: %w", err)
	}

	span.SetAttributes(
		attribute.Int("replaced", len(res.Replaced)),
		attribute.Int("unresolved", len(res.Unresolved)),
	)
	r.logger.Info("borrowed elements resolved",
		"replaced", len(res.Replaced),
		"unresolved", len(res.Unresolved),
		"ambiguous", len(res.Ambiguous),
	)
	return res, nil
}

func (r *Resolver) resolveKind(ctx context.Context, tx *store.Tx, kind model.Kind, res *Resolution) error {
	borrowed, err := tx.ElementsWithProperty(ctx, kind, model.FromTopologyKey)
	if err != nil {
		return err
	}

	for _, b := range borrowed {
		// An earlier redirect may have removed or changed it.
		dup, err := tx.GetElement(ctx, b.PK)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !dup.IsBorrowed() {
			continue
		}

		unmarked, marked, err := originals(ctx, tx, kind, dup.ID, dup.Properties.ProvenanceTopologies(), dup.PK)
		if err != nil {
			return err
		}
		orig, outcome := pickOriginal(unmarked, marked)
		switch outcome {
		case originalAmbiguous:
			res.Ambiguous = append(res.Ambiguous, dup.LogString())
			r.logger.Warn("borrowed element has several originals", "element", dup.LogString())
			continue
		case originalMissing:
			res.Unresolved = append(res.Unresolved, dup.LogString())
			continue
		}

		if _, err := tx.Redirect(ctx, dup, orig, store.RedirectOptions{}); err != nil {
			return err
		}
		res.Replaced = append(res.Replaced, Replacement{Kind: kind, ID: dup.ID, Duplicate: dup.PK, Original: orig.PK})
		r.logger.Debug("borrowed element replaced", "duplicate", dup.LogString(), "original", orig.LogString())
	}
	return nil
}

type originalOutcome int

const (
	originalFound originalOutcome = iota
	originalMissing
	originalAmbiguous
)

// pickOriginal chooses the element a borrowed copy stands for. A single
// unmarked candidate wins; failing that, a single candidate that is
// itself borrowed.
func pickOriginal(unmarked, marked []model.Element) (model.Element, originalOutcome) {
	switch {
	case len(unmarked) == 1:
		return unmarked[0], originalFound
	case len(unmarked) > 1:
		return model.Element{}, originalAmbiguous
	case len(marked) == 1:
		return marked[0], originalFound
	case len(marked) > 1:
		return model.Element{}, originalAmbiguous
	}
	return model.Element{}, originalMissing
}

// originals returns the elements of kind with the given ID that belong
// to one of the named Topologies, split by whether they are borrowed
// themselves. The element with store key exclude is never a candidate.
func originals(ctx context.Context, tx *store.Tx, kind model.Kind, id string, topologyIDs []string, exclude int64) (unmarked, marked []model.Element, err error) {
	topoPKs, err := tx.TopologyKeys(ctx, topologyIDs)
	if err != nil || len(topoPKs) == 0 {
		return nil, nil, err
	}
	candidates, err := tx.FindElements(ctx, kind, id)
	if err != nil {
		return nil, nil, err
	}

	for _, c := range candidates {
		if c.PK == exclude {
			continue
		}
		member := false
		for _, pk := range topoPKs {
			if c.InTopology(pk) {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		if c.IsBorrowed() {
			marked = append(marked, c)
		} else {
			unmarked = append(unmarked, c)
		}
	}
	return unmarked, marked, nil
}

// findOriginal looks up the original of an incoming borrowed record.
// Ambiguous originals count as not found, so the record is stored as a
// borrowed copy and left for the resolver to report.
func (im *Importer) findOriginal(ctx context.Context, tx *store.Tx, kind model.Kind, id string, topologyIDs []string) (model.Element, bool, error) {
	unmarked, marked, err := originals(ctx, tx, kind, id, topologyIDs, 0)
	if err != nil {
		return model.Element{}, false, err
	}
	orig, outcome := pickOriginal(unmarked, marked)
	return orig, outcome == originalFound, nil
}
