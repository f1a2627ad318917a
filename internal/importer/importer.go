package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/runid"
	"github.com/grenmap/grenmap-node/internal/store"
)

var tracer = otel.Tracer("github.com/grenmap/grenmap-node/internal/importer")

// Importer reconciles incoming Topology trees with the Store.
type Importer struct {
	store  *store.Store
	runIDs runid.Generator
	clock  runid.Clock
	logger *slog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithRunIDs sets the generator for import run IDs.
func WithRunIDs(gen runid.Generator) Option {
	return func(im *Importer) {
		im.runIDs = gen
	}
}

// WithClock sets the clock used to stamp import runs.
func WithClock(c runid.Clock) Option {
	return func(im *Importer) {
		im.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) {
		im.logger = l
	}
}

// New creates an Importer over s.
func New(s *store.Store, opts ...Option) *Importer {
	im := &Importer{
		store:  s,
		runIDs: runid.UUIDv7Generator{},
		clock:  runid.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Options controls one import.
type Options struct {
	// ParentTopologyID names an existing Topology the incoming root is
	// attached under. Empty imports the root at the top level.
	ParentTopologyID string
}

// pass is the state shared by the phases of one import.
type pass struct {
	report  *Report
	topoPKs map[*model.IncomingTopology]int64

	// touched maps kind and ID to the element created or matched for it
	// earlier in the pass.
	touched map[model.Kind]map[string]int64

	// members maps kind and ID to the elements that belonged to any
	// Topology of the tree when the pass started, oldest first.
	members map[model.Kind]map[string][]model.Element

	// props and owners accumulate per element across every Topology of
	// the pass that mentions it.
	props  map[int64]model.Properties
	owners map[int64][]int64
}

// Import reconciles the Store with the tree rooted at root.
//
// Topology records are saved top-down first; then every Topology's
// contents are reconciled bottom-up, one transaction per Topology. A
// systemic error aborts the import: the failing phase rolls back while
// earlier phases stay committed. The report is persisted in both cases.
func (im *Importer) Import(ctx context.Context, root *model.IncomingTopology, opts Options) (*Report, error) {
	report := newReport(im.runIDs.Generate(), im.clock.Now())
	if root == nil {
		err := errors.New("import: no topology")
		report.abort(im.clock.Now(), err)
		return report, err
	}

	ctx, span := tracer.Start(ctx, "importer.Import", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("topology", root.ID),
	))
	defer span.End()

	if err := im.SaveReport(ctx, report); err != nil {
		return report, err
	}
	im.logger.Info("import started", "run_id", report.RunID, "topology", root.ID, "parent", opts.ParentTopologyID)

	err := im.run(ctx, root, opts, report)
	if err != nil {
		report.abort(im.clock.Now(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "import aborted")
		im.logger.Error("import aborted", "run_id", report.RunID, "error", err)
	} else {
		report.finish(im.clock.Now())
		im.logger.Info("import finished",
			"run_id", report.RunID,
			"status", report.Status,
			"problems", len(report.Problems),
		)
	}

	if serr := im.SaveReport(ctx, report); serr != nil && err == nil {
		err = serr
	}
	return report, err
}

// SaveReport persists the current state of an import report.
func (im *Importer) SaveReport(ctx context.Context, report *Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode import report: %w", err)
	}
	return im.store.Update(ctx, func(tx *store.Tx) error {
		return tx.RecordImportRun(ctx, store.ImportRun{
			RunID:      report.RunID,
			Status:     string(report.Status),
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
			Report:     string(payload),
		})
	})
}

func (im *Importer) run(ctx context.Context, root *model.IncomingTopology, opts Options, report *Report) error {
	root.Annotate()
	order, err := root.PostOrder()
	if err != nil {
		return err
	}

	var parentPK int64
	if opts.ParentTopologyID != "" {
		err := im.store.View(ctx, func(tx *store.Tx) error {
			parent, err := tx.FindTopology(ctx, opts.ParentTopologyID)
			if store.IsNotFound(err) {
				return fmt.Errorf("%w: <%s>", ErrParentNotFound, opts.ParentTopologyID)
			}
			parentPK = parent.PK
			return err
		})
		if err != nil {
			return err
		}
	}

	p := &pass{
		report:  report,
		topoPKs: make(map[*model.IncomingTopology]int64),
		touched: make(map[model.Kind]map[string]int64),
		members: make(map[model.Kind]map[string][]model.Element),
		props:   make(map[int64]model.Properties),
		owners:  make(map[int64][]int64),
	}

	err = im.store.Update(ctx, func(tx *store.Tx) error {
		return im.saveTopologies(ctx, tx, p, root, parentPK)
	})
	if err != nil {
		return fmt.Errorf("save topologies: %w", err)
	}
	if err := im.loadMembers(ctx, p, order); err != nil {
		return fmt.Errorf("load members: %w", err)
	}

	for _, in := range order {
		if err := im.importTopology(ctx, p, in); err != nil {
			return fmt.Errorf("import topology <%s>: %w", in.ID, err)
		}
	}
	return nil
}

// loadMembers indexes the elements already associated to a Topology of
// the tree. A record then pairs with the element it names even when the
// Topology that holds it is reconciled later in the pass.
func (im *Importer) loadMembers(ctx context.Context, p *pass, order []*model.IncomingTopology) error {
	return im.store.View(ctx, func(tx *store.Tx) error {
		seen := make(map[int64]bool)
		for _, in := range order {
			for _, kind := range model.ElementKinds {
				elems, err := tx.ElementsInTopology(ctx, kind, p.topoPKs[in])
				if err != nil {
					return err
				}
				for _, e := range elems {
					if seen[e.PK] {
						continue
					}
					seen[e.PK] = true
					if p.members[kind] == nil {
						p.members[kind] = make(map[string][]model.Element)
					}
					p.members[kind][e.ID] = append(p.members[kind][e.ID], e)
				}
			}
		}
		for _, byID := range p.members {
			for _, elems := range byID {
				sort.Slice(elems, func(i, j int) bool { return elems[i].PK < elems[j].PK })
			}
		}
		return nil
	})
}

// saveTopologies creates or updates the Topology records of a subtree,
// parents before children so every child can point at its parent.
func (im *Importer) saveTopologies(ctx context.Context, tx *store.Tx, p *pass, in *model.IncomingTopology, parentPK int64) error {
	pk, err := im.saveTopology(ctx, tx, p, in, parentPK)
	if err != nil {
		return err
	}
	p.topoPKs[in] = pk
	for _, child := range in.Topologies {
		if child == nil {
			continue
		}
		if err := im.saveTopologies(ctx, tx, p, child, pk); err != nil {
			return err
		}
	}
	return nil
}

// saveTopology matches an incoming Topology by name and parent, then by
// ID, and otherwise creates it. Its Properties are replaced in full.
func (im *Importer) saveTopology(ctx context.Context, tx *store.Tx, p *pass, in *model.IncomingTopology, parentPK int64) (int64, error) {
	counts := p.report.Counts[model.KindTopology]
	counts.Encountered++
	entry := Entry{Kind: model.KindTopology, ID: in.ID, Topology: in.ID}

	topo, err := tx.FindTopologyByName(ctx, in.Name, parentPK)
	matchedBy := "name and parent"
	if store.IsNotFound(err) && in.ID != "" {
		topo, err = tx.FindTopology(ctx, in.ID)
		matchedBy = "ID"
	}
	created := store.IsNotFound(err)
	if err != nil && !created {
		return 0, err
	}

	if in.ID != "" {
		topo.ID = in.ID
	}
	topo.Name = in.Name
	topo.Version = in.Version
	topo.ParentPK = parentPK
	topo.Properties = in.Properties

	if created {
		if err := tx.CreateTopology(ctx, &topo); err != nil {
			return 0, err
		}
		counts.Created++
		entry.Messages = append(entry.Messages, "Topology created.")
		im.logger.Debug("topology created", "topology", topo.LogString())
	} else {
		err := tx.UpdateTopology(ctx, topo)
		if errors.Is(err, store.ErrTopologyCycle) {
			topo.ParentPK = 0
			p.report.problem(newDataError(SeverityWarning, ErrCodeCircularParent, in.ID, model.KindTopology, "",
				"circular parent reference detected and avoided"))
			err = tx.UpdateTopology(ctx, topo)
		}
		if err != nil {
			return 0, err
		}
		if err := tx.ReplaceTopologyProperties(ctx, topo.PK, in.Properties); err != nil {
			return 0, err
		}
		counts.Updated++
		entry.Messages = append(entry.Messages,
			fmt.Sprintf("Topology exists so it will be updated, matched by %s.", matchedBy))
		im.logger.Debug("topology updated", "topology", topo.LogString(), "matched_by", matchedBy)
	}

	entry.PK = topo.PK
	p.report.entry(entry)
	return topo.PK, nil
}

func (im *Importer) importTopology(ctx context.Context, p *pass, in *model.IncomingTopology) error {
	ctx, span := tracer.Start(ctx, "importer.Topology", trace.WithAttributes(attribute.String("topology", in.ID)))
	defer span.End()

	ph := &phase{
		pass:     p,
		in:       in,
		topoPK:   p.topoPKs[in],
		local:    make(map[model.Kind]map[string]int64),
		existing: make(map[model.Kind][]model.Element),
	}
	err := im.store.Update(ctx, func(tx *store.Tx) error {
		return im.reconcile(ctx, tx, ph)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase rolled back")
		return err
	}

	im.logger.Info("import phase finished",
		"topology", in.ID,
		"institutions", len(in.Institutions),
		"nodes", len(in.Nodes),
		"links", len(in.Links),
		"disassociated", ph.disassociated,
		"deleted", ph.deleted,
	)
	return nil
}
