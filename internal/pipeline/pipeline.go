package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/importer"
	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

var tracer = otel.Tracer("github.com/grenmap/grenmap-node/internal/pipeline")

// Settings are the knobs a pipeline run reads. They are passed in
// explicitly; nothing is read from package state.
type Settings struct {
	// TestMode skips completeness resolution after an import.
	TestMode bool

	// RunRulesets runs every enabled Ruleset after an import.
	RunRulesets bool
}

// Pipeline runs import, completeness resolution and the Rulesets as one
// exclusive sequence of transactional phases.
type Pipeline struct {
	store    *store.Store
	importer *importer.Importer
	resolver *importer.Resolver
	runner   *collation.Runner
	locker   Locker
	settings Settings
	logger   *slog.Logger
	closers  []func() error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSettings replaces the run settings. By default rulesets run after
// each import and test mode is off.
func WithSettings(s Settings) Option {
	return func(p *Pipeline) {
		p.settings = s
	}
}

// WithLocker sets the lock held for the length of a run. The default is
// a LocalLocker.
func WithLocker(l Locker) Option {
	return func(p *Pipeline) {
		p.locker = l
	}
}

// WithImporter replaces the importer built from the pipeline's Store.
func WithImporter(im *importer.Importer) Option {
	return func(p *Pipeline) {
		p.importer = im
	}
}

// WithRunner replaces the collation runner built from the pipeline's
// Store.
func WithRunner(r *collation.Runner) Option {
	return func(p *Pipeline) {
		p.runner = r
	}
}

// WithLogger sets the logger of the pipeline and of the stages it
// creates itself.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// New creates a Pipeline over s. Stages not supplied through options are
// created with their defaults.
func New(s *store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    s,
		settings: Settings{RunRulesets: true},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.locker == nil {
		p.locker = NewLocalLocker()
	}
	if p.importer == nil {
		p.importer = importer.New(s, importer.WithLogger(p.logger))
	}
	if p.runner == nil {
		p.runner = collation.NewRunner(s, collation.WithLogger(p.logger))
	}
	p.resolver = importer.NewResolver(s, importer.WithResolverLogger(p.logger))
	return p
}

// Runner returns the Rule runner the pipeline uses.
func (p *Pipeline) Runner() *collation.Runner {
	return p.runner
}

// ImportOptions controls one Import.
type ImportOptions struct {
	ParentTopologyID string
}

// Result collects what each stage of an Import produced. Stages that did
// not run are nil.
type Result struct {
	Import       *importer.Report     `json:"import"`
	Completeness *importer.Resolution `json:"completeness,omitempty"`
	Rules        *collation.Report    `json:"rules,omitempty"`
}

// Import reconciles the Store with tree, folds borrowed elements into
// their originals and runs the Rulesets, holding the pipeline lock
// throughout. A stage error stops the sequence; phases already committed
// stay committed.
func (p *Pipeline) Import(ctx context.Context, tree *model.IncomingTopology, opts ImportOptions) (*Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Import", trace.WithAttributes(
		attribute.String("parent", opts.ParentTopologyID),
		attribute.Bool("test_mode", p.settings.TestMode),
	))
	defer span.End()

	result := &Result{}
	err := p.locked(ctx, func(ctx context.Context) error {
		report, err := p.importer.Import(ctx, tree, importer.Options{ParentTopologyID: opts.ParentTopologyID})
		result.Import = report
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}

		if !p.settings.TestMode {
			res, err := p.resolver.Resolve(ctx)
			if err != nil {
				return err
			}
			result.Completeness = &res
			report.Completeness = &res
			if err := p.importer.SaveReport(ctx, report); err != nil {
				return err
			}
		}

		if p.settings.RunRulesets {
			rules, err := p.runner.RunAll(ctx)
			result.Rules = &rules
			if err != nil {
				return fmt.Errorf("run rulesets: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		p.logger.Error("pipeline failed", "error", err)
		return result, err
	}

	p.logger.Info("pipeline finished", "run_id", result.Import.RunID, "status", result.Import.Status)
	return result, nil
}

// RunRulesets runs every enabled Ruleset under the pipeline lock.
func (p *Pipeline) RunRulesets(ctx context.Context) (collation.Report, error) {
	ctx, span := tracer.Start(ctx, "pipeline.RunRulesets")
	defer span.End()

	var report collation.Report
	err := p.locked(ctx, func(ctx context.Context) error {
		var err error
		report, err = p.runner.RunAll(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run rulesets failed")
	}
	return report, err
}

func (p *Pipeline) locked(ctx context.Context, fn func(context.Context) error) (err error) {
	unlock, err := p.locker.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			p.logger.Warn("pipeline lock release failed", "error", uerr)
			if err == nil {
				err = uerr
			}
		}
	}()
	return fn(ctx)
}
