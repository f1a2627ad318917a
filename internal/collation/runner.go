package collation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/runid"
	"github.com/grenmap/grenmap-node/internal/store"
)

var tracer = otel.Tracer("github.com/grenmap/grenmap-node/internal/collation")

// Runner executes Rulesets against a Store.
//
// Rules run strictly one after another. Each Rule gets its own
// transaction, and each matched element its own savepoint inside it, so a
// failure never leaves an element half-processed.
type Runner struct {
	store    *store.Store
	registry *Registry
	runIDs   runid.Generator
	clock    runid.Clock
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithRegistry replaces the built-in Match and Action kinds.
func WithRegistry(reg *Registry) Option {
	return func(r *Runner) {
		r.registry = reg
	}
}

// WithRunIDs sets the generator for run IDs.
func WithRunIDs(gen runid.Generator) Option {
	return func(r *Runner) {
		r.runIDs = gen
	}
}

// WithClock sets the clock used to stamp persisted Rule runs.
func WithClock(c runid.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner over s.
func NewRunner(s *store.Store, opts ...Option) *Runner {
	r := &Runner{
		store:    s,
		registry: DefaultRegistry(),
		runIDs:   runid.UUIDv7Generator{},
		clock:    runid.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the registry the Runner resolves type names with.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// RunAll runs every enabled Ruleset in ascending priority order.
//
// Invalid and failed Rules are logged and skipped. The returned error is
// non-nil only for systemic failures (the store could not be read, or a
// Rule's outcome could not be recorded); the report then holds the Rules
// that ran before the failure.
func (r *Runner) RunAll(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "collation.RunAll")
	defer span.End()

	report := Report{RunID: r.runIDs.Generate(), Rules: []RuleLog{}}
	span.SetAttributes(attribute.String("run_id", report.RunID))

	var sets []model.Ruleset
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		sets, err = tx.ListRulesets(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load rulesets")
		return report, fmt.Errorf("load rulesets: %w", err)
	}

	for _, rs := range sets {
		if !rs.Enabled {
			continue
		}
		logs, err := r.runRuleset(ctx, report.RunID, rs)
		report.Rules = append(report.Rules, logs...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run rulesets")
			return report, err
		}
	}

	counts := report.Counts()
	span.SetAttributes(
		attribute.Int("rules.completed", counts[StatusCompleted]),
		attribute.Int("rules.invalid", counts[StatusInvalid]),
		attribute.Int("rules.failed", counts[StatusFailed]),
	)
	r.logger.Info("rulesets applied",
		"run_id", report.RunID,
		"completed", counts[StatusCompleted],
		"invalid", counts[StatusInvalid],
		"failed", counts[StatusFailed],
	)
	return report, nil
}

// RunRuleset runs the enabled Rules of one Ruleset, whether or not the
// Ruleset itself is enabled.
func (r *Runner) RunRuleset(ctx context.Context, name string) (Report, error) {
	report := Report{RunID: r.runIDs.Generate(), Rules: []RuleLog{}}

	var rs model.Ruleset
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		rs, err = tx.GetRuleset(ctx, name)
		return err
	})
	if err != nil {
		return report, fmt.Errorf("load ruleset %q: %w", name, err)
	}

	report.Rules, err = r.runRuleset(ctx, report.RunID, rs)
	return report, err
}

func (r *Runner) runRuleset(ctx context.Context, runID string, rs model.Ruleset) ([]RuleLog, error) {
	logs := make([]RuleLog, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		rl, err := r.runRule(ctx, runID, rs.Name, rule)
		logs = append(logs, rl)
		if err != nil {
			return logs, err
		}
	}
	return logs, nil
}

// runRule drives one Rule through its state machine and persists the
// outcome.
func (r *Runner) runRule(ctx context.Context, runID, ruleset string, rule model.Rule) (RuleLog, error) {
	ctx, span := tracer.Start(ctx, "collation.Rule", trace.WithAttributes(
		attribute.String("ruleset", ruleset),
		attribute.String("rule", rule.Name),
	))
	defer span.End()

	rl := RuleLog{
		Ruleset:    ruleset,
		Rule:       rule.Name,
		RulePK:     rule.PK,
		Status:     StatusPending,
		Matched:    []int64{},
		ActionLogs: []ActionLog{},
	}

	kind, err := r.registry.Validate(rule)
	if err != nil {
		rl.transition(StatusInvalid)
		rl.Message = err.Error()
		span.SetAttributes(attribute.String("status", string(rl.Status)))
		r.logger.Warn("rule misconfiguration detected", "ruleset", ruleset, "rule", rule.Name, "error", err)
		return rl, r.record(ctx, runID, rl)
	}
	rl.Kind = kind
	rl.transition(StatusValidated)

	if err := r.execute(ctx, runID, &rl, rule); err != nil {
		rl.transition(StatusFailed)
		rl.Message = "rule rolled back: " + err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rule failed")
		r.logger.Error("apply rule failed", "ruleset", ruleset, "rule", rule.Name, "error", err)
		return rl, r.record(ctx, runID, rl)
	}

	rl.transition(StatusCompleted)
	span.SetAttributes(
		attribute.String("status", string(rl.Status)),
		attribute.Int("matched", len(rl.Matched)),
		attribute.Int("failures", rl.Failures()),
	)
	return rl, nil
}

// execute runs the Match and Action chains of a validated Rule in one
// transaction and records the completed run inside it. A panic anywhere in
// the Rule is returned as an error after the transaction rolls back.
func (r *Runner) execute(ctx context.Context, runID string, rl *RuleLog, rule model.Rule) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	return r.store.Update(ctx, func(tx *store.Tx) error {
		set, err := tx.ListElements(ctx, rl.Kind)
		if err != nil {
			return err
		}
		r.logger.Debug("rule starting", "rule", rule.Name, "kind", rl.Kind, "elements", len(set))

		for _, m := range rule.Matches {
			if len(set) == 0 {
				break
			}
			mt, _ := r.registry.Match(m.Type)
			set, err = mt.Filter(ctx, tx, set, model.InfoMap(m.Info))
			if err != nil {
				return fmt.Errorf("match %q: %w", m.Type, err)
			}
			r.logger.Debug("rule narrowed", "rule", rule.Name, "match", m.Type, "elements", len(set))
		}

		for _, e := range set {
			rl.Matched = append(rl.Matched, e.PK)
		}
		r.logger.Info("rule running actions", "rule", rule.Name, "kind", rl.Kind, "matched", len(set))

		for _, e := range set {
			if err := r.actOn(ctx, tx, rl, rule, e.PK); err != nil {
				return err
			}
		}

		done := *rl
		done.Status = StatusCompleted
		return recordRun(ctx, tx, runID, done, r.clock.Now())
	})
}

// actOn runs the Action chain of a Rule on one matched element. Errors
// returned are systemic; Action failures become failed ActionLogs.
func (r *Runner) actOn(ctx context.Context, tx *store.Tx, rl *RuleLog, rule model.Rule, pk int64) error {
	cur, err := tx.GetElement(ctx, pk)
	if store.IsNotFound(err) {
		r.logger.Debug("skipping actions on element that no longer exists", "rule", rule.Name, "pk", pk)
		return nil
	}
	if err != nil {
		return err
	}

	for _, a := range rule.Actions {
		at, _ := r.registry.Action(a.Type)
		info := model.InfoMap(a.Info)

		var out Outcome
		err := tx.Savepoint(ctx, func() error {
			var err error
			out, err = at.Apply(ctx, tx, cur, info)
			return err
		})

		al := ActionLog{Action: at.Name, Element: cur.LogString()}
		if err != nil {
			if errors.Is(err, store.ErrSavepointRollback) || ctx.Err() != nil {
				return err
			}
			al.Outcome = OutcomeFailed
			al.Message = err.Error()
			var ae *ApplyError
			if errors.As(err, &ae) {
				al.Code = string(ae.Code)
			}
			rl.ActionLogs = append(rl.ActionLogs, al)
			r.logger.Warn("action aborted", "rule", rule.Name, "action", at.Name, "element", al.Element, "error", err)
			return nil
		}

		al.Target = out.Target
		al.Message = out.Message
		al.Affected = out.Affected
		al.Outcome = OutcomeSucceeded
		if out.NoOp {
			al.Outcome = OutcomeNoOp
		}
		rl.ActionLogs = append(rl.ActionLogs, al)
		r.logger.Debug("action applied", "rule", rule.Name, "action", at.Name, "message", out.Message)

		if out.Next == nil {
			return nil
		}
		cur, err = tx.GetElement(ctx, out.Next.PK)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// record persists a Rule run in its own transaction.
func (r *Runner) record(ctx context.Context, runID string, rl RuleLog) error {
	if rl.RulePK == 0 {
		return nil
	}
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		return recordRun(ctx, tx, runID, rl, r.clock.Now())
	})
	if err != nil {
		return fmt.Errorf("record run of rule %q: %w", rl.Rule, err)
	}
	return nil
}

func recordRun(ctx context.Context, tx *store.Tx, runID string, rl RuleLog, at time.Time) error {
	if rl.RulePK == 0 {
		return nil
	}
	payload, err := json.Marshal(rl)
	if err != nil {
		return fmt.Errorf("encode rule log: %w", err)
	}
	return tx.RecordRuleRun(ctx, store.RuleRun{
		RulePK:     rl.RulePK,
		RunID:      runID,
		Status:     string(rl.Status),
		Matched:    len(rl.Matched),
		Failures:   rl.Failures(),
		Message:    rl.Message,
		Log:        string(payload),
		FinishedAt: at,
	})
}
