package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/grenmap/grenmap-node/internal/collation"
	"github.com/grenmap/grenmap-node/internal/importer"
	"github.com/grenmap/grenmap-node/internal/pipeline"
	"github.com/grenmap/grenmap-node/internal/store"
	"github.com/grenmap/grenmap-node/internal/testutil"
)

// Harness is the scenario execution engine. It drives a real pipeline
// whose run IDs, clock and default element IDs are deterministic, so the
// same scenario always produces the same events and store.
type Harness struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database in a temporary directory.
//
// Execution flow:
// 1. Open a fresh store with deterministic element IDs
// 2. Seed the default Rulesets if asked
// 3. Execute the steps through the pipeline
// 4. Snapshot the store and evaluate the assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "grenmap-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	det := testutil.NewDeterministic()
	st, err := store.Open(filepath.Join(dir, "grenmap.db"), store.WithIDGenerator(det.ElementID))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, det, scenario.Settings)

	if scenario.SeedDefaults {
		if _, err := collation.SeedDefaults(ctx, st); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.executeStep(ctx, i+1, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Type(), err)
		}
		result.AddStep(ev)
	}

	snap, err := st.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	result.Snapshot = snap

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(st *store.Store, det *testutil.Deterministic, settings Settings) *Harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	imp := importer.New(st,
		importer.WithRunIDs(det.Imports),
		importer.WithClock(det.Clock),
		importer.WithLogger(logger),
	)
	runner := collation.NewRunner(st,
		collation.WithRunIDs(det.Rules),
		collation.WithClock(det.Clock),
		collation.WithLogger(logger),
	)

	p := pipeline.New(st,
		pipeline.WithSettings(pipeline.Settings{
			TestMode:    settings.TestMode,
			RunRulesets: settings.RunRulesets,
		}),
		pipeline.WithImporter(imp),
		pipeline.WithRunner(runner),
		pipeline.WithLogger(logger),
	)

	return &Harness{
		store:    st,
		pipeline: p,
		logger:   logger,
	}
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step) (StepEvent, error) {
	ev := StepEvent{Step: n, Type: step.Type()}

	switch ev.Type {
	case StepRulesets:
		return ev, h.importRulesets(ctx, step, &ev)
	case StepImport:
		return ev, h.importTree(ctx, step.Import, &ev)
	case StepRules:
		report, err := h.pipeline.RunRulesets(ctx)
		if err != nil {
			return ev, err
		}
		ev.RunID = report.RunID
		ev.Rules = ruleEvents(report)
		return ev, nil
	}
	return ev, fmt.Errorf("step has no operation")
}

func (h *Harness) importRulesets(ctx context.Context, step Step, ev *StepEvent) error {
	data, err := step.Document()
	if err != nil {
		return err
	}
	res, err := collation.Import(ctx, h.store, h.pipeline.Runner().Registry(), data)
	if err != nil {
		return err
	}

	ev.Rulesets = []string{}
	for _, name := range res.Created {
		ev.Rulesets = append(ev.Rulesets, "created "+name)
	}
	for _, name := range res.Replaced {
		ev.Rulesets = append(ev.Rulesets, "replaced "+name)
	}
	for _, rerr := range res.Rejected {
		var de *collation.DocumentError
		if errors.As(rerr, &de) {
			ev.Rulesets = append(ev.Rulesets, "rejected "+de.Ruleset)
		}
	}
	return nil
}

func (h *Harness) importTree(ctx context.Context, in *ImportStep, ev *StepEvent) error {
	tree, err := in.DecodeTree()
	if err != nil {
		return err
	}

	res, err := h.pipeline.Import(ctx, tree, pipeline.ImportOptions{ParentTopologyID: in.Parent})
	if res == nil || res.Import == nil {
		return err
	}
	ev.RunID = res.Import.RunID
	ev.Status = string(res.Import.Status)
	for _, p := range res.Import.Problems {
		ev.Problems = append(ev.Problems, string(p.Code))
	}
	if res.Rules != nil {
		ev.Rules = ruleEvents(*res.Rules)
	}

	// An aborted import is an outcome scenarios assert on, not a harness
	// failure.
	if err != nil && res.Import.Status != importer.StatusAborted {
		return err
	}
	return nil
}

func ruleEvents(report collation.Report) []RuleEvent {
	out := make([]RuleEvent, 0, len(report.Rules))
	for _, rl := range report.Rules {
		out = append(out, RuleEvent{
			Ruleset:  rl.Ruleset,
			Rule:     rl.Rule,
			Status:   string(rl.Status),
			Matched:  len(rl.Matched),
			Failures: rl.Failures(),
		})
	}
	return out
}
