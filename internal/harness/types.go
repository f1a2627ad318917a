package harness

import (
	"github.com/grenmap/grenmap-node/internal/store"
)

// StepEvent records what one scenario step reported. Fields that do not
// apply to the step type are left empty.
type StepEvent struct {
	Step int    `json:"step"` // 1-based
	Type string `json:"type"` // "rulesets", "import" or "rules"

	RunID    string   `json:"run_id,omitempty"`
	Status   string   `json:"status,omitempty"`
	Problems []string `json:"problems,omitempty"`

	// Rulesets lists "created <name>", "replaced <name>" and
	// "rejected <name>" for a rulesets step, in that order.
	Rulesets []string `json:"rulesets,omitempty"`

	// Rules holds one event per Rule of a rules step, or of an import
	// step that ran the Rulesets.
	Rules []RuleEvent `json:"rules,omitempty"`
}

// RuleEvent is the outcome of one Rule.
type RuleEvent struct {
	Ruleset  string `json:"ruleset"`
	Rule     string `json:"rule"`
	Status   string `json:"status"`
	Matched  int    `json:"matched"`
	Failures int    `json:"failures"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step ran and every assertion
	// held.
	Pass bool `json:"pass"`

	// Steps holds one event per step, in order.
	Steps []StepEvent `json:"steps"`

	// Snapshot is the element graph after the last step.
	Snapshot store.Snapshot `json:"snapshot"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step event.
func (r *Result) AddStep(ev StepEvent) {
	r.Steps = append(r.Steps, ev)
}

// lastStep returns the event of the given step, or when step is zero the
// last event of type typ.
func (r *Result) lastStep(typ string, step int) (StepEvent, bool) {
	if step > 0 {
		if step > len(r.Steps) {
			return StepEvent{}, false
		}
		return r.Steps[step-1], true
	}
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Type == typ {
			return r.Steps[i], true
		}
	}
	return StepEvent{}, false
}
