package collation

import (
	"context"
	"errors"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// RuleCheck is the validation result of one stored Rule.
type RuleCheck struct {
	Ruleset string          `json:"ruleset"`
	Rule    string          `json:"rule"`
	Enabled bool            `json:"enabled"`
	Kind    model.Kind      `json:"kind,omitempty"`
	Code    ConfigErrorCode `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Valid reports whether the Rule passed validation.
func (c RuleCheck) Valid() bool {
	return c.Error == ""
}

// Check validates every stored Rule without running any of them. Disabled
// Rules and Rulesets are checked too.
func (r *Runner) Check(ctx context.Context) ([]RuleCheck, error) {
	var sets []model.Ruleset
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		sets, err = tx.ListRulesets(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load rulesets: %w", err)
	}
	return r.registry.CheckRulesets(sets), nil
}

// CheckRulesets validates the Rules of sets in execution order.
func (r *Registry) CheckRulesets(sets []model.Ruleset) []RuleCheck {
	checks := []RuleCheck{}
	for _, rs := range sets {
		for _, rule := range rs.Rules {
			c := RuleCheck{Ruleset: rs.Name, Rule: rule.Name, Enabled: rs.Enabled && rule.Enabled}
			kind, err := r.Validate(rule)
			if err != nil {
				c.Error = err.Error()
				var ce *ConfigError
				if errors.As(err, &ce) {
					c.Code = ce.Code
				}
			}
			c.Kind = kind
			checks = append(checks, c)
		}
	}
	return checks
}

// LastRuns returns the persisted last run of every Rule.
func (r *Runner) LastRuns(ctx context.Context) ([]store.RuleRun, error) {
	var runs []store.RuleRun
	err := r.store.View(ctx, func(tx *store.Tx) error {
		var err error
		runs, err = tx.RuleRuns(ctx)
		return err
	})
	return runs, err
}
