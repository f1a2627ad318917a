package store

import (
	"context"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
)

// SaveRuleset inserts a Ruleset with all of its Rules, Matches and Actions
// and fills in their store keys. Fails if a Ruleset of the same name exists.
func (t *Tx) SaveRuleset(ctx context.Context, rs *model.Ruleset) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO rulesets (name, priority, enabled) VALUES (?, ?, ?)`,
		rs.Name, rs.Priority, rs.Enabled)
	if err != nil {
		return fmt.Errorf("save ruleset %q: %w", rs.Name, err)
	}
	if rs.PK, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("save ruleset %q: %w", rs.Name, err)
	}

	for i := range rs.Rules {
		if err := t.saveRule(ctx, rs.PK, &rs.Rules[i]); err != nil {
			return fmt.Errorf("save ruleset %q: %w", rs.Name, err)
		}
	}
	return nil
}

func (t *Tx) saveRule(ctx context.Context, rulesetPK int64, r *model.Rule) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO rules (ruleset_pk, name, priority, enabled) VALUES (?, ?, ?, ?)`,
		rulesetPK, r.Name, r.Priority, r.Enabled)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	if r.PK, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}

	for i := range r.Matches {
		m := &r.Matches[i]
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO match_criteria (rule_pk, match_type, position) VALUES (?, ?, ?)`,
			r.PK, m.Type, i)
		if err != nil {
			return fmt.Errorf("rule %q match %q: %w", r.Name, m.Type, err)
		}
		if m.PK, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("rule %q match %q: %w", r.Name, m.Type, err)
		}
		for _, info := range m.Info {
			if _, err := t.tx.ExecContext(ctx,
				`INSERT INTO match_info (criterion_pk, key, value) VALUES (?, ?, ?)`,
				m.PK, info.Key, info.Value); err != nil {
				return fmt.Errorf("rule %q match info %q: %w", r.Name, info.Key, err)
			}
		}
	}

	for i := range r.Actions {
		a := &r.Actions[i]
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO actions (rule_pk, action_type, position) VALUES (?, ?, ?)`,
			r.PK, a.Type, i)
		if err != nil {
			return fmt.Errorf("rule %q action %q: %w", r.Name, a.Type, err)
		}
		if a.PK, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("rule %q action %q: %w", r.Name, a.Type, err)
		}
		for _, info := range a.Info {
			if _, err := t.tx.ExecContext(ctx,
				`INSERT INTO action_info (action_pk, key, value) VALUES (?, ?, ?)`,
				a.PK, info.Key, info.Value); err != nil {
				return fmt.Errorf("rule %q action info %q: %w", r.Name, info.Key, err)
			}
		}
	}
	return nil
}

// DeleteRuleset removes the Ruleset with the given name and everything
// under it. Reports whether one existed.
func (t *Tx) DeleteRuleset(ctx context.Context, name string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM rulesets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete ruleset %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete ruleset %q: %w", name, err)
	}
	return n > 0, nil
}

// ReplaceRuleset stores rs in place of any Ruleset sharing its name. The
// old Rules are dropped entirely, not merged.
func (t *Tx) ReplaceRuleset(ctx context.Context, rs *model.Ruleset) (replaced bool, err error) {
	if replaced, err = t.DeleteRuleset(ctx, rs.Name); err != nil {
		return false, err
	}
	return replaced, t.SaveRuleset(ctx, rs)
}

// GetRuleset loads the Ruleset with the given name.
func (t *Tx) GetRuleset(ctx context.Context, name string) (model.Ruleset, error) {
	sets, err := t.queryRulesets(ctx, "name = ?", name)
	if err != nil {
		return model.Ruleset{}, err
	}
	if len(sets) == 0 {
		return model.Ruleset{}, fmt.Errorf("ruleset %q: %w", name, ErrNotFound)
	}
	return sets[0], nil
}

// ListRulesets returns every Ruleset with its Rules, in execution order.
func (t *Tx) ListRulesets(ctx context.Context) ([]model.Ruleset, error) {
	sets, err := t.queryRulesets(ctx, "1 = 1")
	if err != nil {
		return nil, err
	}
	model.SortRulesets(sets)
	return sets, nil
}

func (t *Tx) queryRulesets(ctx context.Context, where string, args ...any) ([]model.Ruleset, error) {
	sets := []model.Ruleset{}
	err := t.eachRow(ctx, "SELECT pk, name, priority, enabled FROM rulesets WHERE "+where+" ORDER BY pk ASC", args,
		func(s scanner) error {
			var rs model.Ruleset
			if err := s.Scan(&rs.PK, &rs.Name, &rs.Priority, &rs.Enabled); err != nil {
				return err
			}
			sets = append(sets, rs)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query rulesets: %w", err)
	}

	for i := range sets {
		if sets[i].Rules, err = t.loadRules(ctx, sets[i].PK); err != nil {
			return nil, err
		}
	}
	return sets, nil
}

func (t *Tx) loadRules(ctx context.Context, rulesetPK int64) ([]model.Rule, error) {
	rules := []model.Rule{}
	err := t.eachRow(ctx, `SELECT pk, name, priority, enabled FROM rules WHERE ruleset_pk = ? ORDER BY pk ASC`,
		[]any{rulesetPK},
		func(s scanner) error {
			var r model.Rule
			if err := s.Scan(&r.PK, &r.Name, &r.Priority, &r.Enabled); err != nil {
				return err
			}
			rules = append(rules, r)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}

	for i := range rules {
		r := &rules[i]
		r.Matches = []model.MatchCriterion{}
		err := t.eachRow(ctx, `SELECT pk, match_type FROM match_criteria WHERE rule_pk = ? ORDER BY position ASC, pk ASC`,
			[]any{r.PK},
			func(s scanner) error {
				var m model.MatchCriterion
				if err := s.Scan(&m.PK, &m.Type); err != nil {
					return err
				}
				r.Matches = append(r.Matches, m)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("query match criteria: %w", err)
		}
		for j := range r.Matches {
			if r.Matches[j].Info, err = t.loadInfo(ctx, "match_info", "criterion_pk", r.Matches[j].PK); err != nil {
				return nil, err
			}
		}

		r.Actions = []model.Action{}
		err = t.eachRow(ctx, `SELECT pk, action_type FROM actions WHERE rule_pk = ? ORDER BY position ASC, pk ASC`,
			[]any{r.PK},
			func(s scanner) error {
				var a model.Action
				if err := s.Scan(&a.PK, &a.Type); err != nil {
					return err
				}
				r.Actions = append(r.Actions, a)
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("query actions: %w", err)
		}
		for j := range r.Actions {
			if r.Actions[j].Info, err = t.loadInfo(ctx, "action_info", "action_pk", r.Actions[j].PK); err != nil {
				return nil, err
			}
		}
	}

	model.SortRules(rules)
	return rules, nil
}

// loadInfo reads the key/value rows of one match criterion or action.
// table and column are fixed identifiers, never user input.
func (t *Tx) loadInfo(ctx context.Context, table, column string, pk int64) ([]model.Info, error) {
	info := []model.Info{}
	err := t.eachRow(ctx, "SELECT key, value FROM "+table+" WHERE "+column+" = ? ORDER BY pk ASC", []any{pk},
		func(s scanner) error {
			var i model.Info
			if err := s.Scan(&i.Key, &i.Value); err != nil {
				return err
			}
			info = append(info, i)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return info, nil
}
