package compiler

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"

	"github.com/grenmap/grenmap-node/internal/model"
)

// CompileRuleset parses a CUE value into a Ruleset.
//
// The CUE value should be the ruleset struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`ruleset: "Peering": { ... }`)
//	rs, err := CompileRuleset(v.LookupPath(cue.MakePath(cue.Str("ruleset"), cue.Str("Peering"))))
//
// priority defaults to model.DefaultPriority and enabled to true, for the Ruleset and every
// Rule. Rules come back in execution order.
func CompileRuleset(v cue.Value) (*model.Ruleset, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	rs := &model.Ruleset{Enabled: true, Rules: []model.Rule{}}
	rs.Name = lastLabel(v)
	if rs.Name == "" {
		return nil, &CompileError{Field: "ruleset", Message: "ruleset needs a name", Pos: v.Pos()}
	}

	var err error
	if rs.Priority, err = intField(v, "priority", model.DefaultPriority); err != nil {
		return nil, within(err, rs.Name, "")
	}
	if rs.Enabled, err = boolField(v, "enabled", true); err != nil {
		return nil, within(err, rs.Name, "")
	}

	rulesVal := v.LookupPath(cue.ParsePath("rule"))
	if rulesVal.Exists() {
		iter, err := rulesVal.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			rule, err := compileRule(iter.Label(), iter.Value())
			if err != nil {
				return nil, within(err, rs.Name, rule.Name)
			}
			rs.Rules = append(rs.Rules, rule)
		}
	}

	model.SortRules(rs.Rules)
	return rs, nil
}

func compileRule(name string, v cue.Value) (model.Rule, error) {
	rule := model.Rule{Name: name}

	var err error
	if rule.Priority, err = intField(v, "priority", model.DefaultPriority); err != nil {
		return rule, err
	}
	if rule.Enabled, err = boolField(v, "enabled", true); err != nil {
		return rule, err
	}

	steps, err := compileSteps(v, name, "match")
	if err != nil {
		return rule, err
	}
	rule.Matches = make([]model.MatchCriterion, 0, len(steps))
	for _, s := range steps {
		rule.Matches = append(rule.Matches, model.MatchCriterion{Type: s.typ, Info: s.info})
	}

	steps, err = compileSteps(v, name, "action")
	if err != nil {
		return rule, err
	}
	rule.Actions = make([]model.Action, 0, len(steps))
	for _, s := range steps {
		rule.Actions = append(rule.Actions, model.Action{Type: s.typ, Info: s.info})
	}
	return rule, nil
}

type step struct {
	typ  string
	info []model.Info
}

// compileSteps reads a list of {type, info} entries. Whether the types
// exist is checked by the rule validator, not here.
func compileSteps(v cue.Value, rule, field string) ([]step, error) {
	listVal := v.LookupPath(cue.ParsePath(field))
	if !listVal.Exists() {
		return nil, nil
	}

	iter, err := listVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []step
	for iter.Next() {
		item := iter.Value()

		typVal := item.LookupPath(cue.ParsePath("type"))
		if !typVal.Exists() {
			return nil, &CompileError{
				Field:   fmt.Sprintf("rule.%s.%s.type", rule, field),
				Message: "type is required",
				Pos:     item.Pos(),
			}
		}
		typ, err := typVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}

		s := step{typ: typ, info: []model.Info{}}
		infoVal := item.LookupPath(cue.ParsePath("info"))
		if infoVal.Exists() {
			infoIter, err := infoVal.Fields()
			if err != nil {
				return nil, formatCUEError(err)
			}
			for infoIter.Next() {
				value, err := scalarString(infoIter.Value())
				if err != nil {
					return nil, err
				}
				s.info = append(s.info, model.Info{Key: infoIter.Label(), Value: value})
			}
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// scalarString renders a concrete string, number or bool as the string
// stored in match and action info.
func scalarString(v cue.Value) (string, error) {
	switch v.Kind() {
	case cue.StringKind:
		s, err := v.String()
		return s, formatCUEError(err)
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return "", formatCUEError(err)
		}
		return strconv.FormatInt(n, 10), nil
	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return "", formatCUEError(err)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return "", formatCUEError(err)
		}
		return strconv.FormatBool(b), nil
	default:
		return "", &CompileError{
			Field:   "info",
			Message: fmt.Sprintf("info values must be concrete strings, numbers or booleans, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

func intField(v cue.Value, name string, def int) (int, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return def, nil
	}
	n, err := f.Int64()
	if err != nil {
		return def, &CompileError{Field: name, Message: "must be an integer", Pos: f.Pos()}
	}
	return int(n), nil
}

func boolField(v cue.Value, name string, def bool) (bool, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return def, nil
	}
	b, err := f.Bool()
	if err != nil {
		return def, &CompileError{Field: name, Message: "must be a boolean", Pos: f.Pos()}
	}
	return b, nil
}

func lastLabel(v cue.Value) string {
	sels := v.Path().Selectors()
	if len(sels) == 0 {
		return ""
	}
	label := sels[len(sels)-1].String()
	if unquoted, err := strconv.Unquote(label); err == nil {
		return unquoted
	}
	return label
}
