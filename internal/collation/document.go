package collation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// DocumentFormat selects the encoding of a ruleset document.
type DocumentFormat string

const (
	FormatJSON DocumentFormat = "json"
	FormatYAML DocumentFormat = "yaml"
)

type infoDoc struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type matchDoc struct {
	MatchType string    `json:"match_type" yaml:"match_type"`
	Info      []infoDoc `json:"matchinfo_set" yaml:"matchinfo_set"`
}

type actionDoc struct {
	ActionType string    `json:"action_type" yaml:"action_type"`
	Info       []infoDoc `json:"actioninfo_set" yaml:"actioninfo_set"`
}

type ruleDoc struct {
	Name     string      `json:"name" yaml:"name"`
	Priority *int        `json:"priority" yaml:"priority"`
	Enabled  *bool       `json:"enabled" yaml:"enabled"`
	Matches  []matchDoc  `json:"match_criteria" yaml:"match_criteria"`
	Actions  []actionDoc `json:"actions" yaml:"actions"`
}

type rulesetDoc struct {
	Name     string    `json:"name" yaml:"name"`
	Priority *int      `json:"priority" yaml:"priority"`
	Enabled  *bool     `json:"enabled" yaml:"enabled"`
	Rules    []ruleDoc `json:"rules" yaml:"rules"`
	// RuleSet is the alternative spelling of Rules found in older exports.
	RuleSet []ruleDoc `json:"rule_set,omitempty" yaml:"rule_set,omitempty"`
}

// ParseDocument reads a JSON or YAML ruleset document. The top level must
// be a list of Rulesets.
func ParseDocument(data []byte) ([]model.Ruleset, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &DocumentError{Message: "cannot parse document", Err: err}
	}
	if len(root.Content) == 0 {
		return []model.Ruleset{}, nil
	}
	if root.Content[0].Kind != yaml.SequenceNode {
		return nil, &DocumentError{Message: "top level must be a list of rulesets"}
	}

	var docs []rulesetDoc
	if err := root.Content[0].Decode(&docs); err != nil {
		return nil, &DocumentError{Message: "cannot decode rulesets", Err: err}
	}

	sets := make([]model.Ruleset, 0, len(docs))
	for i, d := range docs {
		rs, err := d.ruleset()
		if err != nil {
			if d.Name == "" {
				return nil, &DocumentError{Message: fmt.Sprintf("ruleset #%d: %v", i+1, err)}
			}
			return nil, &DocumentError{Ruleset: d.Name, Message: err.Error()}
		}
		sets = append(sets, rs)
	}
	return sets, nil
}

func (d rulesetDoc) ruleset() (model.Ruleset, error) {
	if d.Name == "" {
		return model.Ruleset{}, errors.New("missing name")
	}
	rs := model.Ruleset{
		Name:     d.Name,
		Priority: priority(d.Priority),
		Enabled:  enabled(d.Enabled),
		Rules:    []model.Rule{},
	}
	rules := d.Rules
	if len(rules) == 0 {
		rules = d.RuleSet
	}
	for _, rd := range rules {
		if rd.Name == "" {
			return model.Ruleset{}, errors.New("rule missing name")
		}
		rule := model.Rule{
			Name:     rd.Name,
			Priority: priority(rd.Priority),
			Enabled:  enabled(rd.Enabled),
			Matches:  make([]model.MatchCriterion, 0, len(rd.Matches)),
			Actions:  make([]model.Action, 0, len(rd.Actions)),
		}
		for _, md := range rd.Matches {
			rule.Matches = append(rule.Matches, model.MatchCriterion{Type: md.MatchType, Info: infoFromDoc(md.Info)})
		}
		for _, ad := range rd.Actions {
			rule.Actions = append(rule.Actions, model.Action{Type: ad.ActionType, Info: infoFromDoc(ad.Info)})
		}
		rs.Rules = append(rs.Rules, rule)
	}
	model.SortRules(rs.Rules)
	return rs, nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func priority(p *int) int {
	if p == nil {
		return model.DefaultPriority
	}
	return *p
}

func infoFromDoc(docs []infoDoc) []model.Info {
	out := make([]model.Info, len(docs))
	for i, d := range docs {
		out[i] = model.Info{Key: d.Key, Value: d.Value}
	}
	return out
}

func infoToDoc(info []model.Info) []infoDoc {
	out := make([]infoDoc, len(info))
	for i, in := range info {
		out[i] = infoDoc{Key: in.Key, Value: in.Value}
	}
	return out
}

// EncodeDocument writes sets as a ruleset document.
func EncodeDocument(w io.Writer, sets []model.Ruleset, format DocumentFormat) error {
	docs := make([]rulesetDoc, 0, len(sets))
	for _, rs := range sets {
		on, prio := rs.Enabled, rs.Priority
		d := rulesetDoc{Name: rs.Name, Priority: &prio, Enabled: &on, Rules: make([]ruleDoc, 0, len(rs.Rules))}
		for _, rule := range rs.Rules {
			ruleOn, rulePrio := rule.Enabled, rule.Priority
			rd := ruleDoc{
				Name:     rule.Name,
				Priority: &rulePrio,
				Enabled:  &ruleOn,
				Matches:  make([]matchDoc, 0, len(rule.Matches)),
				Actions:  make([]actionDoc, 0, len(rule.Actions)),
			}
			for _, m := range rule.Matches {
				rd.Matches = append(rd.Matches, matchDoc{MatchType: m.Type, Info: infoToDoc(m.Info)})
			}
			for _, a := range rule.Actions {
				rd.Actions = append(rd.Actions, actionDoc{ActionType: a.Type, Info: infoToDoc(a.Info)})
			}
			d.Rules = append(d.Rules, rd)
		}
		docs = append(docs, d)
	}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return fmt.Errorf("encode ruleset document: %w", err)
		}
		return enc.Close()
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(docs); err != nil {
			return fmt.Errorf("encode ruleset document: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown document format %q", format)
	}
}

// Export writes every stored Ruleset to w in execution order.
func Export(ctx context.Context, s *store.Store, w io.Writer, format DocumentFormat) error {
	var sets []model.Ruleset
	err := s.View(ctx, func(tx *store.Tx) error {
		var err error
		sets, err = tx.ListRulesets(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("export rulesets: %w", err)
	}
	return EncodeDocument(w, sets, format)
}

// ImportResult describes what an Import stored.
type ImportResult struct {
	Created  []string `json:"created"`
	Replaced []string `json:"replaced"`
	// Rejected holds one *DocumentError per Ruleset that was rolled back.
	Rejected []error `json:"-"`
}

// Import stores every Ruleset of a document, replacing Rulesets of the same
// name. Each Ruleset is stored in its own transaction; one naming a Match
// or Action type unknown to reg is rolled back and listed in Rejected while
// the rest are imported. Rules are not otherwise validated, so a Rule with
// bad info is stored and reported Invalid when it runs.
func Import(ctx context.Context, s *store.Store, reg *Registry, data []byte) (ImportResult, error) {
	res := ImportResult{Created: []string{}, Replaced: []string{}}

	sets, err := ParseDocument(data)
	if err != nil {
		return res, err
	}

	for i := range sets {
		rs := sets[i]
		var replaced bool
		err := s.Update(ctx, func(tx *store.Tx) error {
			var err error
			if replaced, err = tx.ReplaceRuleset(ctx, &rs); err != nil {
				return err
			}
			return checkTypes(reg, rs)
		})
		var de *DocumentError
		switch {
		case errors.As(err, &de):
			res.Rejected = append(res.Rejected, de)
		case err != nil:
			return res, fmt.Errorf("import ruleset %q: %w", rs.Name, err)
		case replaced:
			res.Replaced = append(res.Replaced, rs.Name)
		default:
			res.Created = append(res.Created, rs.Name)
		}
	}
	return res, nil
}

func checkTypes(reg *Registry, rs model.Ruleset) error {
	for _, rule := range rs.Rules {
		for _, m := range rule.Matches {
			if _, ok := reg.Match(m.Type); !ok {
				return &DocumentError{Ruleset: rs.Name, Message: fmt.Sprintf("rule %q: unknown match type %q", rule.Name, m.Type)}
			}
		}
		for _, a := range rule.Actions {
			if _, ok := reg.Action(a.Type); !ok {
				return &DocumentError{Ruleset: rs.Name, Message: fmt.Sprintf("rule %q: unknown action type %q", rule.Name, a.Type)}
			}
		}
	}
	return nil
}
