package collation

import (
	"context"
	"fmt"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// Names of the Rulesets every node starts with.
const (
	CustomRulesetName  = "Custom ID Collision Resolution"
	DefaultRulesetName = "Default ID Collision Resolution"
)

// DefaultRulesets returns the ID collision Rulesets. The custom Ruleset is
// empty and runs first so operators can add Rules ahead of the defaults.
func DefaultRulesets() []model.Ruleset {
	custom := model.Ruleset{
		Name:     CustomRulesetName,
		Priority: -1,
		Enabled:  true,
		Rules:    []model.Rule{},
	}

	def := model.Ruleset{
		Name:     DefaultRulesetName,
		Priority: 0,
		Enabled:  true,
	}
	for i, kind := range model.ElementKinds {
		label := kind.Label()
		def.Rules = append(def.Rules, model.Rule{
			Name:     fmt.Sprintf("Default %s ID Collision Resolution", label),
			Priority: i,
			Enabled:  true,
			Matches: []model.MatchCriterion{
				{Type: "Match Duplicate " + pluralLabel(kind), Info: []model.Info{}},
			},
			Actions: []model.Action{
				{Type: "Keep Newest " + label, Info: []model.Info{}},
			},
		})
	}
	return []model.Ruleset{custom, def}
}

// SeedDefaults stores the default Rulesets that do not exist yet, leaving
// existing Rulesets of the same name untouched. Returns the names created.
func SeedDefaults(ctx context.Context, s *store.Store) ([]string, error) {
	created := []string{}
	err := s.Update(ctx, func(tx *store.Tx) error {
		for _, rs := range DefaultRulesets() {
			_, err := tx.GetRuleset(ctx, rs.Name)
			if err == nil {
				continue
			}
			if !store.IsNotFound(err) {
				return err
			}
			if err := tx.SaveRuleset(ctx, &rs); err != nil {
				return err
			}
			created = append(created, rs.Name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed default rulesets: %w", err)
	}
	return created, nil
}
