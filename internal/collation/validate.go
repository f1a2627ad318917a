package collation

import (
	"github.com/grenmap/grenmap-node/internal/model"
)

// Validate checks that a Rule can run: it has at least one Match and one
// Action, every type name is registered, all of them agree on one element
// kind, and every Info set carries exactly the keys its type accepts.
// Returns the Rule's element kind, or a *ConfigError.
func (r *Registry) Validate(rule model.Rule) (model.Kind, error) {
	if len(rule.Matches) == 0 {
		return "", newConfigError(ErrCodeEmptyRule, rule.Name, "rule has no match criteria")
	}
	if len(rule.Actions) == 0 {
		return "", newConfigError(ErrCodeEmptyRule, rule.Name, "rule has no actions")
	}

	var kind model.Kind
	agree := func(k model.Kind, typeName string) error {
		if kind == "" {
			kind = k
			return nil
		}
		if k != kind {
			err := newConfigError(ErrCodeTypeMismatch, rule.Name,
				"%q operates on %s elements, the rule on %s elements", typeName, k, kind)
			err.Details = map[string]string{"expected": string(kind), "got": string(k)}
			return err
		}
		return nil
	}

	for _, m := range rule.Matches {
		mt, ok := r.Match(m.Type)
		if !ok {
			return "", newConfigError(ErrCodeUnknownMatch, rule.Name, "unknown match type %q", m.Type)
		}
		if err := agree(mt.Kind, mt.Name); err != nil {
			return "", err
		}
		if err := checkInfo(rule.Name, mt.Name, mt.Required, mt.Optional, m.Info); err != nil {
			return "", err
		}
	}
	for _, a := range rule.Actions {
		at, ok := r.Action(a.Type)
		if !ok {
			return "", newConfigError(ErrCodeUnknownAction, rule.Name, "unknown action type %q", a.Type)
		}
		if err := agree(at.Kind, at.Name); err != nil {
			return "", err
		}
		if err := checkInfo(rule.Name, at.Name, at.Required, at.Optional, a.Info); err != nil {
			return "", err
		}
	}
	return kind, nil
}

func checkInfo(rule, typeName string, required, optional []string, info []model.Info) error {
	seen := make(map[string]int, len(info))
	for _, i := range info {
		seen[i.Key]++
	}

	for _, key := range required {
		switch seen[key] {
		case 0:
			err := newConfigError(ErrCodeMissingInfo, rule, "%q requires info key %q", typeName, key)
			err.Details = map[string]string{"type": typeName, "key": key}
			return err
		case 1:
		default:
			err := newConfigError(ErrCodeDuplicateInfo, rule, "%q info key %q given %d times", typeName, key, seen[key])
			err.Details = map[string]string{"type": typeName, "key": key}
			return err
		}
	}

	allowed := make(map[string]bool, len(required)+len(optional))
	for _, k := range required {
		allowed[k] = true
	}
	for _, k := range optional {
		allowed[k] = true
	}
	for _, i := range info {
		if seen[i.Key] > 1 {
			err := newConfigError(ErrCodeDuplicateInfo, rule, "%q info key %q given %d times", typeName, i.Key, seen[i.Key])
			err.Details = map[string]string{"type": typeName, "key": i.Key}
			return err
		}
		if !allowed[i.Key] {
			err := newConfigError(ErrCodeExtraInfo, rule, "%q does not accept info key %q", typeName, i.Key)
			err.Details = map[string]string{"type": typeName, "key": i.Key}
			return err
		}
	}
	return nil
}
