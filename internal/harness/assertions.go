package harness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

// AssertionError provides detailed context when an assertion fails.
type AssertionError struct {
	Index   int
	Type    string
	Message string
	// Context is a short rendering of what was actually found.
	Context string
}

func (e *AssertionError) Error() string {
	msg := fmt.Sprintf("assertion[%d] %s: %s", e.Index, e.Type, e.Message)
	if e.Context != "" {
		msg += "\n  found: " + e.Context
	}
	return msg
}

func assertionFailed(index int, a Assertion, context string, format string, args ...any) error {
	return &AssertionError{
		Index:   index,
		Type:    a.Type,
		Message: fmt.Sprintf(format, args...),
		Context: context,
	}
}

func expectedCount(a Assertion) int {
	if a.Count == nil {
		return 1
	}
	return *a.Count
}

// assertElement checks the elements of one kind sharing an ID.
func assertElement(index int, snap store.Snapshot, a Assertion) error {
	kind, err := model.ParseKind(a.Kind)
	if err != nil {
		return assertionFailed(index, a, "", "%v", err)
	}

	var all []store.ElementSnapshot
	switch kind {
	case model.KindInstitution:
		all = snap.Institutions
	case model.KindNode:
		all = snap.Nodes
	case model.KindLink:
		all = snap.Links
	}

	var found []store.ElementSnapshot
	for _, e := range all {
		if e.ID == a.ID {
			found = append(found, e)
		}
	}

	if want := expectedCount(a); len(found) != want {
		return assertionFailed(index, a, describeIDs(all),
			"expected %d %s(s) with id %q, found %d", want, kind, a.ID, len(found))
	}

	for i, e := range found {
		if err := matchFields(e, a.Expect); err != nil {
			return assertionFailed(index, a, "", "%s %q #%d: %v", kind, a.ID, i+1, err)
		}
	}
	return nil
}

// assertTopology checks one Topology.
func assertTopology(index int, snap store.Snapshot, a Assertion) error {
	var found []store.TopologySnapshot
	ids := make([]string, 0, len(snap.Topologies))
	for _, topo := range snap.Topologies {
		ids = append(ids, topo.ID)
		if topo.ID == a.ID {
			found = append(found, topo)
		}
	}

	if want := expectedCount(a); len(found) != want {
		return assertionFailed(index, a, strings.Join(ids, ", "),
			"expected %d topology with id %q, found %d", want, a.ID, len(found))
	}
	for _, topo := range found {
		if err := matchFields(topo, a.Expect); err != nil {
			return assertionFailed(index, a, "", "topology %q: %v", a.ID, err)
		}
	}
	return nil
}

// assertRuleStatus checks the status a Rule reached in a rules step.
func assertRuleStatus(index int, result *Result, a Assertion) error {
	ev, ok := result.lastStep(StepRules, a.Step)
	if !ok {
		return assertionFailed(index, a, "", "no rules step ran")
	}

	var seen []string
	for _, re := range ev.Rules {
		seen = append(seen, fmt.Sprintf("%s / %s: %s", re.Ruleset, re.Rule, re.Status))
		if re.Rule != a.Rule || (a.Ruleset != "" && re.Ruleset != a.Ruleset) {
			continue
		}
		if re.Status != a.Status {
			return assertionFailed(index, a, "",
				"rule %q: expected status %q, got %q", a.Rule, a.Status, re.Status)
		}
		return nil
	}
	return assertionFailed(index, a, strings.Join(seen, "; "),
		"rule %q did not run in step %d", a.Rule, ev.Step)
}

// assertImportStatus checks the status an import step finished with.
func assertImportStatus(index int, result *Result, a Assertion) error {
	ev, ok := result.lastStep(StepImport, a.Step)
	if !ok || ev.Type != StepImport {
		return assertionFailed(index, a, "", "no import step ran")
	}
	if ev.Status != a.Status {
		return assertionFailed(index, a, strings.Join(ev.Problems, ", "),
			"step %d: expected status %q, got %q", ev.Step, a.Status, ev.Status)
	}
	return nil
}

// assertProblem checks that an import step reported a problem code.
func assertProblem(index int, result *Result, a Assertion) error {
	ev, ok := result.lastStep(StepImport, a.Step)
	if !ok || ev.Type != StepImport {
		return assertionFailed(index, a, "", "no import step ran")
	}
	for _, code := range ev.Problems {
		if code == a.Code {
			return nil
		}
	}
	return assertionFailed(index, a, strings.Join(ev.Problems, ", "),
		"step %d: no problem with code %q", ev.Step, a.Code)
}

// matchFields checks that the JSON rendering of actual contains every
// expected field (subset match). Extra fields in actual are ignored.
func matchFields(actual any, expected map[string]interface{}) error {
	if len(expected) == 0 {
		return nil
	}

	actualMap, err := toJSONValue(actual)
	if err != nil {
		return err
	}
	fields, ok := actualMap.(map[string]interface{})
	if !ok {
		return fmt.Errorf("cannot compare fields of %T", actual)
	}

	for key, raw := range expected {
		want, err := toJSONValue(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		got := fields[key]
		if !valuesEqual(got, want) {
			return fmt.Errorf("field %q: expected %v, got %v", key, want, got)
		}
	}
	return nil
}

// toJSONValue round-trips v through JSON so that values decoded from
// scenario YAML and values read from a snapshot compare alike.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// valuesEqual compares two values for equality. A missing value equals an
// empty list, since empty snapshot lists are omitted.
func valuesEqual(actual, expected interface{}) bool {
	if isEmpty(actual) && isEmpty(expected) {
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(val) == 0
	}
	return false
}

func describeIDs(elems []store.ElementSnapshot) string {
	ids := make([]string, len(elems))
	for i, e := range elems {
		ids[i] = e.ID
	}
	return strings.Join(ids, ", ")
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertElement:
			err = assertElement(i, result.Snapshot, assertion)
		case AssertTopology:
			err = assertTopology(i, result.Snapshot, assertion)
		case AssertRuleStatus:
			err = assertRuleStatus(i, result, assertion)
		case AssertImportStatus:
			err = assertImportStatus(i, result, assertion)
		case AssertProblem:
			err = assertProblem(i, result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
