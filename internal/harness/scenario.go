package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/grenmap/grenmap-node/internal/model"
)

// Scenario is a scripted sequence of pipeline operations run against a
// fresh store, followed by assertions on what the operations reported
// and on the element graph they left behind.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// SeedDefaults stores the default ID collision Rulesets before the
	// first step.
	SeedDefaults bool `yaml:"seed_defaults,omitempty"`

	// Settings are handed to the pipeline.
	Settings Settings `yaml:"settings,omitempty"`

	// Steps run in order. Each step sets exactly one of its fields.
	Steps []Step `yaml:"steps"`

	// Assertions validate the step events and the final store.
	// Supported types: element, topology, rule_status, import_status, problem
	Assertions []Assertion `yaml:"assertions"`
}

// Settings mirror pipeline.Settings.
type Settings struct {
	// TestMode skips completeness resolution after each import.
	TestMode bool `yaml:"test_mode,omitempty"`

	// RunRulesets runs the Rulesets at the end of every import step.
	// Scenarios usually leave it off and use explicit run_rules steps.
	RunRulesets bool `yaml:"run_rulesets,omitempty"`
}

// Step is one operation of a scenario.
type Step struct {
	// Rulesets is an inline ruleset document, stored as a ruleset import.
	Rulesets *yaml.Node `yaml:"rulesets,omitempty"`

	// Import reconciles the store with an inline topology tree.
	Import *ImportStep `yaml:"import,omitempty"`

	// RunRules runs every enabled Ruleset.
	RunRules bool `yaml:"run_rules,omitempty"`
}

// ImportStep is an inline topology tree and the Topology it is imported
// under.
type ImportStep struct {
	Parent string    `yaml:"parent,omitempty"`
	Tree   yaml.Node `yaml:"tree"`
}

// Type names the operation a step performs.
func (s Step) Type() string {
	switch {
	case s.Rulesets != nil:
		return StepRulesets
	case s.Import != nil:
		return StepImport
	case s.RunRules:
		return StepRules
	}
	return ""
}

// Step type constants.
const (
	StepRulesets = "rulesets"
	StepImport   = "import"
	StepRules    = "rules"
)

// DecodeTree parses the inline tree of an import step.
func (s *ImportStep) DecodeTree() (*model.IncomingTopology, error) {
	data, err := yaml.Marshal(&s.Tree)
	if err != nil {
		return nil, fmt.Errorf("re-encode tree: %w", err)
	}
	return model.DecodeTree(bytes.NewReader(data))
}

// Document returns the inline ruleset document of a rulesets step.
func (s Step) Document() ([]byte, error) {
	if s.Rulesets == nil {
		return nil, fmt.Errorf("step has no rulesets")
	}
	return yaml.Marshal(s.Rulesets)
}

// Assertion validates step events or the final store.
type Assertion struct {
	// Type specifies the assertion type:
	// - "element": elements of a kind sharing an ID, optionally their fields
	// - "topology": a Topology by ID, optionally its fields
	// - "rule_status": the status a Rule reached in a rules step
	// - "import_status": the status an import step finished with
	// - "problem": an import step reported a data problem with a code
	Type string `yaml:"type"`

	// Kind is the element kind (used by element).
	Kind string `yaml:"kind,omitempty"`

	// ID is the element or Topology ID (used by element, topology).
	ID string `yaml:"id,omitempty"`

	// Ruleset optionally narrows rule_status to one Ruleset.
	Ruleset string `yaml:"ruleset,omitempty"`

	// Rule is the Rule name (used by rule_status).
	Rule string `yaml:"rule,omitempty"`

	// Step is the 1-based step to inspect (used by rule_status,
	// import_status, problem). Zero means the last step of the right type.
	Step int `yaml:"step,omitempty"`

	// Count is the expected number of matches (used by element, topology).
	// When nil, exactly one is expected.
	Count *int `yaml:"count,omitempty"`

	// Status is the expected status (used by rule_status, import_status).
	Status string `yaml:"status,omitempty"`

	// Code is the expected problem code (used by problem).
	Code string `yaml:"code,omitempty"`

	// Expect contains expected snapshot field values (used by element,
	// topology). Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertElement      = "element"
	AssertTopology     = "topology"
	AssertRuleStatus   = "rule_status"
	AssertImportStatus = "import_status"
	AssertProblem      = "problem"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		set := 0
		if step.Rulesets != nil {
			set++
			if step.Rulesets.Kind != yaml.SequenceNode {
				return fmt.Errorf("steps[%d]: rulesets must be a list", i)
			}
		}
		if step.Import != nil {
			set++
			if step.Import.Tree.Kind != yaml.MappingNode {
				return fmt.Errorf("steps[%d]: import tree is required", i)
			}
		}
		if step.RunRules {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of rulesets, import, run_rules is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, len(s.Steps)); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, steps int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Step < 0 || a.Step > steps {
		return fmt.Errorf("assertions[%d]: step %d is out of range", index, a.Step)
	}
	if a.Count != nil && *a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertElement:
		if kind, err := model.ParseKind(a.Kind); err != nil || !kind.IsElement() {
			return fmt.Errorf("assertions[%d]: kind must be institution, node or link for element", index)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for element", index)
		}
	case AssertTopology:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for topology", index)
		}
	case AssertRuleStatus:
		if a.Rule == "" {
			return fmt.Errorf("assertions[%d]: rule is required for rule_status", index)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for rule_status", index)
		}
	case AssertImportStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for import_status", index)
		}
	case AssertProblem:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for problem", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
