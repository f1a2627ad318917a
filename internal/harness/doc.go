// Package harness runs scripted scenarios against a real pipeline and
// compares what they produce with golden files.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	seed_defaults: true
//	settings:
//	  test_mode: false
//	steps:
//	  - rulesets:
//	      - name: Cleanup
//	        priority: 5
//	        rules: [...]
//	  - import:
//	      parent: canarie
//	      tree:
//	        id: ottawa
//	        name: Ottawa
//	        nodes: [...]
//	  - run_rules: true
//	assertions:
//	  - type: element
//	    kind: node
//	    id: ottawa-3-core
//	    expect: { properties: [role=core] }
//	  - type: rule_status
//	    rule: Merge CORE-OTT-3
//	    status: completed
//
// A rulesets step stores an inline ruleset document the way a ruleset
// import does. An import step runs the whole pipeline on an inline
// topology tree. A run_rules step runs every enabled Ruleset.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - element: Counts the elements of a kind sharing an ID and checks their snapshot fields
//   - topology: Checks a Topology's snapshot fields, or with count 0 its absence
//   - rule_status: Checks the status a Rule reached in a rules step
//   - import_status: Checks the status an import step finished with
//   - problem: Checks that an import step reported a data problem code
//
// # Deterministic Testing
//
// Every scenario runs in a fresh database with sequential run IDs
// ("import-1", "rules-1"), sequential default element IDs and a clock
// that starts at testutil.Epoch and advances one second per reading.
// Running a scenario twice produces identical step events and stores,
// which is what golden comparison relies on.
package harness
