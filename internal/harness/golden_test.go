package harness

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// To regenerate golden files, run:
//
//	go test ./internal/harness -run TestScenarioGoldens -update
func TestScenarioGoldens(t *testing.T) {
	paths, err := ScenarioFiles("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "scenario name should match its file name")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertions failed: %v", result.Errors)
		})
	}
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/invalid_rule_isolation.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	// The same result compared against the same golden file.
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}

func TestMarshalCanonical_Determinism(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/collision_ordering.yaml")
	require.NoError(t, err)

	var outputs []string
	for i := 0; i < 3; i++ {
		result, err := Run(scenario)
		require.NoError(t, err)
		data, err := MarshalCanonical(GoldenSnapshot{
			Scenario: scenario.Name,
			Steps:    result.Steps,
			Store:    result.Snapshot,
		})
		require.NoError(t, err)
		outputs = append(outputs, string(data))
	}

	assert.Equal(t, outputs[0], outputs[1])
	assert.Equal(t, outputs[1], outputs[2])
}

func TestMarshalCanonical_Format(t *testing.T) {
	type inner struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	v := map[string]any{
		"b":     []string{},
		"a":     inner{Zeta: "<&>", Alpha: 12345678901},
		"cafe":  "cafe\u0301",
		"empty": map[string]any{},
	}

	data, err := MarshalCanonical(v)
	require.NoError(t, err)

	want := `{
  "a": {
    "alpha": 12345678901,
    "zeta": "<&>"
  },
  "b": [],
  "cafe": "caf` + "\u00e9" + `",
  "empty": {}
}
`
	assert.Equal(t, want, string(data))
}

func TestGoldenSnapshotJSON(t *testing.T) {
	snap := GoldenSnapshot{
		Scenario: "shape",
		Steps: []StepEvent{
			{Step: 1, Type: StepImport, RunID: "import-1", Status: "WARNING", Problems: []string{"MISSING_OWNER"}},
		},
	}

	data, err := MarshalCanonical(snap)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "shape", decoded["scenario"])

	steps := decoded["steps"].([]any)
	require.Len(t, steps, 1)
	step := steps[0].(map[string]any)
	assert.Equal(t, "import-1", step["run_id"])
	assert.NotContains(t, step, "rules", "empty fields are omitted")
	assert.NotContains(t, step, "rulesets")

	store := decoded["store"].(map[string]any)
	assert.Contains(t, store, "topologies")
}
