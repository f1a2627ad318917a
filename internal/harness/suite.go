package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure represents a scenario that could not be loaded, could
// not run, or whose assertions failed.
type ScenarioFailure struct {
	Scenario string `json:"scenario,omitempty"`
	Path     string `json:"path"`
	Error    string `json:"error"`
}

// ScenarioFiles lists the scenario files of a directory in name order.
func ScenarioFiles(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scenario directory: %w", err)
	}

	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}

// RunDir loads and runs every scenario of a directory.
//
// For each scenario file:
// 1. Load and validate the scenario
// 2. Run it via RunContext
// 3. Collect and report results
//
// A scenario failing does not stop the others. The returned error is
// non-nil only when the directory cannot be listed.
func RunDir(ctx context.Context, dir string) (*SuiteResult, error) {
	paths, err := ScenarioFiles(dir)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, path := range paths {
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(ScenarioFailure{
				Path:  path,
				Error: fmt.Sprintf("failed to load scenario: %v", err),
			})
			continue
		}

		runResult, err := RunContext(ctx, scenario)
		if err != nil {
			result.fail(ScenarioFailure{
				Scenario: scenario.Name,
				Path:     path,
				Error:    fmt.Sprintf("scenario execution failed: %v", err),
			})
			continue
		}

		if !runResult.Pass {
			result.fail(ScenarioFailure{
				Scenario: scenario.Name,
				Path:     path,
				Error:    fmt.Sprintf("scenario assertions failed: %v", runResult.Errors),
			})
			continue
		}

		result.Passed++
	}

	return result, nil
}

func (r *SuiteResult) fail(f ScenarioFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
}
