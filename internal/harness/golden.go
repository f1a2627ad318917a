package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/grenmap/grenmap-node/internal/store"
)

// GoldenSnapshot is what a golden file holds for one scenario: the step
// events and the final element graph.
type GoldenSnapshot struct {
	Scenario string         `json:"scenario"`
	Steps    []StepEvent    `json:"steps"`
	Store    store.Snapshot `json:"store"`
}

// MarshalCanonical renders v as stable, indented JSON for golden files.
//
// Differences from json.MarshalIndent:
// 1. Object keys are sorted, struct fields included
// 2. No HTML escaping (< > & are NOT escaped)
// 3. Strings are NFC normalized
// 4. Numbers keep their literal form
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(normalizeStrings(generic)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeStrings NFC-normalizes every string and object key in a
// decoded JSON value.
func normalizeStrings(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case []any:
		for i := range val {
			val[i] = normalizeStrings(val[i])
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeStrings(elem)
		}
		return out
	}
	return v
}

// RunWithGolden executes a scenario and compares its step events and final
// store against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check assertions, or an error if
// the scenario could not be executed.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalCanonical(GoldenSnapshot{
		Scenario: scenarioName,
		Steps:    result.Steps,
		Store:    result.Snapshot,
	})
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
