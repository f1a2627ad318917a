package compiler

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCUE(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0644))
}

func TestLoadRulesets(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "custom.cue", `
package rules

ruleset: "Custom ID Collision Resolution": {
	priority: -1
	rule: "Prefer A": {
		match: [{type: "Match Institutions by ID", info: {ID: "BraesonNetworks"}}]
		action: [{type: "Merge into Institution", info: {ID: "BraesonNetworks", "Topology ID": "A"}}]
	}
}
`)
	writeCUE(t, dir, "cleanup.cue", `
package rules

ruleset: Cleanup: {
	priority: 5
	enabled:  false
}
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not cue"), 0644))

	result, errs := LoadRulesets(dir, LoadModeCollectAll)
	require.Empty(t, errs)
	require.NotNil(t, result)

	assert.Equal(t, []string{filepath.Join(dir, "cleanup.cue"), filepath.Join(dir, "custom.cue")}, result.Files)
	require.Len(t, result.Rulesets, 2)
	assert.Equal(t, "Custom ID Collision Resolution", result.Rulesets[0].Name)
	assert.Equal(t, "Cleanup", result.Rulesets[1].Name)
	assert.False(t, result.Rulesets[1].Enabled)
	require.Len(t, result.Rulesets[0].Rules, 1)
	assert.Equal(t, "Prefer A", result.Rulesets[0].Rules[0].Name)
}

func TestLoadRulesetsCollectsAllErrors(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "rules.cue", `
package rules

ruleset: good: {}
ruleset: bad1: priority: "x"
ruleset: bad2: rule: r: action: [{info: {}}]
`)

	result, errs := LoadRulesets(dir, LoadModeCollectAll)
	require.Len(t, errs, 2)
	require.NotNil(t, result)
	require.Len(t, result.Rulesets, 1)
	assert.Equal(t, "good", result.Rulesets[0].Name)

	var le *LoadError
	require.True(t, errors.As(errs[0], &le))
	assert.Equal(t, ErrCodeRule, le.Code)
	assert.Contains(t, le.Message, "ruleset.bad1")
	assert.Equal(t, "bad1", le.Ruleset)
	require.True(t, errors.As(errs[1], &le))
	assert.Equal(t, ErrCodeStep, le.Code)
	assert.Equal(t, "bad2", le.Ruleset)
	assert.Contains(t, le.Message, "ruleset.bad2.rule.r: type is required")

	_, errs = LoadRulesets(dir, LoadModeFailFast)
	assert.Len(t, errs, 1)
}

func TestLoadRulesetsDirectoryErrors(t *testing.T) {
	tests := []struct {
		name string
		dir  func(t *testing.T) string
		code string
	}{
		{
			name: "missing",
			dir:  func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope") },
			code: ErrCodeNotFound,
		},
		{
			name: "not a directory",
			dir: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "file.cue")
				writeCUE(t, filepath.Dir(path), "file.cue", "package x")
				return path
			},
			code: ErrCodeNotFound,
		},
		{
			name: "no cue files",
			dir:  func(t *testing.T) string { return t.TempDir() },
			code: ErrCodeNoFiles,
		},
		{
			name: "no ruleset field",
			dir: func(t *testing.T) string {
				dir := t.TempDir()
				writeCUE(t, dir, "x.cue", "package x\n\nother: 1\n")
				return dir
			},
			code: ErrCodeNoRulesets,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := LoadRulesets(tt.dir(t), LoadModeCollectAll)
			require.Len(t, errs, 1)
			var le *LoadError
			require.True(t, errors.As(errs[0], &le))
			assert.Equal(t, tt.code, le.Code)
		})
	}
}

func TestFindCUEFilesSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeCUE(t, dir, "b.cue", "package rules")
	writeCUE(t, dir, "a.cue", "package rules")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	writeCUE(t, filepath.Join(dir, "nested"), "c.cue", "package nested")

	files, err := FindCUEFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.cue"), filepath.Join(dir, "b.cue")}, files)
}
