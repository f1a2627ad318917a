package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
)

func compileOne(t *testing.T, src, name string) (*model.Ruleset, error) {
	t.Helper()
	v := cuecontext.New().CompileString(src)
	require.NoError(t, v.Err())
	return CompileRuleset(v.LookupPath(cue.MakePath(cue.Str("ruleset"), cue.Str(name))))
}

func TestCompileRulesetBasic(t *testing.T) {
	rs, err := compileOne(t, `
		ruleset: "Ottawa Cleanup": {
			priority: -1

			rule: "Merge Ottawa Core": {
				priority: 2
				match: [{type: "Match Nodes by ID", info: {ID: "CORE-OTT-3"}}]
				action: [{type: "Merge into Node", info: {ID: "Ottawa 3 Core Router"}}]
			}

			rule: "Drop Test Tags": {
				priority: 1
				enabled:  false
				match: [{type: "Match Nodes by Topology", info: {"Topology ID": "lab"}}]
				action: [
					{type: "Delete Node Tag Property", info: {value: "test"}},
					{type: "Delete Node Property", info: {name: "scratch"}},
				]
			}
		}
	`, "Ottawa Cleanup")
	require.NoError(t, err)

	assert.Equal(t, "Ottawa Cleanup", rs.Name)
	assert.Equal(t, -1, rs.Priority)
	assert.True(t, rs.Enabled)
	require.Len(t, rs.Rules, 2)

	first := rs.Rules[0]
	assert.Equal(t, "Drop Test Tags", first.Name, "rules come back in execution order")
	assert.False(t, first.Enabled)
	assert.Equal(t, []model.Info{{Key: "Topology ID", Value: "lab"}}, first.Matches[0].Info)
	require.Len(t, first.Actions, 2)
	assert.Equal(t, "Delete Node Tag Property", first.Actions[0].Type)
	assert.Equal(t, "Delete Node Property", first.Actions[1].Type)

	second := rs.Rules[1]
	assert.Equal(t, "Merge Ottawa Core", second.Name)
	assert.True(t, second.Enabled)
	assert.Equal(t, "Match Nodes by ID", second.Matches[0].Type)
	assert.Equal(t, []model.Info{{Key: "ID", Value: "Ottawa 3 Core Router"}}, second.Actions[0].Info)
}

func TestCompileRulesetDefaults(t *testing.T) {
	rs, err := compileOne(t, `ruleset: empty: {}`, "empty")
	require.NoError(t, err)

	assert.Equal(t, "empty", rs.Name)
	assert.Equal(t, model.DefaultPriority, rs.Priority)
	assert.True(t, rs.Enabled)
	assert.NotNil(t, rs.Rules)
	assert.Empty(t, rs.Rules)
}

func TestCompileRulesetScalarInfo(t *testing.T) {
	rs, err := compileOne(t, `
		ruleset: r: rule: x: {
			match: [{type: "m", info: {n: 42, f: 1.5, b: true}}]
			action: [{type: "a"}]
		}
	`, "r")
	require.NoError(t, err)

	assert.Equal(t, []model.Info{
		{Key: "n", Value: "42"},
		{Key: "f", Value: "1.5"},
		{Key: "b", Value: "true"},
	}, rs.Rules[0].Matches[0].Info)
	assert.Empty(t, rs.Rules[0].Actions[0].Info)
}

func TestCompileRulesetErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "missing type",
			src:     `ruleset: r: rule: x: match: [{info: {ID: "a"}}]`,
			wantErr: "type is required",
		},
		{
			name:    "non-integer priority",
			src:     `ruleset: r: priority: "high"`,
			wantErr: "must be an integer",
		},
		{
			name:    "non-boolean enabled",
			src:     `ruleset: r: rule: x: enabled: "yes"`,
			wantErr: "must be a boolean",
		},
		{
			name:    "structured info value",
			src:     `ruleset: r: rule: x: action: [{type: "a", info: {ID: {nested: 1}}}]`,
			wantErr: "info values must be concrete",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileOne(t, tt.src, "r")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var ce *CompileError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestCompileErrorNamesRulesetAndRule(t *testing.T) {
	_, err := compileOne(t, `ruleset: "Cleanup": rule: "Merge": priority: "high"`, "Cleanup")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Cleanup", ce.Ruleset)
	assert.Equal(t, "Merge", ce.Rule)
	assert.Equal(t, "priority", ce.Field)
	assert.Contains(t, err.Error(), `ruleset "Cleanup": rule "Merge": priority: must be an integer`)

	_, err = compileOne(t, `ruleset: "Cleanup": enabled: 1`, "Cleanup")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Cleanup", ce.Ruleset)
	assert.Empty(t, ce.Rule)
}
