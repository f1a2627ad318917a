package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
)

func sampleRuleset(name string, priority int) *model.Ruleset {
	return &model.Ruleset{
		Name:     name,
		Priority: priority,
		Enabled:  true,
		Rules: []model.Rule{
			{
				Name:     "second",
				Priority: 2,
				Enabled:  true,
				Matches: []model.MatchCriterion{
					{Type: "Match Nodes by ID", Info: []model.Info{{Key: "ID", Value: "CORE-OTT-3"}}},
				},
				Actions: []model.Action{
					{Type: "Merge into Node", Info: []model.Info{{Key: "ID", Value: "Ottawa 3 Core Router"}}},
				},
			},
			{
				Name:     "first",
				Priority: 1,
				Enabled:  false,
				Matches:  []model.MatchCriterion{{Type: "Match Duplicate Nodes"}},
				Actions:  []model.Action{{Type: "Keep Newest Node"}},
			},
		},
	}
}

func TestSaveRuleset_RoundTrip(t *testing.T) {
	s := createTestStore(t)

	update(t, s, func(ctx context.Context, tx *Tx) {
		rs := sampleRuleset("Custom", 5)
		require.NoError(t, tx.SaveRuleset(ctx, rs))
		assert.NotZero(t, rs.PK)
		assert.NotZero(t, rs.Rules[0].PK)
		assert.NotZero(t, rs.Rules[0].Matches[0].PK)

		got, err := tx.GetRuleset(ctx, "Custom")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Priority)
		require.Len(t, got.Rules, 2)
		assert.Equal(t, "first", got.Rules[0].Name)
		assert.False(t, got.Rules[0].Enabled)
		assert.Equal(t, "second", got.Rules[1].Name)
		assert.Equal(t, "Match Nodes by ID", got.Rules[1].Matches[0].Type)
		assert.Equal(t, []model.Info{{Key: "ID", Value: "CORE-OTT-3"}}, got.Rules[1].Matches[0].Info)
		assert.Equal(t, []model.Info{}, got.Rules[0].Matches[0].Info)

		assert.Error(t, tx.SaveRuleset(ctx, sampleRuleset("Custom", 1)), "names are unique")
	})
}

func TestReplaceRuleset_DropsOldRules(t *testing.T) {
	s := createTestStore(t)

	update(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.SaveRuleset(ctx, sampleRuleset("Custom", 5)))

		replacement := &model.Ruleset{Name: "Custom", Priority: -1, Enabled: true, Rules: []model.Rule{
			{Name: "only", Enabled: true,
				Matches: []model.MatchCriterion{{Type: "Match Duplicate Links"}},
				Actions: []model.Action{{Type: "Delete Link"}}},
		}}
		replaced, err := tx.ReplaceRuleset(ctx, replacement)
		require.NoError(t, err)
		assert.True(t, replaced)

		got, err := tx.GetRuleset(ctx, "Custom")
		require.NoError(t, err)
		assert.Equal(t, -1, got.Priority)
		require.Len(t, got.Rules, 1)
		assert.Equal(t, "only", got.Rules[0].Name)

		replaced, err = tx.ReplaceRuleset(ctx, sampleRuleset("Fresh", 0))
		require.NoError(t, err)
		assert.False(t, replaced)
	})
}

func TestListRulesets_ExecutionOrder(t *testing.T) {
	s := createTestStore(t)

	update(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.SaveRuleset(ctx, sampleRuleset("Zeta", 0)))
		require.NoError(t, tx.SaveRuleset(ctx, sampleRuleset("Alpha", 0)))
		require.NoError(t, tx.SaveRuleset(ctx, sampleRuleset("Custom ID Collision Resolution", -1)))

		sets, err := tx.ListRulesets(ctx)
		require.NoError(t, err)
		var names []string
		for _, rs := range sets {
			names = append(names, rs.Name)
		}
		assert.Equal(t, []string{"Custom ID Collision Resolution", "Alpha", "Zeta"}, names)

		deleted, err := tx.DeleteRuleset(ctx, "Alpha")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = tx.GetRuleset(ctx, "Alpha")
		assert.True(t, IsNotFound(err))
	})
}

func TestRuleRuns_Upsert(t *testing.T) {
	s := createTestStore(t)
	finished := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	update(t, s, func(ctx context.Context, tx *Tx) {
		rs := sampleRuleset("Custom", 0)
		require.NoError(t, tx.SaveRuleset(ctx, rs))
		rule := rs.Rules[0]

		require.NoError(t, tx.RecordRuleRun(ctx, RuleRun{RulePK: rule.PK, RunID: "run-1", Status: "failed", FinishedAt: finished}))
		require.NoError(t, tx.RecordRuleRun(ctx, RuleRun{RulePK: rule.PK, RunID: "run-2", Status: "completed",
			Matched: 3, Log: `{"actions":[]}`, FinishedAt: finished}))

		runs, err := tx.RuleRuns(ctx)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-2", runs[0].RunID)
		assert.Equal(t, "completed", runs[0].Status)
		assert.Equal(t, 3, runs[0].Matched)
		assert.Equal(t, "Custom", runs[0].Ruleset)
		assert.Equal(t, "second", runs[0].Rule)
		assert.True(t, finished.Equal(runs[0].FinishedAt))

		_, err = tx.DeleteRuleset(ctx, "Custom")
		require.NoError(t, err)
		runs, err = tx.RuleRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestImportRuns(t *testing.T) {
	s := createTestStore(t)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	update(t, s, func(ctx context.Context, tx *Tx) {
		require.NoError(t, tx.RecordImportRun(ctx, ImportRun{RunID: "a", Status: "IN_PROGRESS", StartedAt: start}))
		done := start.Add(time.Minute)
		require.NoError(t, tx.RecordImportRun(ctx, ImportRun{RunID: "a", Status: "COMPLETED", StartedAt: start,
			FinishedAt: &done, Report: `{"status":"COMPLETED"}`}))
		require.NoError(t, tx.RecordImportRun(ctx, ImportRun{RunID: "b", Status: "IN_PROGRESS", StartedAt: start.Add(time.Hour)}))

		runs, err := tx.ImportRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "b", runs[0].RunID)
		assert.Nil(t, runs[0].FinishedAt)
		assert.Equal(t, "COMPLETED", runs[1].Status)
		require.NotNil(t, runs[1].FinishedAt)
		assert.True(t, done.Equal(*runs[1].FinishedAt))
		assert.Equal(t, "{}", runs[0].Report)
	})
}
