package collation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grenmap/grenmap-node/internal/model"
	"github.com/grenmap/grenmap-node/internal/store"
)

func TestRunAll_MergesMatchedNode(t *testing.T) {
	s := createTestStore(t)
	var t1, t2 model.Topology
	var ott1, ott3, link model.Element
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		t1 = addTopology(t, ctx, tx, "CANARIE")
		t2 = addTopology(t, ctx, tx, "ORION")
		ott1 = addElement(t, ctx, tx, node("CORE-OTT-1", "Ottawa", t1.PK))
		ott3 = addElement(t, ctx, tx, node("CORE-OTT-3", "Ottawa 3", t2.PK))
		tor := addElement(t, ctx, tx, node("CORE-TOR-1", "Toronto", t2.PK))
		link = addElement(t, ctx, tx, model.Element{
			Kind: model.KindLink, ID: "OTT-TOR", NodeA: ott3.PK, NodeB: tor.PK, Topologies: []int64{t2.PK},
		})
	})
	saveRuleset(t, s, model.Ruleset{Name: "Ottawa", Enabled: true, Rules: []model.Rule{
		rule("merge ottawa", 0,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "CORE-OTT-3")},
			[]model.Action{action("Merge into Node", InfoID, "CORE-OTT-1")}),
	}})

	report, err := newTestRunner(s).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)

	rl, ok := report.Find("merge ottawa")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rl.Status)
	assert.Equal(t, model.KindNode, rl.Kind)
	assert.Equal(t, []int64{ott3.PK}, rl.Matched)
	require.Len(t, rl.ActionLogs, 1)
	assert.Equal(t, OutcomeSucceeded, rl.ActionLogs[0].Outcome)
	assert.Equal(t, 0, rl.Failures())

	_, found := getElement(t, s, ott3.PK)
	assert.False(t, found)
	merged, _ := getElement(t, s, ott1.PK)
	assert.ElementsMatch(t, []int64{t1.PK, t2.PK}, merged.Topologies)
	l, _ := getElement(t, s, link.PK)
	assert.Equal(t, ott1.PK, l.NodeA)
}

func TestRunAll_RulesetOrder(t *testing.T) {
	s := createTestStore(t)
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		addElement(t, ctx, tx, node("X", ""))
	})

	deleteX := []model.Action{action("Delete Node")}
	byX := []model.MatchCriterion{match("Match Nodes by ID", InfoID, "X")}

	// Saved first, runs last.
	saveRuleset(t, s, model.Ruleset{Name: "BraesonNetworks default", Priority: 0, Enabled: true,
		Rules: []model.Rule{rule("late", 0, byX, deleteX)}})
	saveRuleset(t, s, model.Ruleset{Name: "BraesonNetworks custom", Priority: -1, Enabled: true,
		Rules: []model.Rule{
			rule("b-second", 5, byX, []model.Action{action("Delete Node Property", InfoName, "x")}),
			rule("a-first", 5, byX, []model.Action{action("Delete Node Property", InfoName, "y")}),
			rule("zero", 0, byX, []model.Action{action("Delete Node Property", InfoName, "z")}),
		}})

	report, err := newTestRunner(s).RunAll(context.Background())
	require.NoError(t, err)

	var order []string
	for _, rl := range report.Rules {
		order = append(order, rl.Ruleset+"/"+rl.Rule)
	}
	assert.Equal(t, []string{
		"BraesonNetworks custom/zero",
		"BraesonNetworks custom/a-first",
		"BraesonNetworks custom/b-second",
		"BraesonNetworks default/late",
	}, order)

	late, _ := report.Find("late")
	assert.Len(t, late.Matched, 1, "node still present when the default ruleset runs")
}

func TestRunAll_BrokenRuleIsIsolated(t *testing.T) {
	s := createTestStore(t)
	var n1, n2 model.Element
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		e := node("N1", "")
		e.Properties = model.Properties{{Name: "colour", Value: "red"}}
		n1 = addElement(t, ctx, tx, e)
		n2 = addElement(t, ctx, tx, node("N2", ""))
	})

	reg := DefaultRegistry()
	require.NoError(t, reg.RegisterAction(ActionType{
		Name: "Explode Node",
		Kind: model.KindNode,
		Apply: func(context.Context, *store.Tx, model.Element, map[string]string) (Outcome, error) {
			panic("boom")
		},
	}))

	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: true, Rules: []model.Rule{
		rule("broken", 0,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "N1")},
			[]model.Action{action("Delete Node Property", InfoName, "colour"), action("Explode Node")}),
		rule("healthy", 1,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "N2")},
			[]model.Action{action("Delete Node")}),
	}})

	r := newTestRunner(s, WithRegistry(reg))
	report, err := r.RunAll(context.Background())
	require.NoError(t, err)

	broken, _ := report.Find("broken")
	assert.Equal(t, StatusFailed, broken.Status)
	assert.Contains(t, broken.Message, "boom")

	healthy, _ := report.Find("healthy")
	assert.Equal(t, StatusCompleted, healthy.Status)

	got, found := getElement(t, s, n1.PK)
	require.True(t, found)
	assert.True(t, got.Properties.Has("colour"), "failed rule is rolled back")
	_, found = getElement(t, s, n2.PK)
	assert.False(t, found)

	runs, err := r.LastRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "broken", runs[0].Rule)
	assert.Equal(t, string(StatusFailed), runs[0].Status)
	assert.Equal(t, string(StatusCompleted), runs[1].Status)
}

func TestRunAll_InvalidRuleIsSkipped(t *testing.T) {
	s := createTestStore(t)
	var n1, n2 model.Element
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		n1 = addElement(t, ctx, tx, node("DUP", ""))
		n2 = addElement(t, ctx, tx, node("DUP", ""))
		addElement(t, ctx, tx, model.Element{Kind: model.KindLink, ID: "L", NodeA: n1.PK, NodeB: n2.PK})
	})
	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: true, Rules: []model.Rule{
		rule("mismatched", 0,
			[]model.MatchCriterion{match("Match Duplicate Nodes")},
			[]model.Action{action("Delete Link")}),
		rule("dedupe", 1,
			[]model.MatchCriterion{match("Match Duplicate Nodes")},
			[]model.Action{action("Keep Newest Node")}),
	}})

	r := newTestRunner(s)
	report, err := r.RunAll(context.Background())
	require.NoError(t, err)

	bad, _ := report.Find("mismatched")
	assert.Equal(t, StatusInvalid, bad.Status)
	assert.Empty(t, bad.Matched)
	assert.Contains(t, bad.Message, string(ErrCodeTypeMismatch))

	dedupe, _ := report.Find("dedupe")
	assert.Equal(t, StatusCompleted, dedupe.Status)
	assert.Equal(t, []int64{n1.PK, n2.PK}, dedupe.Matched)
	require.Len(t, dedupe.ActionLogs, 2)
	assert.Equal(t, OutcomeSucceeded, dedupe.ActionLogs[0].Outcome)
	assert.Equal(t, OutcomeNoOp, dedupe.ActionLogs[1].Outcome, "the survivor has no duplicates left")
	assert.Equal(t, n2.PK, listElements(t, s, model.KindNode)[0].PK)
	assert.Empty(t, listElements(t, s, model.KindLink), "self link removed by the merge")

	counts := report.Counts()
	assert.Equal(t, 1, counts[StatusInvalid])
	assert.Equal(t, 1, counts[StatusCompleted])

	runs, err := r.LastRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, string(StatusInvalid), runs[0].Status)
}

func TestRunAll_EmptySetShortCircuits(t *testing.T) {
	s := createTestStore(t)
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		addElement(t, ctx, tx, node("A", ""))
	})

	calls := 0
	reg := DefaultRegistry()
	require.NoError(t, reg.RegisterMatch(MatchType{
		Name: "Count Nodes",
		Kind: model.KindNode,
		Filter: func(_ context.Context, _ *store.Tx, set []model.Element, _ map[string]string) ([]model.Element, error) {
			calls++
			return set, nil
		},
	}))

	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: true, Rules: []model.Rule{
		rule("none", 0,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "MISSING"), match("Count Nodes")},
			[]model.Action{action("Delete Node")}),
		rule("some", 1,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "A"), match("Count Nodes")},
			[]model.Action{action("Delete Node Property", InfoName, "x")}),
	}})

	report, err := newTestRunner(s, WithRegistry(reg)).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	none, _ := report.Find("none")
	assert.Equal(t, StatusCompleted, none.Status)
	assert.Empty(t, none.Matched)
	assert.Empty(t, none.ActionLogs)
}

func TestRunAll_ElementFailureDoesNotFailRule(t *testing.T) {
	s := createTestStore(t)
	var target model.Element
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		topo := addTopology(t, ctx, tx, "T")
		target = addElement(t, ctx, tx, node("TARGET", "", topo.PK))
		addElement(t, ctx, tx, node("OTHER", "", topo.PK))
	})
	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: true, Rules: []model.Rule{
		rule("fold", 0,
			[]model.MatchCriterion{match("Match Nodes by Topology", InfoTopologyID, "T")},
			[]model.Action{action("Replace with Node", InfoID, "TARGET"), action("Delete Node Property", InfoName, "x")}),
	}})

	report, err := newTestRunner(s).RunAll(context.Background())
	require.NoError(t, err)

	rl, _ := report.Find("fold")
	assert.Equal(t, StatusCompleted, rl.Status)
	assert.Equal(t, 1, rl.Failures())
	require.Len(t, rl.ActionLogs, 3)

	assert.Equal(t, OutcomeFailed, rl.ActionLogs[0].Outcome)
	assert.Equal(t, string(ErrCodeSourceIsTarget), rl.ActionLogs[0].Code)
	assert.Equal(t, OutcomeSucceeded, rl.ActionLogs[1].Outcome)
	assert.Equal(t, target.LogString(), rl.ActionLogs[1].Target)
	assert.Equal(t, OutcomeNoOp, rl.ActionLogs[2].Outcome, "chain continues with the replacement")

	nodes := listElements(t, s, model.KindNode)
	require.Len(t, nodes, 1)
	assert.Equal(t, target.PK, nodes[0].PK)
}

func TestRunAll_SkipsDisabled(t *testing.T) {
	s := createTestStore(t)
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		addElement(t, ctx, tx, node("A", ""))
	})
	del := rule("delete", 0,
		[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "A")},
		[]model.Action{action("Delete Node")})
	off := del
	off.Name = "disabled rule"
	off.Enabled = false

	saveRuleset(t, s, model.Ruleset{Name: "off", Enabled: false, Rules: []model.Rule{del}})
	saveRuleset(t, s, model.Ruleset{Name: "on", Enabled: true, Rules: []model.Rule{off}})

	r := newTestRunner(s)
	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Rules)
	assert.Len(t, listElements(t, s, model.KindNode), 1)

	report, err = r.RunRuleset(context.Background(), "off")
	require.NoError(t, err)
	require.Len(t, report.Rules, 1)
	assert.Equal(t, StatusCompleted, report.Rules[0].Status)
	assert.Empty(t, listElements(t, s, model.KindNode))

	_, err = r.RunRuleset(context.Background(), "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestRunAll_PersistsRuleLog(t *testing.T) {
	s := createTestStore(t)
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		addElement(t, ctx, tx, node("A", ""))
	})
	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: true, Rules: []model.Rule{
		rule("delete", 0,
			[]model.MatchCriterion{match("Match Nodes by ID", InfoID, "A")},
			[]model.Action{action("Delete Node")}),
	}})

	r := newTestRunner(s)
	_, err := r.RunAll(context.Background())
	require.NoError(t, err)

	runs, err := r.LastRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, "rs", run.Ruleset)
	assert.Equal(t, string(StatusCompleted), run.Status)
	assert.Equal(t, 1, run.Matched)

	var logged RuleLog
	require.NoError(t, json.Unmarshal([]byte(run.Log), &logged))
	assert.Equal(t, StatusCompleted, logged.Status)
	require.Len(t, logged.ActionLogs, 1)
	assert.Equal(t, "Delete Node", logged.ActionLogs[0].Action)
}

func TestCheck(t *testing.T) {
	s := createTestStore(t)
	saveRuleset(t, s, model.Ruleset{Name: "rs", Enabled: false, Rules: []model.Rule{
		rule("good", 0,
			[]model.MatchCriterion{match("Match Duplicate Links")},
			[]model.Action{action("Keep Newest Link")}),
		rule("bad", 1,
			[]model.MatchCriterion{match("Match Links by ID")},
			[]model.Action{action("Keep Newest Link")}),
	}})

	checks, err := newTestRunner(s).Check(context.Background())
	require.NoError(t, err)
	require.Len(t, checks, 2)

	assert.True(t, checks[0].Valid())
	assert.Equal(t, model.KindLink, checks[0].Kind)
	assert.False(t, checks[0].Enabled)

	assert.False(t, checks[1].Valid())
	assert.Equal(t, ErrCodeMissingInfo, checks[1].Code)
}

func TestRunAll_CustomCollisionRulesetWins(t *testing.T) {
	s := createTestStore(t)
	var a, b model.Topology
	var fromA model.Element
	update(t, s, func(ctx context.Context, tx *store.Tx) {
		a = addTopology(t, ctx, tx, "A")
		b = addTopology(t, ctx, tx, "B")
		fromA = addElement(t, ctx, tx, model.Element{Kind: model.KindInstitution, ID: "BraesonNetworks", Topologies: []int64{a.PK}})
		addElement(t, ctx, tx, model.Element{Kind: model.KindInstitution, ID: "BraesonNetworks", Topologies: []int64{b.PK}})
	})
	_, err := SeedDefaults(context.Background(), s)
	require.NoError(t, err)

	update(t, s, func(ctx context.Context, tx *store.Tx) {
		custom, err := tx.GetRuleset(ctx, CustomRulesetName)
		require.NoError(t, err)
		custom.Rules = []model.Rule{
			rule("prefer A", 0,
				[]model.MatchCriterion{
					match("Match Institutions by ID", InfoID, "BraesonNetworks"),
					match("Match Institutions by Topology", InfoTopologyID, "B"),
				},
				[]model.Action{action("Merge into Institution", InfoID, "BraesonNetworks", InfoTopologyID, "A")}),
		}
		_, err = tx.ReplaceRuleset(ctx, &custom)
		require.NoError(t, err)
	})

	report, err := newTestRunner(s).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "prefer A", report.Rules[0].Rule)

	insts := listElements(t, s, model.KindInstitution)
	require.Len(t, insts, 1)
	assert.Equal(t, fromA.PK, insts[0].PK, "default keep-newest would have kept B")
	assert.ElementsMatch(t, []int64{a.PK, b.PK}, insts[0].Topologies)
}
