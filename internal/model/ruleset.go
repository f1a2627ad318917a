package model

import (
	"sort"
	"strings"
)

// Info is one key/value setting of a MatchCriterion or Action.
type Info struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// MatchCriterion configures one Match of a Rule.
type MatchCriterion struct {
	PK   int64
	Type string
	Info []Info
}

// Action configures one Action of a Rule.
type Action struct {
	PK   int64
	Type string
	Info []Info
}

// Rule is an ordered Match chain followed by an ordered Action chain.
type Rule struct {
	PK       int64
	Name     string
	Priority int
	Enabled  bool
	Matches  []MatchCriterion
	Actions  []Action
}

// DefaultPriority is the priority of a Ruleset or Rule that does not set
// one, placing it after those that do.
const DefaultPriority = 1000

// Ruleset groups Rules under one name and priority.
type Ruleset struct {
	PK       int64
	Name     string
	Priority int
	Enabled  bool
	Rules    []Rule
}

// InfoMap folds info pairs into a map. The last duplicate wins; duplicate
// detection is the validator's job.
func InfoMap(info []Info) map[string]string {
	m := make(map[string]string, len(info))
	for _, i := range info {
		m[i.Key] = i.Value
	}
	return m
}

// SortRulesets orders rulesets by ascending priority. Equal priorities are
// ordered by name, then by store key, so repeated runs over the same data
// always agree.
func SortRulesets(rs []Ruleset) {
	sort.SliceStable(rs, func(i, j int) bool {
		return lessByPriority(rs[i].Priority, rs[j].Priority, rs[i].Name, rs[j].Name, rs[i].PK, rs[j].PK)
	})
}

// SortRules orders rules the same way SortRulesets orders rulesets.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return lessByPriority(rules[i].Priority, rules[j].Priority, rules[i].Name, rules[j].Name, rules[i].PK, rules[j].PK)
	})
}

func lessByPriority(pi, pj int, ni, nj string, ki, kj int64) bool {
	if pi != pj {
		return pi < pj
	}
	if c := strings.Compare(ni, nj); c != 0 {
		return c < 0
	}
	return ki < kj
}
