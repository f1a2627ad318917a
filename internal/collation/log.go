package collation

import (
	"sort"

	"github.com/grenmap/grenmap-node/internal/model"
)

// RuleStatus is the state of one Rule in a run.
//
//	Pending → Validated → Completed
//	        ↘ Invalid    ↘ Failed
type RuleStatus string

const (
	StatusPending   RuleStatus = "pending"
	StatusValidated RuleStatus = "validated"
	StatusInvalid   RuleStatus = "invalid"
	StatusFailed    RuleStatus = "failed"
	StatusCompleted RuleStatus = "completed"
)

// Terminal reports whether no further transition is possible.
func (s RuleStatus) Terminal() bool {
	return s == StatusInvalid || s == StatusFailed || s == StatusCompleted
}

// canTransition lists the legal moves of the Rule state machine.
func (s RuleStatus) canTransition(to RuleStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusValidated || to == StatusInvalid || to == StatusFailed
	case StatusValidated:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// ActionOutcome classifies one ActionLog.
type ActionOutcome string

const (
	OutcomeSucceeded ActionOutcome = "succeeded"
	OutcomeFailed    ActionOutcome = "failed"
	OutcomeNoOp      ActionOutcome = "no-op"
)

// Affected lists, by store key, the elements an Action touched.
type Affected struct {
	Institutions []int64 `json:"institutions,omitempty"`
	Nodes        []int64 `json:"nodes,omitempty"`
	Links        []int64 `json:"links,omitempty"`
}

func (a *Affected) add(kind model.Kind, pks ...int64) {
	switch kind {
	case model.KindInstitution:
		a.Institutions = appendUnique(a.Institutions, pks...)
	case model.KindNode:
		a.Nodes = appendUnique(a.Nodes, pks...)
	case model.KindLink:
		a.Links = appendUnique(a.Links, pks...)
	}
}

func (a *Affected) merge(other Affected) {
	a.add(model.KindInstitution, other.Institutions...)
	a.add(model.KindNode, other.Nodes...)
	a.add(model.KindLink, other.Links...)
}

// Count returns the number of distinct elements listed.
func (a Affected) Count() int {
	return len(a.Institutions) + len(a.Nodes) + len(a.Links)
}

func appendUnique(dst []int64, pks ...int64) []int64 {
	for _, pk := range pks {
		found := false
		for _, have := range dst {
			if have == pk {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, pk)
		}
	}
	sort.Slice(dst, func(i, j int) bool { return dst[i] < dst[j] })
	return dst
}

// ActionLog records one Action applied to one element.
type ActionLog struct {
	Action   string        `json:"action"`
	Element  string        `json:"element"`
	Target   string        `json:"target,omitempty"`
	Outcome  ActionOutcome `json:"outcome"`
	Code     string        `json:"code,omitempty"`
	Message  string        `json:"message"`
	Affected Affected      `json:"affected"`
}

// RuleLog records one run of one Rule.
type RuleLog struct {
	Ruleset    string      `json:"ruleset"`
	Rule       string      `json:"rule"`
	RulePK     int64       `json:"rule_pk"`
	Kind       model.Kind  `json:"kind,omitempty"`
	Status     RuleStatus  `json:"status"`
	Matched    []int64     `json:"matched"`
	ActionLogs []ActionLog `json:"actions"`
	Message    string      `json:"message,omitempty"`
}

// Failures counts the failed ActionLogs.
func (l *RuleLog) Failures() int {
	n := 0
	for _, al := range l.ActionLogs {
		if al.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Affected returns the union of every ActionLog's affected elements.
func (l *RuleLog) Affected() Affected {
	var a Affected
	for _, al := range l.ActionLogs {
		a.merge(al.Affected)
	}
	return a
}

// transition moves the log to status. Panics on an illegal move.
func (l *RuleLog) transition(to RuleStatus) {
	if !l.Status.canTransition(to) {
		panic("collation: illegal rule transition " + string(l.Status) + " -> " + string(to))
	}
	l.Status = to
}

// Report is the result of running a batch of Rulesets.
type Report struct {
	RunID string    `json:"run_id"`
	Rules []RuleLog `json:"rules"`
}

// Counts tallies the Rule statuses of a report.
func (r Report) Counts() map[RuleStatus]int {
	out := make(map[RuleStatus]int)
	for _, l := range r.Rules {
		out[l.Status]++
	}
	return out
}

// Find returns the log of the named Rule, if it ran.
func (r Report) Find(rule string) (RuleLog, bool) {
	for _, l := range r.Rules {
		if l.Rule == rule {
			return l, true
		}
	}
	return RuleLog{}, false
}
