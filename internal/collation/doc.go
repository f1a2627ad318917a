// Package collation runs Collation Rules over the element store.
//
// A Rule is a chain of Matches followed by a chain of Actions, all bound to
// one element kind. Matches narrow the full working set of that kind one
// after another; every surviving element then runs through the Actions in
// order, each Action handing the next one the element it should continue
// with. Rules are grouped in Rulesets and run in ascending priority order.
//
// Match and Action kinds live in a Registry keyed by their display names,
// which is also how stored Rules refer to them.
//
// Failure isolation:
//   - A misconfigured Rule is Invalid and skipped.
//   - An Action that fails on one element is undone for that element only,
//     recorded as a failed ActionLog, and ends that element's chain.
//   - A Rule that fails outright (store error, panic) is rolled back and
//     recorded as Failed; the next Rule still runs.
//
// Each Rule runs in its own store transaction and its outcome is persisted
// as the Rule's last run.
package collation
