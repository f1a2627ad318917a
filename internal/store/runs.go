package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RuleRun is the persisted outcome of the last execution of one Rule.
type RuleRun struct {
	RulePK     int64
	Ruleset    string
	Rule       string
	RunID      string
	Status     string
	Matched    int
	Failures   int
	Message    string
	Log        string // JSON-encoded rule log
	FinishedAt time.Time
}

// RecordRuleRun stores run as the latest run of its Rule, replacing the
// previous one.
func (t *Tx) RecordRuleRun(ctx context.Context, run RuleRun) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO rule_runs (rule_pk, run_id, status, matched, failures, message, log, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_pk) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			matched = excluded.matched,
			failures = excluded.failures,
			message = excluded.message,
			log = excluded.log,
			finished_at = excluded.finished_at
	`,
		run.RulePK, run.RunID, run.Status, run.Matched, run.Failures, run.Message,
		orDefault(run.Log, "{}"), run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record rule run %d: %w", run.RulePK, err)
	}
	return nil
}

// RuleRuns returns the latest run of every Rule that has run, in Ruleset
// and Rule execution order.
func (t *Tx) RuleRuns(ctx context.Context) ([]RuleRun, error) {
	runs := []RuleRun{}
	err := t.eachRow(ctx, `
		SELECT rr.rule_pk, rs.name, r.name, rr.run_id, rr.status, rr.matched, rr.failures,
		       rr.message, rr.log, rr.finished_at
		FROM rule_runs rr
		JOIN rules r ON r.pk = rr.rule_pk
		JOIN rulesets rs ON rs.pk = r.ruleset_pk
		ORDER BY rs.priority ASC, rs.name ASC, r.priority ASC, r.name ASC, r.pk ASC
	`, nil, func(s scanner) error {
		var (
			run      RuleRun
			finished string
		)
		if err := s.Scan(&run.RulePK, &run.Ruleset, &run.Rule, &run.RunID, &run.Status,
			&run.Matched, &run.Failures, &run.Message, &run.Log, &finished); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, finished)
		if err != nil {
			return fmt.Errorf("parse finished_at %q: %w", finished, err)
		}
		run.FinishedAt = ts
		runs = append(runs, run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query rule runs: %w", err)
	}
	return runs, nil
}

// ImportRun is the persisted record of one import.
type ImportRun struct {
	RunID      string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Report     string // JSON-encoded import report
}

// RecordImportRun inserts or updates the record of an import run.
func (t *Tx) RecordImportRun(ctx context.Context, run ImportRun) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO import_runs (run_id, status, started_at, finished_at, report)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			report = excluded.report
	`,
		run.RunID, run.Status, run.StartedAt.UTC().Format(time.RFC3339Nano),
		nullTime(run.FinishedAt), orDefault(run.Report, "{}"),
	)
	if err != nil {
		return fmt.Errorf("record import run %s: %w", run.RunID, err)
	}
	return nil
}

// ImportRuns returns up to limit import runs, newest first.
func (t *Tx) ImportRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	runs := []ImportRun{}
	err := t.eachRow(ctx, `
		SELECT run_id, status, started_at, finished_at, report
		FROM import_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?
	`, []any{limit}, func(s scanner) error {
		var (
			run      ImportRun
			started  string
			finished sql.NullString
		)
		if err := s.Scan(&run.RunID, &run.Status, &started, &finished, &run.Report); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return fmt.Errorf("parse started_at %q: %w", started, err)
		}
		run.StartedAt = ts
		if run.FinishedAt, err = timePtr(finished); err != nil {
			return err
		}
		runs = append(runs, run)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query import runs: %w", err)
	}
	return runs, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
