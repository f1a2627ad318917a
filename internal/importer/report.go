package importer

import (
	"time"

	"github.com/grenmap/grenmap-node/internal/model"
)

// Status is the overall state of an import run.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusWarning    Status = "WARNING"
	StatusAborted    Status = "ABORTED"
)

// Counts tallies what an import did to one kind of record.
type Counts struct {
	Encountered   int `json:"encountered"`
	Created       int `json:"created"`
	Updated       int `json:"updated"`
	Disassociated int `json:"disassociated"`
	Deleted       int `json:"deleted"`
}

// Entry is the log of one incoming record.
type Entry struct {
	Kind     model.Kind `json:"kind"`
	ID       string     `json:"id"`
	PK       int64      `json:"pk,omitempty"`
	Topology string     `json:"topology"`
	Messages []string   `json:"messages,omitempty"`
}

// Report is the log of one import run.
type Report struct {
	RunID      string                 `json:"run_id"`
	Status     Status                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Counts     map[model.Kind]*Counts `json:"counts"`
	Entries    []Entry                `json:"entries"`
	Problems   []*DataError           `json:"problems"`
	Message    string                 `json:"message,omitempty"`

	// Completeness is filled in when the pipeline resolved borrowed
	// elements after the import.
	Completeness *Resolution `json:"completeness,omitempty"`
}

func newReport(runID string, started time.Time) *Report {
	r := &Report{
		RunID:     runID,
		Status:    StatusInProgress,
		StartedAt: started,
		Counts:    make(map[model.Kind]*Counts),
		Entries:   []Entry{},
		Problems:  []*DataError{},
	}
	for _, kind := range append([]model.Kind{model.KindTopology}, model.ElementKinds...) {
		r.Counts[kind] = &Counts{}
	}
	return r
}

// Errors returns the problems that caused a record to be skipped.
func (r *Report) Errors() []*DataError {
	return r.bySeverity(SeverityError)
}

// Warnings returns the problems that did not skip a record.
func (r *Report) Warnings() []*DataError {
	return r.bySeverity(SeverityWarning)
}

func (r *Report) bySeverity(sev Severity) []*DataError {
	out := []*DataError{}
	for _, p := range r.Problems {
		if p.Severity == sev {
			out = append(out, p)
		}
	}
	return out
}

func (r *Report) problem(p *DataError) {
	r.Problems = append(r.Problems, p)
}

func (r *Report) entry(e Entry) {
	r.Entries = append(r.Entries, e)
}

func (r *Report) finish(at time.Time) {
	r.FinishedAt = &at
	if r.Status == StatusAborted {
		return
	}
	r.Status = StatusCompleted
	if len(r.Problems) > 0 {
		r.Status = StatusWarning
	}
}

func (r *Report) abort(at time.Time, err error) {
	r.Status = StatusAborted
	r.Message = err.Error()
	r.FinishedAt = &at
}
