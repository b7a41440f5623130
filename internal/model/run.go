package model

import "time"

// RunStatus represents the current state of a harvest run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// StopReason records why the listing scroll loop ended.
type StopReason string

const (
	StopConverged   StopReason = "converged"
	StopBudget      StopReason = "scroll_budget"
	StopNoResults   StopReason = "no_results"
	StopInterrupted StopReason = "interrupted"
)

// Run represents a single harvest for one search query.
type Run struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	Status     RunStatus  `json:"status"`
	Records    []Record   `json:"records"`
	Stats      RunStats   `json:"stats"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunStats summarises how a run progressed.
type RunStats struct {
	Attempts         int        `json:"attempts"`
	ScrollIterations int        `json:"scroll_iterations"`
	StopReason       StopReason `json:"stop_reason,omitempty"`
	Collected        int        `json:"collected"`
	WithPhone        int        `json:"with_phone"`
	NotFound         int        `json:"not_found"`
	Blocked          int        `json:"blocked"`
	Errored          int        `json:"errored"`
	DurationMs       int64      `json:"duration_ms"`
}

// CountPhones fills the per-outcome phone counters from records.
func (s *RunStats) CountPhones(records []Record) {
	s.WithPhone, s.NotFound, s.Blocked, s.Errored = 0, 0, 0, 0
	for _, r := range records {
		switch r.Phone {
		case PhoneNotFound:
			s.NotFound++
		case PhoneBlocked:
			s.Blocked++
		case PhoneError:
			s.Errored++
		default:
			if r.Phone != "" {
				s.WithPhone++
			}
		}
	}
}
