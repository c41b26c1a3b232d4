package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TransitionSources lists the statuses a job may be in for a move to s to apply.
// Queued -> Processing -> {Completed|Failed|Cancelled}; Queued may also go terminal directly.
func (s JobStatus) TransitionSources() []JobStatus {
	switch s {
	case JobStatusProcessing:
		return []JobStatus{JobStatusQueued}
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return []JobStatus{JobStatusQueued, JobStatusProcessing}
	}
	return nil
}

// TerminalStatuses is the set of final job states.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// Job is one batch of independent items.
type Job struct {
	ID          JobID      `json:"id"`
	Operation   string     `json:"operation"`
	Status      JobStatus  `json:"status"`
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Success     int        `json:"success"`
	Errors      int        `json:"errors"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Percentage is the share of processed items, 0-100.
func (j Job) Percentage() float64 {
	if j.Total <= 0 {
		if j.Status.Terminal() {
			return 100
		}
		return 0
	}
	return float64(j.Processed) * 100 / float64(j.Total)
}

// Progress is an increment applied to a job's counters.
type Progress struct {
	Processed int
	Success   int
	Errors    int
}

// JobResult records the outcome of a single item. Written once, never updated.
type JobResult struct {
	JobID     JobID          `json:"job_id"`
	Item      string         `json:"item"`
	Success   bool           `json:"success"`
	Error     *string        `json:"error,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobDetail is a job together with its per-item results.
type JobDetail struct {
	Job
	Results []JobResult `json:"results"`
}

// ItemOutcome is what an item processor reports for one item.
type ItemOutcome struct {
	Success bool
	Error   string
	Detail  map[string]any
}

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobFinished      = errors.New("job already finished")
	ErrProgressOverflow = errors.New("progress exceeds job total")
	ErrUnknownOperation = errors.New("unknown job operation")
	ErrQueueFull        = errors.New("scheduling queue full")
)
