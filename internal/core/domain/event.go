package domain

type EventType string

const (
	EventTypeJobUpdated    EventType = "job_updated"
	EventTypeCacheUpdated  EventType = "cache_updated"
	EventTypeFileProcessed EventType = "file_processed"
	EventTypeWatcherStatus EventType = "watcher_status"
	EventTypeHeartbeat     EventType = "heartbeat"
)

// Retained reports whether the last event of this type is kept for late subscribers.
func (t EventType) Retained() bool {
	switch t {
	case EventTypeJobUpdated, EventTypeCacheUpdated, EventTypeWatcherStatus:
		return true
	}
	return false
}

// JobProgressPayload is carried by job_updated events.
type JobProgressPayload struct {
	JobID      JobID     `json:"job_id"`
	Operation  string    `json:"operation"`
	Status     JobStatus `json:"status"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Success    int       `json:"success"`
	Errors     int       `json:"errors"`
	Percentage float64   `json:"percentage"`
	Error      *string   `json:"error,omitempty"`
}

// EventSubject makes job progress retained per job rather than per type.
func (p JobProgressPayload) EventSubject() string { return string(p.JobID) }

// NewJobProgressPayload snapshots a job for broadcasting.
func NewJobProgressPayload(j Job) JobProgressPayload {
	return JobProgressPayload{
		JobID:      j.ID,
		Operation:  j.Operation,
		Status:     j.Status,
		Processed:  j.Processed,
		Total:      j.Total,
		Success:    j.Success,
		Errors:     j.Errors,
		Percentage: j.Percentage(),
		Error:      j.Error,
	}
}

type CacheUpdatedPayload struct {
	RebuildComplete bool `json:"rebuild_complete"`
	Entries         int  `json:"entries"`
}

// FileProcessedPayload reports a marker change on one path. Cleared means all
// markers were removed and Marker is empty.
type FileProcessedPayload struct {
	Path    string     `json:"path"`
	Marker  MarkerType `json:"marker"`
	Cleared bool       `json:"cleared,omitempty"`
	JobID   JobID      `json:"job_id,omitempty"`
}

type WatcherStatusPayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

type HeartbeatPayload struct {
	Subscribers int `json:"subscribers"`
}
