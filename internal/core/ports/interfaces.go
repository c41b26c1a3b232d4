package ports

import (
	"context"
	"time"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

// JobStore abstracts durable job and result persistence.
type JobStore interface {
	// CreateJob inserts a QUEUED job with zeroed counters.
	CreateJob(ctx context.Context, operation string, total int) (domain.JobID, error)

	// UpdateJobProgress adds delta to the job counters in a single serialized write.
	// Returns domain.ErrJobFinished once the job is terminal.
	UpdateJobProgress(ctx context.Context, id domain.JobID, delta domain.Progress) error

	// SetJobStatus moves the job forward. Leaving a terminal status is a no-op.
	SetJobStatus(ctx context.Context, id domain.JobID, status domain.JobStatus, at time.Time) error

	// FailJob marks the job FAILED with a top-level error message.
	FailJob(ctx context.Context, id domain.JobID, at time.Time, message string) error

	// AppendResult records one item outcome.
	AppendResult(ctx context.Context, result domain.JobResult) error

	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	ListResults(ctx context.Context, id domain.JobID) ([]domain.JobResult, error)

	// DeleteJob removes the job and its results.
	DeleteJob(ctx context.Context, id domain.JobID) error

	// CleanupOlderThan removes terminal jobs completed before cutoff and returns their ids.
	CleanupOlderThan(ctx context.Context, cutoff time.Time) ([]domain.JobID, error)
}

// MarkerStore is the external source of per-path processing markers.
type MarkerStore interface {
	// GetAllMarkers fetches every marker of the given types in one query.
	GetAllMarkers(ctx context.Context, types []domain.MarkerType) (domain.MarkerSet, error)

	// Mark records a marker and advances the mutation timestamp.
	Mark(ctx context.Context, path string, marker domain.MarkerType) error

	// Unmark removes a marker and advances the mutation timestamp.
	Unmark(ctx context.Context, path string, marker domain.MarkerType) error

	// LastMutationTimestamp is monotonically increasing across all writers.
	LastMutationTimestamp(ctx context.Context) (int64, error)
}

// FileLister produces the raw library listing.
type FileLister interface {
	ListFiles(ctx context.Context) ([]domain.FileInfo, error)
}

// Lock is a held inter-process lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out named inter-process locks.
type Locker interface {
	// TryAcquire gives up after its configured timeout and returns (nil, false, nil)
	// when another holder owns the lock.
	TryAcquire(ctx context.Context, name string) (Lock, bool, error)
}
