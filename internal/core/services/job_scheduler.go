package services

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

// SchedulerConfig bounds the orchestration pool.
type SchedulerConfig struct {
	// MaxConcurrentJobs is the number of jobs orchestrated at once.
	MaxConcurrentJobs int64
	// QueueSize bounds jobs waiting for a slot.
	QueueSize int
}

// JobScheduler runs one orchestration task per job. It never executes items itself,
// so a slot is only ever held by a job waiting on its own item pool.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan domain.JobID
	semaphore    *semaphore.Weighted
	wg           sync.WaitGroup
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan domain.JobID, size),
		semaphore:    semaphore.NewWeighted(limit),
	}
}

// SubmitJob enqueues a job for orchestration without blocking.
func (s *JobScheduler) SubmitJob(ctx context.Context, id domain.JobID) error {
	select {
	case s.pendingQueue <- id:
		s.logger.Debug("job submitted", "job_id", id)
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Start consumes the queue until ctx is done. handler runs once per job while holding a slot.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, domain.JobID)) {
	s.logger.Info("starting job scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				return
			case id := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.logger.Warn("scheduler stopped before job got a slot", "job_id", id, "error", err)
					return
				}

				s.wg.Add(1)
				go func(id domain.JobID) {
					defer s.wg.Done()
					defer s.semaphore.Release(1)
					handler(ctx, id)
				}(id)
			}
		}
	}()
}

// Wait blocks until the consumer loop and every running handler have returned.
func (s *JobScheduler) Wait() {
	s.wg.Wait()
}
