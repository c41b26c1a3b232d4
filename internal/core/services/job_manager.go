package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

// ItemProcessor handles one item of a job. A returned error or a panic
// becomes a failed result for that item and never stops the job.
type ItemProcessor func(ctx context.Context, item string) (domain.ItemOutcome, error)

type JobManagerConfig struct {
	// ItemWorkers sizes the per-job item pool.
	ItemWorkers int
	// ItemTimeout bounds a single processor call; zero disables it.
	ItemTimeout time.Duration
	Scheduler   SchedulerConfig
}

type jobIDKey struct{}

// JobIDFromContext returns the id of the job an item processor is running for.
func JobIDFromContext(ctx context.Context) (domain.JobID, bool) {
	id, ok := ctx.Value(jobIDKey{}).(domain.JobID)
	return id, ok
}

// JobManager owns job execution in this process: one orchestration task per job
// on the scheduler, items on a per-job pool that is joined before the job ends.
type JobManager struct {
	logger    *slog.Logger
	store     ports.JobStore
	bus       *EventBus
	scheduler *JobScheduler
	cfg       JobManagerConfig

	mu         sync.Mutex
	runs       map[domain.JobID]*jobRun
	processors map[string]ItemProcessor
	hooks      []func(domain.Job)
}

// jobRun is the in-process state of a job started here.
type jobRun struct {
	id        domain.JobID
	items     []string
	processor ItemProcessor

	cancelled atomic.Bool
	deleted   atomic.Bool

	// progressMu orders store progress writes with their broadcasts.
	progressMu sync.Mutex
	started    bool
	snapshot   domain.Job
	failure    error

	done       chan struct{}
	finishOnce sync.Once
}

func (r *jobRun) stopped() bool {
	return r.cancelled.Load() || r.deleted.Load()
}

func NewJobManager(logger *slog.Logger, store ports.JobStore, bus *EventBus, cfg JobManagerConfig) *JobManager {
	if cfg.ItemWorkers <= 0 {
		cfg.ItemWorkers = 4
	}
	return &JobManager{
		logger:     logger,
		store:      store,
		bus:        bus,
		scheduler:  NewJobScheduler(logger, cfg.Scheduler),
		cfg:        cfg,
		runs:       make(map[domain.JobID]*jobRun),
		processors: make(map[string]ItemProcessor),
	}
}

// Start launches the orchestration pool. Jobs submitted before Start wait in the queue.
func (m *JobManager) Start(ctx context.Context) {
	m.scheduler.Start(ctx, m.orchestrate)
}

// Wait blocks until every orchestration task has returned after the Start context ends.
func (m *JobManager) Wait() {
	m.scheduler.Wait()
}

// OnJobFinished registers fn to run after a job started here reaches a terminal status.
func (m *JobManager) OnJobFinished(fn func(domain.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// StartJob records a QUEUED job and hands it to the orchestration pool.
func (m *JobManager) StartJob(ctx context.Context, operation string, items []string, processor ItemProcessor) (domain.JobID, error) {
	id, err := m.store.CreateJob(ctx, operation, len(items))
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load job: %w", err)
	}

	run := &jobRun{
		id:        id,
		items:     slices.Clone(items),
		processor: processor,
		snapshot:  job,
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	m.runs[id] = run
	m.mu.Unlock()

	m.broadcast(job)

	if err := m.scheduler.SubmitJob(ctx, id); err != nil {
		m.logger.Error("job rejected by scheduler", "job_id", id, "error", err)
		m.finalize(context.WithoutCancel(ctx), run, err)
		return "", err
	}

	m.logger.Info("job queued", "job_id", id, "operation", operation, "total", len(items))
	return id, nil
}

// CancelJob requests cooperative cancellation. It reports false when the job
// had already finished.
func (m *JobManager) CancelJob(ctx context.Context, id domain.JobID) (bool, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}

	run := m.lookup(id)
	if run == nil {
		// Owned by another process: it sees ErrJobFinished on its next progress write.
		if err := m.store.SetJobStatus(ctx, id, domain.JobStatusCancelled, time.Now()); err != nil {
			return false, fmt.Errorf("cancel job: %w", err)
		}
		m.reload(ctx, id)
		m.logger.Info("cancelled job owned elsewhere", "job_id", id)
		return true, nil
	}

	run.progressMu.Lock()
	run.cancelled.Store(true)
	started := run.started
	run.progressMu.Unlock()

	if !started {
		m.finalize(ctx, run, nil)
	}
	m.logger.Info("job cancellation requested", "job_id", id, "started", started)
	return true, nil
}

// DeleteJob cancels a local run and removes the job. Results of items still in
// flight are discarded.
func (m *JobManager) DeleteJob(ctx context.Context, id domain.JobID) error {
	if run := m.lookup(id); run != nil {
		run.deleted.Store(true)
		run.cancelled.Store(true)
	}

	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.bus.Forget(RetentionKey(domain.EventTypeJobUpdated, string(id)))

	if run := m.lookup(id); run != nil {
		run.progressMu.Lock()
		started := run.started
		run.progressMu.Unlock()
		if !started {
			m.finish(run, run.snapshot, false)
		}
	}
	m.logger.Info("job deleted", "job_id", id)
	return nil
}

func (m *JobManager) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return m.store.GetJob(ctx, id)
}

func (m *JobManager) GetJobDetail(ctx context.Context, id domain.JobID) (domain.JobDetail, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return domain.JobDetail{}, err
	}
	results, err := m.store.ListResults(ctx, id)
	if err != nil {
		return domain.JobDetail{}, fmt.Errorf("list results: %w", err)
	}
	return domain.JobDetail{Job: job, Results: results}, nil
}

func (m *JobManager) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return m.store.ListJobs(ctx)
}

// GetActiveJob returns the newest PROCESSING job, or the newest QUEUED one.
func (m *JobManager) GetActiveJob(ctx context.Context) (domain.Job, error) {
	jobs, err := m.store.ListJobs(ctx)
	if err != nil {
		return domain.Job{}, err
	}

	var queued *domain.Job
	for i := range jobs {
		switch jobs[i].Status {
		case domain.JobStatusProcessing:
			return jobs[i], nil
		case domain.JobStatusQueued:
			if queued == nil {
				queued = &jobs[i]
			}
		}
	}
	if queued != nil {
		return *queued, nil
	}
	return domain.Job{}, domain.ErrJobNotFound
}

// WaitJob blocks until a job started here finishes, then returns its final state.
// Jobs not running in this process are returned as stored.
func (m *JobManager) WaitJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	if run := m.lookup(id); run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		}
	}
	return m.store.GetJob(ctx, id)
}

func (m *JobManager) lookup(id domain.JobID) *jobRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

// orchestrate runs on a scheduler slot and waits for the job's items on a
// separate, per-job pool.
func (m *JobManager) orchestrate(ctx context.Context, id domain.JobID) {
	run := m.lookup(id)
	if run == nil {
		return
	}
	storeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job orchestration panicked", "job_id", id, "panic", r, "stack", string(debug.Stack()))
			m.finalize(storeCtx, run, fmt.Errorf("orchestration panic: %v", r))
		}
	}()

	run.progressMu.Lock()
	if run.stopped() {
		run.progressMu.Unlock()
		m.finalize(storeCtx, run, nil)
		return
	}
	if err := m.store.SetJobStatus(storeCtx, id, domain.JobStatusProcessing, time.Now()); err != nil {
		run.progressMu.Unlock()
		m.finalize(storeCtx, run, fmt.Errorf("start job: %w", err))
		return
	}
	job, err := m.store.GetJob(storeCtx, id)
	if err != nil {
		run.progressMu.Unlock()
		m.finalize(storeCtx, run, fmt.Errorf("start job: %w", err))
		return
	}
	run.started = true
	run.snapshot = job
	if job.Status.Terminal() {
		// Cancelled by another process while queued.
		run.cancelled.Store(true)
	} else {
		m.broadcast(job)
	}
	run.progressMu.Unlock()

	m.logger.Info("job started", "job_id", id, "total", len(run.items), "workers", m.cfg.ItemWorkers)

	var g errgroup.Group
	g.SetLimit(m.cfg.ItemWorkers)
	for _, item := range run.items {
		if run.stopped() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if run.stopped() {
				return nil
			}
			m.runItem(ctx, storeCtx, run, item)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	run.progressMu.Lock()
	unfinished := run.snapshot.Processed < run.snapshot.Total
	run.progressMu.Unlock()

	var failure error
	if ctx.Err() != nil && !run.stopped() && unfinished {
		failure = errors.New("interrupted by shutdown")
	}
	m.finalize(storeCtx, run, failure)
}

func (m *JobManager) runItem(ctx, storeCtx context.Context, run *jobRun, item string) {
	outcome := m.invoke(ctx, run, item)

	result := domain.JobResult{
		JobID:     run.id,
		Item:      item,
		Success:   outcome.Success,
		Detail:    outcome.Detail,
		CreatedAt: time.Now(),
	}
	if !outcome.Success {
		msg := outcome.Error
		if msg == "" {
			msg = "item failed"
		}
		result.Error = &msg
	}

	if err := m.store.AppendResult(storeCtx, result); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			run.deleted.Store(true)
			return
		}
		m.recordFailure(run, fmt.Errorf("append result: %w", err))
		return
	}

	delta := domain.Progress{Processed: 1, Success: 1}
	if !outcome.Success {
		delta = domain.Progress{Processed: 1, Errors: 1}
	}
	m.advance(storeCtx, run, delta)
}

// invoke calls the processor, turning errors and panics into a failed outcome.
func (m *JobManager) invoke(ctx context.Context, run *jobRun, item string) (outcome domain.ItemOutcome) {
	ctx = context.WithValue(ctx, jobIDKey{}, run.id)
	if m.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ItemTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("item processor panicked", "job_id", run.id, "item", item, "panic", r)
			outcome = domain.ItemOutcome{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	out, err := run.processor(ctx, item)
	if err != nil {
		return domain.ItemOutcome{Error: err.Error(), Detail: out.Detail}
	}
	return out
}

// advance writes one item's progress and broadcasts the new counters in the same order.
func (m *JobManager) advance(ctx context.Context, run *jobRun, delta domain.Progress) {
	run.progressMu.Lock()
	defer run.progressMu.Unlock()

	err := m.store.UpdateJobProgress(ctx, run.id, delta)
	switch {
	case err == nil:
		run.snapshot.Processed += delta.Processed
		run.snapshot.Success += delta.Success
		run.snapshot.Errors += delta.Errors
		if !run.deleted.Load() {
			m.broadcast(run.snapshot)
		}
	case errors.Is(err, domain.ErrJobFinished):
		// Another process moved the job to a terminal status.
		run.cancelled.Store(true)
	case errors.Is(err, domain.ErrJobNotFound):
		run.deleted.Store(true)
	default:
		m.setFailureLocked(run, fmt.Errorf("update progress: %w", err))
	}
}

func (m *JobManager) recordFailure(run *jobRun, err error) {
	run.progressMu.Lock()
	defer run.progressMu.Unlock()
	m.setFailureLocked(run, err)
}

func (m *JobManager) setFailureLocked(run *jobRun, err error) {
	if run.failure == nil {
		run.failure = err
		m.logger.Error("job store write failed, failing job", "job_id", run.id, "error", err)
	}
	run.cancelled.Store(true)
}

// finalize writes the terminal status (once the item pool is joined), broadcasts
// the final state and releases waiters.
func (m *JobManager) finalize(ctx context.Context, run *jobRun, failure error) {
	if run.deleted.Load() {
		m.bus.Forget(RetentionKey(domain.EventTypeJobUpdated, string(run.id)))
		m.finish(run, run.snapshot, false)
		return
	}

	run.progressMu.Lock()
	if failure == nil {
		failure = run.failure
	}
	run.progressMu.Unlock()

	now := time.Now()
	var err error
	switch {
	case failure != nil:
		err = m.store.FailJob(ctx, run.id, now, failure.Error())
	case run.cancelled.Load():
		err = m.store.SetJobStatus(ctx, run.id, domain.JobStatusCancelled, now)
	default:
		err = m.store.SetJobStatus(ctx, run.id, domain.JobStatusCompleted, now)
	}
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		m.logger.Error("failed to record terminal status", "job_id", run.id, "error", err)
	}

	job, err := m.store.GetJob(ctx, run.id)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			m.logger.Error("failed to load finished job", "job_id", run.id, "error", err)
		}
		m.finish(run, run.snapshot, false)
		return
	}

	m.broadcast(job)
	m.logger.Info("job finished", "job_id", job.ID, "status", job.Status,
		"processed", job.Processed, "success", job.Success, "errors", job.Errors)
	m.finish(run, job, true)
}

func (m *JobManager) finish(run *jobRun, job domain.Job, notify bool) {
	run.finishOnce.Do(func() {
		m.mu.Lock()
		delete(m.runs, run.id)
		hooks := slices.Clone(m.hooks)
		m.mu.Unlock()

		if notify {
			for _, hook := range hooks {
				hook(job)
			}
		}
		close(run.done)
	})
}

// reload re-reads a job and broadcasts its current state.
func (m *JobManager) reload(ctx context.Context, id domain.JobID) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		m.logger.Warn("failed to reload job", "job_id", id, "error", err)
		return
	}
	m.broadcast(job)
}

func (m *JobManager) broadcast(job domain.Job) {
	m.bus.Broadcast(domain.EventTypeJobUpdated, domain.NewJobProgressPayload(job))
}
