package sqlstore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) (*Repository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inkwell.db")
	repo, err := NewRepository(testLogger(), DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func TestRepository_JobLifecycle(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "mark_processed", 3)
	require.NoError(t, err)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "mark_processed", job.Operation)
	assert.Equal(t, 3, job.Total)
	assert.Zero(t, job.Processed)
	assert.Nil(t, job.StartedAt)

	started := time.Now()
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusProcessing, started))
	require.NoError(t, repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 1, Success: 1}))
	require.NoError(t, repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 2, Success: 1, Errors: 1}))

	job, err = repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 3, job.Processed)
	assert.Equal(t, 2, job.Success)
	assert.Equal(t, 1, job.Errors)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, started.UnixMilli(), job.StartedAt.UnixMilli())

	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusCompleted, time.Now()))
	job, err = repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, float64(100), job.Percentage())
}

func TestRepository_ProgressGuards(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 2)
	require.NoError(t, err)

	err = repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 3, Success: 3})
	assert.ErrorIs(t, err, domain.ErrProgressOverflow)

	err = repo.UpdateJobProgress(ctx, "missing", domain.Progress{Processed: 1, Success: 1})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	require.NoError(t, repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 1, Success: 1}))
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusCancelled, time.Now()))

	err = repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 1, Success: 1})
	assert.ErrorIs(t, err, domain.ErrJobFinished)

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Processed, "counts are frozen once terminal")
}

func TestRepository_TransitionsAreMonotonic(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)

	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusCancelled, time.Now()))

	// Leaving a terminal state is silently ignored.
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusProcessing, time.Now()))
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusCompleted, time.Now()))
	require.NoError(t, repo.FailJob(ctx, id, time.Now(), "late failure"))

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Nil(t, job.Error)

	assert.Error(t, repo.SetJobStatus(ctx, id, domain.JobStatusQueued, time.Now()))
	assert.ErrorIs(t, repo.SetJobStatus(ctx, "missing", domain.JobStatusCompleted, time.Now()), domain.ErrJobNotFound)
}

func TestRepository_FailJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 5)
	require.NoError(t, err)
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusProcessing, time.Now()))
	require.NoError(t, repo.FailJob(ctx, id, time.Now(), "store exploded"))

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "store exploded", *job.Error)
}

func TestRepository_Results(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 2)
	require.NoError(t, err)

	boom := "boom"
	require.NoError(t, repo.AppendResult(ctx, domain.JobResult{JobID: id, Item: "a.cbz", Success: true, Detail: map[string]any{"pages": float64(24)}}))
	require.NoError(t, repo.AppendResult(ctx, domain.JobResult{JobID: id, Item: "b.cbz", Success: false, Error: &boom}))

	results, err := repo.ListResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.cbz", results[0].Item)
	assert.True(t, results[0].Success)
	assert.Equal(t, float64(24), results[0].Detail["pages"])
	assert.Equal(t, "b.cbz", results[1].Item)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, "boom", *results[1].Error)

	err = repo.AppendResult(ctx, domain.JobResult{JobID: "missing", Item: "x", Success: true})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestRepository_DeleteJob(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)
	require.NoError(t, repo.AppendResult(ctx, domain.JobResult{JobID: id, Item: "a", Success: true}))

	require.NoError(t, repo.DeleteJob(ctx, id))

	_, err = repo.GetJob(ctx, id)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	results, err := repo.ListResults(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, repo.DeleteJob(ctx, id), domain.ErrJobNotFound)
	assert.ErrorIs(t, repo.AppendResult(ctx, domain.JobResult{JobID: id, Item: "late", Success: true}), domain.ErrJobNotFound)
}

func TestRepository_ListJobsNewestFirst(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)

	jobs, err := repo.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second, jobs[0].ID)
	assert.Equal(t, first, jobs[1].ID)
}

func TestRepository_CleanupOlderThan(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	old, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)
	require.NoError(t, repo.AppendResult(ctx, domain.JobResult{JobID: old, Item: "a", Success: true}))
	require.NoError(t, repo.SetJobStatus(ctx, old, domain.JobStatusCompleted, now.Add(-48*time.Hour)))

	recent, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)
	require.NoError(t, repo.SetJobStatus(ctx, recent, domain.JobStatusFailed, now.Add(-time.Hour)))

	running, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)
	require.NoError(t, repo.SetJobStatus(ctx, running, domain.JobStatusProcessing, now.Add(-72*time.Hour)))

	removed, err := repo.CleanupOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []domain.JobID{old}, removed)

	_, err = repo.GetJob(ctx, old)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	results, err := repo.ListResults(ctx, old)
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = repo.GetJob(ctx, recent)
	assert.NoError(t, err)
	_, err = repo.GetJob(ctx, running)
	assert.NoError(t, err)
}

func TestRepository_ConcurrentProgress(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	const total = 40
	id, err := repo.CreateJob(ctx, "op", total)
	require.NoError(t, err)
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusProcessing, time.Now()))

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := domain.Progress{Processed: 1, Success: 1}
			if i%4 == 0 {
				delta = domain.Progress{Processed: 1, Errors: 1}
			}
			assert.NoError(t, repo.UpdateJobProgress(ctx, id, delta))
		}(i)
	}
	wg.Wait()

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, total, job.Processed)
	assert.Equal(t, job.Processed, job.Success+job.Errors)
	assert.Equal(t, 10, job.Errors)
}

func TestRepository_SharedFileAcrossHandles(t *testing.T) {
	repo, path := newTestRepo(t)
	ctx := context.Background()

	other, err := NewRepository(testLogger(), DriverSQLite, path)
	require.NoError(t, err)
	defer other.Close()

	id, err := repo.CreateJob(ctx, "op", 1)
	require.NoError(t, err)

	// A cancel written by another process is visible to the owner's next progress write.
	require.NoError(t, other.SetJobStatus(ctx, id, domain.JobStatusCancelled, time.Now()))
	err = repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 1, Success: 1})
	assert.ErrorIs(t, err, domain.ErrJobFinished)
}

func TestRepository_QuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inkwell.db")
	require.NoError(t, os.WriteFile(path, []byte("this is definitely not a sqlite database file, just garbage bytes"), 0o600))

	repo, err := NewRepository(testLogger(), DriverSQLite, path)
	require.NoError(t, err)
	defer repo.Close()

	jobs, err := repo.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)

	moved, err := filepath.Glob(path + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestRepository_DuckDB(t *testing.T) {
	repo, err := NewRepository(testLogger(), DriverDuckDB, filepath.Join(t.TempDir(), "inkwell.duckdb"))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()

	id, err := repo.CreateJob(ctx, "op", 2)
	require.NoError(t, err)
	require.NoError(t, repo.SetJobStatus(ctx, id, domain.JobStatusProcessing, time.Now()))
	require.NoError(t, repo.UpdateJobProgress(ctx, id, domain.Progress{Processed: 1, Success: 1}))
	require.NoError(t, repo.AppendResult(ctx, domain.JobResult{JobID: id, Item: "a", Success: true}))

	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.Processed)

	results, err := repo.ListResults(ctx, id)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, repo.Mark(ctx, "/lib/a.cbz", domain.MarkerProcessed))
	set, err := repo.GetAllMarkers(ctx, []domain.MarkerType{domain.MarkerProcessed})
	require.NoError(t, err)
	assert.True(t, set.Has(domain.MarkerProcessed, "/lib/a.cbz"))
}
