package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/inkwell/internal/adapters/sqlstore"
	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListFiles(ctx context.Context) ([]domain.FileInfo, error) {
	args := m.Called(ctx)
	files, _ := args.Get(0).([]domain.FileInfo)
	return files, args.Error(1)
}

var libraryFiles = []domain.FileInfo{
	{Path: "/lib/a.cbz", Name: "a.cbz", Size: 10},
	{Path: "/lib/b.cbz", Name: "b.cbz", Size: 20},
}

type cacheFixture struct {
	cache  *EnrichedCache
	lister *mockLister
	repo   *sqlstore.Repository
	bus    *EventBus
	sub    *Subscription
}

func newCacheFixture(t *testing.T, path string, lockTimeout time.Duration) *cacheFixture {
	t.Helper()
	repo, err := sqlstore.NewRepository(testLogger(), sqlstore.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	bus := NewEventBus(testLogger(), EventBusConfig{})
	sub := bus.Subscribe(context.Background())
	lister := &mockLister{}
	locker := sqlstore.NewLeaseLocker(repo, sqlstore.LockOptions{Timeout: lockTimeout})

	cache := NewEnrichedCache(testLogger(), lister, repo, locker, bus)
	t.Cleanup(cache.Close)

	return &cacheFixture{cache: cache, lister: lister, repo: repo, bus: bus, sub: sub}
}

func waitCacheUpdated(t *testing.T, sub *Subscription) domain.CacheUpdatedPayload {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.Events():
			if e.Type == domain.EventTypeCacheUpdated {
				return e.Payload.(domain.CacheUpdatedPayload)
			}
		case <-deadline:
			t.Fatal("timed out waiting for cache_updated")
		}
	}
}

func TestEnrichedCache_FirstReadRebuildsInBackground(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()
	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil)
	require.NoError(t, f.repo.Mark(ctx, "/lib/a.cbz", domain.MarkerProcessed))
	require.NoError(t, f.repo.Mark(ctx, "/lib/b.cbz", domain.MarkerDuplicate))

	listing, err := f.cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)
	assert.Empty(t, listing.Files)

	payload := waitCacheUpdated(t, f.sub)
	assert.True(t, payload.RebuildComplete)
	assert.Equal(t, 2, payload.Entries)

	listing, err = f.cache.List(ctx)
	require.NoError(t, err)
	assert.False(t, listing.Rebuilding)
	require.Len(t, listing.Files, 2)
	assert.True(t, listing.Files[0].Processed)
	assert.False(t, listing.Files[0].Duplicate)
	assert.False(t, listing.Files[1].Processed)
	assert.True(t, listing.Files[1].Duplicate)

	_, ok := f.bus.LastEvent(string(domain.EventTypeCacheUpdated))
	assert.True(t, ok)
	f.lister.AssertNumberOfCalls(t, "ListFiles", 1)
}

func TestEnrichedCache_MarkerMutationMakesSnapshotStale(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()
	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil)

	require.NoError(t, f.cache.Warm(ctx))
	waitCacheUpdated(t, f.sub)

	listing, err := f.cache.List(ctx)
	require.NoError(t, err)
	require.False(t, listing.Rebuilding)
	assert.False(t, listing.Files[1].Processed)

	// A write by any process sharing the store advances the mutation timestamp.
	require.NoError(t, f.repo.Mark(ctx, "/lib/b.cbz", domain.MarkerProcessed))

	listing, err = f.cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)

	waitCacheUpdated(t, f.sub)
	listing, err = f.cache.List(ctx)
	require.NoError(t, err)
	require.False(t, listing.Rebuilding)
	assert.True(t, listing.Files[1].Processed)
}

func TestEnrichedCache_InvalidateForcesRebuild(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()
	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil)

	require.NoError(t, f.cache.Warm(ctx))
	waitCacheUpdated(t, f.sub)

	f.cache.Invalidate()
	listing, err := f.cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)

	waitCacheUpdated(t, f.sub)
	f.lister.AssertNumberOfCalls(t, "ListFiles", 2)
}

func TestEnrichedCache_ConcurrentRebuildersAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkwell.db")
	a := newCacheFixture(t, path, 300*time.Millisecond)
	b := newCacheFixture(t, path, 300*time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	a.lister.On("ListFiles", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(libraryFiles, nil)

	listing, err := a.cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)

	start := time.Now()
	listing, err = b.cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)
	assert.Less(t, time.Since(start), time.Second, "losing rebuilder must not block")
	b.lister.AssertNotCalled(t, "ListFiles", mock.Anything)

	close(release)
	assert.Equal(t, 2, waitCacheUpdated(t, a.sub).Entries)
	a.lister.AssertNumberOfCalls(t, "ListFiles", 1)
}

func TestEnrichedCache_SingleFlightInProcess(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()

	release := make(chan struct{})
	f.lister.On("ListFiles", mock.Anything).Run(func(mock.Arguments) { <-release }).Return(libraryFiles, nil)

	for i := 0; i < 5; i++ {
		listing, err := f.cache.List(ctx)
		require.NoError(t, err)
		assert.True(t, listing.Rebuilding)
	}

	close(release)
	waitCacheUpdated(t, f.sub)
	f.lister.AssertNumberOfCalls(t, "ListFiles", 1)
}

func TestEnrichedCache_FailedRebuildKeepsSnapshot(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()

	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil).Once()
	f.lister.On("ListFiles", mock.Anything).Return(nil, errors.New("library unmounted")).Once()

	require.NoError(t, f.cache.Warm(ctx))
	waitCacheUpdated(t, f.sub)

	require.True(t, f.cache.TriggerRebuild(ctx))
	assert.Eventually(t, func() bool { return !f.cache.rebuilding.Load() }, 2*time.Second, 5*time.Millisecond)

	listing, err := f.cache.List(ctx)
	require.NoError(t, err)
	assert.False(t, listing.Rebuilding)
	assert.Len(t, listing.Files, 2)
	assert.Len(t, f.sub.Events(), 0, "a failed rebuild broadcasts nothing")

	// The lock was released, so another rebuild can start.
	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil)
	require.True(t, f.cache.TriggerRebuild(ctx))
	waitCacheUpdated(t, f.sub)
}

func TestEnrichedCache_EmptyLibraryIsPopulated(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()
	f.lister.On("ListFiles", mock.Anything).Return([]domain.FileInfo{}, nil)

	require.NoError(t, f.cache.Warm(ctx))
	assert.Equal(t, 0, waitCacheUpdated(t, f.sub).Entries)

	listing, err := f.cache.List(ctx)
	require.NoError(t, err)
	assert.False(t, listing.Rebuilding)
	assert.Empty(t, listing.Files)
	f.lister.AssertNumberOfCalls(t, "ListFiles", 1)
}

func TestEnrichedCache_WarmYieldsToOtherRebuilder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkwell.db")
	f := newCacheFixture(t, path, 50*time.Millisecond)
	ctx := context.Background()

	other, err := sqlstore.NewRepository(testLogger(), sqlstore.DriverSQLite, path)
	require.NoError(t, err)
	defer other.Close()

	lock, ok, err := sqlstore.NewLeaseLocker(other, sqlstore.LockOptions{}).TryAcquire(ctx, RebuildLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(ctx) //nolint:errcheck

	require.NoError(t, f.cache.Warm(ctx))
	f.lister.AssertNotCalled(t, "ListFiles", mock.Anything)
}

type unreadableTimestamp struct {
	ports.MarkerStore
	fail atomic.Bool
}

func (u *unreadableTimestamp) LastMutationTimestamp(ctx context.Context) (int64, error) {
	if u.fail.Load() {
		return 0, errors.New("database is locked")
	}
	return u.MarkerStore.LastMutationTimestamp(ctx)
}

func TestEnrichedCache_UncheckableFreshnessIsNotServed(t *testing.T) {
	f := newCacheFixture(t, filepath.Join(t.TempDir(), "inkwell.db"), 200*time.Millisecond)
	ctx := context.Background()
	f.lister.On("ListFiles", mock.Anything).Return(libraryFiles, nil)

	markers := &unreadableTimestamp{MarkerStore: f.repo}
	cache := NewEnrichedCache(testLogger(), f.lister, markers, sqlstore.NewLeaseLocker(f.repo, sqlstore.LockOptions{Timeout: 200 * time.Millisecond}), f.bus)
	t.Cleanup(cache.Close)

	require.NoError(t, cache.Warm(ctx))
	listing, err := cache.List(ctx)
	require.NoError(t, err)
	require.False(t, listing.Rebuilding)
	require.Len(t, listing.Files, 2)

	markers.fail.Store(true)
	listing, err = cache.List(ctx)
	require.NoError(t, err)
	assert.True(t, listing.Rebuilding)
	assert.Empty(t, listing.Files)

	// Once the timestamp is readable again the snapshot is served as before.
	markers.fail.Store(false)
	listing, err = cache.List(ctx)
	require.NoError(t, err)
	assert.False(t, listing.Rebuilding)
	assert.Len(t, listing.Files, 2)
}
