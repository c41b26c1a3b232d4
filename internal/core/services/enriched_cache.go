package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

// RebuildLockName is the inter-process lock guarding enriched cache rebuilds.
const RebuildLockName = "enriched_cache"

var enrichedMarkers = []domain.MarkerType{domain.MarkerProcessed, domain.MarkerDuplicate}

type cacheSnapshot struct {
	entries []domain.FileEntry
	// builtAt is the marker mutation timestamp read before the build started.
	builtAt int64
}

// EnrichedCache serves the library listing joined with marker flags. Reads never
// rebuild inline: a stale or missing snapshot triggers a background rebuild and
// the caller is told to come back after the cache_updated event.
type EnrichedCache struct {
	logger  *slog.Logger
	lister  ports.FileLister
	markers ports.MarkerStore
	locker  ports.Locker
	bus     *EventBus

	mu       sync.Mutex
	snapshot *cacheSnapshot
	valid    bool
	// generation advances on every Invalidate so a rebuild racing with one is not trusted.
	generation uint64

	rebuilding atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewEnrichedCache(logger *slog.Logger, lister ports.FileLister, markers ports.MarkerStore, locker ports.Locker, bus *EventBus) *EnrichedCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &EnrichedCache{
		logger:  logger,
		lister:  lister,
		markers: markers,
		locker:  locker,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// List returns the current snapshot, or Rebuilding=true when none is fresh.
// Freshness that cannot be checked counts as not fresh.
// The returned entries are shared and must not be modified.
func (c *EnrichedCache) List(ctx context.Context) (domain.FileListing, error) {
	ts, err := c.markers.LastMutationTimestamp(ctx)
	if err != nil {
		c.logger.Warn("could not read marker mutation timestamp", "error", err)
		return domain.FileListing{Files: []domain.FileEntry{}, Rebuilding: true}, nil
	}

	c.mu.Lock()
	if c.valid && ts > c.snapshot.builtAt {
		c.valid = false
		c.logger.Debug("enriched cache is stale", "built_at", c.snapshot.builtAt, "last_mutation", ts)
	}
	var entries []domain.FileEntry
	fresh := c.valid
	if fresh {
		entries = c.snapshot.entries
	}
	c.mu.Unlock()

	if fresh {
		return domain.FileListing{Files: entries}, nil
	}

	c.TriggerRebuild(ctx)
	return domain.FileListing{Files: []domain.FileEntry{}, Rebuilding: true}, nil
}

// Invalidate marks the snapshot stale; the next List starts a rebuild.
func (c *EnrichedCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.generation++
	c.mu.Unlock()
}

// TriggerRebuild starts a background rebuild unless one is already running here
// or the inter-process lock is held elsewhere. It waits at most the locker's
// timeout and reports whether a rebuild was started.
func (c *EnrichedCache) TriggerRebuild(ctx context.Context) bool {
	lock, ok := c.claim(ctx)
	if !ok {
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.rebuilding.Store(false)
		defer c.release(lock)

		if err := c.rebuild(c.ctx); err != nil {
			c.logger.Error("enriched cache rebuild failed, keeping previous snapshot", "error", err)
		}
	}()
	return true
}

// Warm builds the first snapshot synchronously. Losing the lock to another
// process is not an error.
func (c *EnrichedCache) Warm(ctx context.Context) error {
	lock, ok := c.claim(ctx)
	if !ok {
		return nil
	}
	defer c.rebuilding.Store(false)
	defer c.release(lock)

	return c.rebuild(ctx)
}

// Close stops a running rebuild and waits for it.
func (c *EnrichedCache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *EnrichedCache) claim(ctx context.Context) (ports.Lock, bool) {
	if !c.rebuilding.CompareAndSwap(false, true) {
		return nil, false
	}

	lock, ok, err := c.locker.TryAcquire(ctx, RebuildLockName)
	if err != nil {
		c.logger.Warn("rebuild lock unavailable", "error", err)
	}
	if err != nil || !ok {
		c.rebuilding.Store(false)
		return nil, false
	}
	return lock, true
}

func (c *EnrichedCache) release(lock ports.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lock.Release(ctx); err != nil {
		c.logger.Warn("failed to release rebuild lock", "error", err)
	}
}

func (c *EnrichedCache) rebuild(ctx context.Context) error {
	start := time.Now()
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	// Read before fetching so a mutation during the build leaves the result stale.
	ts, err := c.markers.LastMutationTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("read mutation timestamp: %w", err)
	}
	files, err := c.lister.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}
	set, err := c.markers.GetAllMarkers(ctx, enrichedMarkers)
	if err != nil {
		return fmt.Errorf("fetch markers: %w", err)
	}

	entries := make([]domain.FileEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, domain.FileEntry{
			FileInfo:  f,
			Processed: set.Has(domain.MarkerProcessed, f.Path),
			Duplicate: set.Has(domain.MarkerDuplicate, f.Path),
		})
	}

	c.mu.Lock()
	c.snapshot = &cacheSnapshot{entries: entries, builtAt: ts}
	c.valid = generation == c.generation
	c.mu.Unlock()

	c.logger.Info("enriched cache rebuilt", "entries", len(entries), "duration", time.Since(start))
	c.bus.Broadcast(domain.EventTypeCacheUpdated, domain.CacheUpdatedPayload{RebuildComplete: true, Entries: len(entries)})
	return nil
}
