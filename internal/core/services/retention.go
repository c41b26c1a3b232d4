package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

type RetentionConfig struct {
	// MaxAge is how long terminal jobs are kept after completion.
	MaxAge time.Duration
	// Schedule is a cron spec, e.g. "@every 1h" or "0 * * * *".
	Schedule string
}

// RetentionSweeper removes finished jobs older than MaxAge on a cron schedule.
// With a bus, the retained progress events of removed jobs are forgotten too.
type RetentionSweeper struct {
	logger *slog.Logger
	store  ports.JobStore
	bus    *EventBus
	cfg    RetentionConfig
	now    func() time.Time
}

func NewRetentionSweeper(logger *slog.Logger, store ports.JobStore, bus *EventBus, cfg RetentionConfig) *RetentionSweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	return &RetentionSweeper{logger: logger, store: store, bus: bus, cfg: cfg, now: time.Now}
}

// Sweep deletes terminal jobs completed before now-MaxAge.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed, err := s.store.CleanupOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	if s.bus != nil {
		for _, id := range removed {
			s.bus.Forget(RetentionKey(domain.EventTypeJobUpdated, string(id)))
		}
	}
	if len(removed) > 0 {
		s.logger.Info("retention sweep removed jobs", "count", len(removed), "cutoff", cutoff)
	}
	return len(removed), nil
}

// Run sweeps once immediately, then on the schedule until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.cfg.Schedule, err)
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("retention sweep failed", "error", err)
	}

	s.logger.Info("retention sweeper started", "schedule", s.cfg.Schedule, "max_age", s.cfg.MaxAge)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("retention sweeper stopped")
	return nil
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
