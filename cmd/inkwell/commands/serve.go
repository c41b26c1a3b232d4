package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/inkwell/internal/adapters/library"
	"github.com/manthysbr/inkwell/internal/adapters/pglock"
	"github.com/manthysbr/inkwell/internal/adapters/sqlstore"
	"github.com/manthysbr/inkwell/internal/config"
	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
	"github.com/manthysbr/inkwell/internal/core/services"
	"github.com/manthysbr/inkwell/pkg/kernel"
)

const shutdownTimeout = 5 * time.Second

// ServeAction runs the job manager, cache, background loops and HTTP API until ctx ends.
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cfg := appCtx.Config
	if addr := cmd.String("addr"); addr != "" {
		cfg.HTTP.Addr = addr
	}
	logger := appCtx.Logger
	repo := appCtx.Repo

	locker, closeLocker, err := newLocker(cfg.Lock, repo)
	if err != nil {
		return err
	}
	defer closeLocker()

	eventBus := services.NewEventBus(logger, services.EventBusConfig{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		RetainedCap:      cfg.Events.RetainedCap,
	})

	manager := services.NewJobManager(logger, repo, eventBus, services.JobManagerConfig{
		ItemWorkers: cfg.Jobs.ItemWorkers,
		ItemTimeout: cfg.Jobs.ItemTimeout,
		Scheduler: services.SchedulerConfig{
			MaxConcurrentJobs: int64(cfg.Jobs.OrchestratorSlots),
			QueueSize:         cfg.Jobs.QueueSize,
		},
	})
	services.RegisterMarkerProcessors(manager, repo, eventBus)

	lister := library.NewLister(cfg.Library.Root, cfg.Library.Extensions...)
	cache := services.NewEnrichedCache(logger, lister, repo, locker, eventBus)
	defer cache.Close()

	manager.OnJobFinished(func(job domain.Job) {
		cache.Invalidate()
	})

	if err := cache.Warm(ctx); err != nil {
		logger.Warn("initial cache build failed, serving rebuilds on demand", "error", err)
	}

	sweeper := services.NewRetentionSweeper(logger, repo, eventBus, services.RetentionConfig{
		MaxAge:   cfg.Jobs.Retention,
		Schedule: cfg.Jobs.SweepSchedule,
	})
	heartbeat := services.NewHeartbeatService(logger, eventBus, cfg.Events.HeartbeatInterval)

	apiServer := kernel.NewServer(logger, manager, cache, eventBus)

	g, gCtx := errgroup.WithContext(ctx)
	httpServer := newHTTPServer(gCtx, cfg.HTTP, apiServer.Handler())

	manager.Start(gCtx)
	defer manager.Wait()

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		return heartbeat.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newHTTPServer derives every request context from ctx, so long-lived event
// streams end when ctx does instead of holding Shutdown until its timeout.
func newHTTPServer(ctx context.Context, cfg config.HTTPConfig, handler http.Handler) *http.Server {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return &http.Server{
		Addr:        cfg.Addr,
		Handler:     c.Handler(handler),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}

func newLocker(cfg config.LockConfig, repo *sqlstore.Repository) (ports.Locker, func(), error) {
	switch cfg.Backend {
	case config.LockBackendPostgres:
		locker, err := pglock.Open(cfg.PostgresDSN, cfg.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init postgres locker: %w", err)
		}
		return locker, func() { locker.Close() }, nil
	default:
		locker := sqlstore.NewLeaseLocker(repo, sqlstore.LockOptions{TTL: cfg.TTL, Timeout: cfg.Timeout})
		return locker, func() {}, nil
	}
}
