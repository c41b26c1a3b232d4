// Package commands implements the inkwell CLI actions.
package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/manthysbr/inkwell/internal/adapters/sqlstore"
	"github.com/manthysbr/inkwell/internal/config"
)

// AppContext holds what every command needs: configuration, logger and the job store.
type AppContext struct {
	Config *config.Config
	Logger *slog.Logger
	Repo   *sqlstore.Repository
}

// NewAppContext loads configuration from envFile and opens the store.
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.NewLogger(cfg.Log)

	repo, err := sqlstore.NewRepository(logger, sqlstore.Driver(cfg.Store.Driver), cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	logger.DebugContext(ctx, "store opened", "driver", cfg.Store.Driver, "path", cfg.Store.Path)
	return &AppContext{Config: cfg, Logger: logger, Repo: repo}, nil
}

func (a *AppContext) Close() {
	if err := a.Repo.Close(); err != nil {
		a.Logger.Error("failed to close store", "error", err)
	}
}
