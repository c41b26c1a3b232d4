// Package config loads inkwell's typed configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	LockBackendStore    = "store"
	LockBackendPostgres = "postgres"
)

// Config holds every tunable of the service.
type Config struct {
	Store   StoreConfig
	Library LibraryConfig
	HTTP    HTTPConfig
	Jobs    JobsConfig
	Events  EventsConfig
	Lock    LockConfig
	Log     LogConfig
}

type StoreConfig struct {
	Driver string // "sqlite3" or "duckdb"
	Path   string
}

type LibraryConfig struct {
	Root       string
	Extensions []string
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
}

type JobsConfig struct {
	ItemWorkers       int
	OrchestratorSlots int
	QueueSize         int
	ItemTimeout       time.Duration
	Retention         time.Duration
	SweepSchedule     string
}

type EventsConfig struct {
	SubscriberBuffer  int
	RetainedCap       int
	HeartbeatInterval time.Duration
}

type LockConfig struct {
	Backend     string // "store" or "postgres"
	Timeout     time.Duration
	TTL         time.Duration
	PostgresDSN string
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Default returns the configuration used when no variable is set.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: "sqlite3",
			Path:   "inkwell.db",
		},
		Library: LibraryConfig{
			Root: ".",
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:5173"},
		},
		Jobs: JobsConfig{
			ItemWorkers:       4,
			OrchestratorSlots: 1,
			QueueSize:         100,
			ItemTimeout:       0,
			Retention:         24 * time.Hour,
			SweepSchedule:     "@every 1h",
		},
		Events: EventsConfig{
			SubscriberBuffer:  100,
			RetainedCap:       512,
			HeartbeatInterval: 15 * time.Second,
		},
		Lock: LockConfig{
			Backend: LockBackendStore,
			Timeout: 750 * time.Millisecond,
			TTL:     5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads envFilePath when present, then overlays INKWELL_* variables on Default.
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	d := Default()
	l := &loader{}
	cfg := &Config{
		Store: StoreConfig{
			Driver: l.getEnv("INKWELL_DB_DRIVER", d.Store.Driver),
			Path:   l.getEnv("INKWELL_DB_PATH", d.Store.Path),
		},
		Library: LibraryConfig{
			Root:       l.getEnv("INKWELL_LIBRARY_ROOT", d.Library.Root),
			Extensions: l.getEnvAsList("INKWELL_LIBRARY_EXTENSIONS", d.Library.Extensions),
		},
		HTTP: HTTPConfig{
			Addr:        l.getEnv("INKWELL_HTTP_ADDR", d.HTTP.Addr),
			CORSOrigins: l.getEnvAsList("INKWELL_CORS_ORIGINS", d.HTTP.CORSOrigins),
		},
		Jobs: JobsConfig{
			ItemWorkers:       l.getEnvAsInt("INKWELL_ITEM_WORKERS", d.Jobs.ItemWorkers),
			OrchestratorSlots: l.getEnvAsInt("INKWELL_ORCHESTRATOR_SLOTS", d.Jobs.OrchestratorSlots),
			QueueSize:         l.getEnvAsInt("INKWELL_JOB_QUEUE_SIZE", d.Jobs.QueueSize),
			ItemTimeout:       l.getEnvAsDuration("INKWELL_ITEM_TIMEOUT", d.Jobs.ItemTimeout),
			Retention:         l.getEnvAsDuration("INKWELL_JOB_RETENTION", d.Jobs.Retention),
			SweepSchedule:     l.getEnv("INKWELL_SWEEP_SCHEDULE", d.Jobs.SweepSchedule),
		},
		Events: EventsConfig{
			SubscriberBuffer:  l.getEnvAsInt("INKWELL_SUBSCRIBER_BUFFER", d.Events.SubscriberBuffer),
			RetainedCap:       l.getEnvAsInt("INKWELL_RETAINED_EVENTS", d.Events.RetainedCap),
			HeartbeatInterval: l.getEnvAsDuration("INKWELL_HEARTBEAT_INTERVAL", d.Events.HeartbeatInterval),
		},
		Lock: LockConfig{
			Backend:     l.getEnv("INKWELL_LOCK_BACKEND", d.Lock.Backend),
			Timeout:     l.getEnvAsDuration("INKWELL_LOCK_TIMEOUT", d.Lock.Timeout),
			TTL:         l.getEnvAsDuration("INKWELL_LOCK_TTL", d.Lock.TTL),
			PostgresDSN: l.getEnv("INKWELL_POSTGRES_DSN", d.Lock.PostgresDSN),
		},
		Log: LogConfig{
			Level:  l.getEnv("INKWELL_LOG_LEVEL", d.Log.Level),
			Format: l.getEnv("INKWELL_LOG_FORMAT", d.Log.Format),
		},
	}
	if len(l.errs) > 0 {
		return nil, errors.Join(l.errs...)
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "sqlite3", "duckdb":
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q", c.Store.Driver))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}
	if c.Library.Root == "" {
		errs = append(errs, errors.New("library root is required"))
	}
	if c.Jobs.ItemWorkers < 1 {
		errs = append(errs, fmt.Errorf("item workers must be at least 1, got %d", c.Jobs.ItemWorkers))
	}
	if c.Jobs.OrchestratorSlots < 1 {
		errs = append(errs, fmt.Errorf("orchestrator slots must be at least 1, got %d", c.Jobs.OrchestratorSlots))
	}
	if c.Jobs.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("job queue size must be at least 1, got %d", c.Jobs.QueueSize))
	}
	if c.Jobs.ItemTimeout < 0 {
		errs = append(errs, errors.New("item timeout cannot be negative"))
	}
	if c.Jobs.Retention <= 0 {
		errs = append(errs, errors.New("job retention must be positive"))
	}
	if _, err := cron.ParseStandard(c.Jobs.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid sweep schedule %q: %w", c.Jobs.SweepSchedule, err))
	}
	if c.Events.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("subscriber buffer must be at least 1"))
	}
	if c.Events.RetainedCap < 1 {
		errs = append(errs, errors.New("retained event cap must be at least 1"))
	}
	if c.Events.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}

	switch c.Lock.Backend {
	case LockBackendStore:
	case LockBackendPostgres:
		if c.Lock.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres lock backend requires INKWELL_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported lock backend %q", c.Lock.Backend))
	}
	if c.Lock.Timeout <= 0 || c.Lock.Timeout > 5*time.Second {
		errs = append(errs, fmt.Errorf("lock timeout must be in (0, 5s], got %s", c.Lock.Timeout))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// loader reads typed variables, collecting malformed values instead of ignoring them.
type loader struct {
	errs []error
}

func (l *loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *loader) getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

func (l *loader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty entries.
func (l *loader) getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
