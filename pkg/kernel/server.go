// Package kernel exposes the job manager, enriched cache and event stream over HTTP.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/services"
)

// JobService is the subset of services.JobManager the HTTP surface drives.
type JobService interface {
	Submit(ctx context.Context, operation string, items []string) (domain.JobID, error)
	CancelJob(ctx context.Context, id domain.JobID) (bool, error)
	DeleteJob(ctx context.Context, id domain.JobID) error
	GetJobDetail(ctx context.Context, id domain.JobID) (domain.JobDetail, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	GetActiveJob(ctx context.Context) (domain.Job, error)
	Operations() []string
}

// FileCache is the subset of services.EnrichedCache the HTTP surface drives.
type FileCache interface {
	List(ctx context.Context) (domain.FileListing, error)
	Invalidate()
}

type Server struct {
	logger   *slog.Logger
	jobs     JobService
	cache    FileCache
	eventBus *services.EventBus
}

var (
	_ JobService = (*services.JobManager)(nil)
	_ FileCache  = (*services.EnrichedCache)(nil)
)

func NewServer(logger *slog.Logger, jobs JobService, cache FileCache, eventBus *services.EventBus) *Server {
	return &Server{
		logger:   logger,
		jobs:     jobs,
		cache:    cache,
		eventBus: eventBus,
	}
}

// Handler mounts every route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/active", s.handleActiveJob)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /v1/operations", s.handleListOperations)

	mux.HandleFunc("GET /v1/files", s.handleListFiles)

	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.HandleFunc("POST /v1/watcher/status", s.handleWatcherStatus)
	mux.HandleFunc("POST /v1/watcher/files", s.handleWatcherFile)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnknownOperation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
