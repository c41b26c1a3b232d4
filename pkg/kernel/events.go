package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/services"
)

// handleEventStream serves every broadcast as SSE. Retained events are replayed
// first so a client connecting mid-job sees current progress immediately.
// GET /v1/events
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub := s.eventBus.Subscribe(ctx)
	defer s.eventBus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, evt := range s.eventBus.Retained() {
		if err := writeEvent(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt services.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

type watcherStatusRequest struct {
	State  string `json:"state"`
	Detail string `json:"detail"`
}

// handleWatcherStatus relays the external watcher's state to subscribers.
// POST /v1/watcher/status
func (s *Server) handleWatcherStatus(w http.ResponseWriter, r *http.Request) {
	var req watcherStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.State) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "state is required"})
		return
	}

	s.eventBus.Broadcast(domain.EventTypeWatcherStatus, domain.WatcherStatusPayload{State: req.State, Detail: req.Detail})
	w.WriteHeader(http.StatusAccepted)
}

type watcherFileRequest struct {
	Path   string            `json:"path"`
	Marker domain.MarkerType `json:"marker"`
}

// handleWatcherFile records that the watcher handled a file. The listing may
// have changed without any marker write, so the cache is invalidated too.
// POST /v1/watcher/files
func (s *Server) handleWatcherFile(w http.ResponseWriter, r *http.Request) {
	var req watcherFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Path) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}

	s.cache.Invalidate()
	s.eventBus.Broadcast(domain.EventTypeFileProcessed, domain.FileProcessedPayload{Path: req.Path, Marker: req.Marker})
	w.WriteHeader(http.StatusAccepted)
}
