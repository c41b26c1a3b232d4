package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

const (
	OperationMarkProcessed = "mark_processed"
	OperationMarkDuplicate = "mark_duplicate"
	OperationClearMarkers  = "clear_markers"
)

// RegisterProcessor makes processor available to Submit under name. Registering
// an existing name replaces it.
func (m *JobManager) RegisterProcessor(name string, processor ItemProcessor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processors[name] = processor
	m.logger.Debug("registered processor", "operation", name)
}

// Operations lists registered processor names, sorted.
func (m *JobManager) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.processors))
	for name := range m.processors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit starts a job with a registered processor.
func (m *JobManager) Submit(ctx context.Context, operation string, items []string) (domain.JobID, error) {
	m.mu.Lock()
	processor, ok := m.processors[operation]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownOperation, operation)
	}
	return m.StartJob(ctx, operation, items, processor)
}

// RegisterMarkerProcessors wires the built-in marker operations.
func RegisterMarkerProcessors(m *JobManager, markers ports.MarkerStore, bus *EventBus) {
	m.RegisterProcessor(OperationMarkProcessed, markProcessor(markers, bus, domain.MarkerProcessed))
	m.RegisterProcessor(OperationMarkDuplicate, markProcessor(markers, bus, domain.MarkerDuplicate))
	m.RegisterProcessor(OperationClearMarkers, clearProcessor(markers, bus))
}

var errEmptyItem = errors.New("empty item path")

func markProcessor(markers ports.MarkerStore, bus *EventBus, marker domain.MarkerType) ItemProcessor {
	return func(ctx context.Context, item string) (domain.ItemOutcome, error) {
		path := strings.TrimSpace(item)
		if path == "" {
			return domain.ItemOutcome{}, errEmptyItem
		}
		if err := markers.Mark(ctx, path, marker); err != nil {
			return domain.ItemOutcome{}, fmt.Errorf("mark %s: %w", marker, err)
		}

		jobID, _ := JobIDFromContext(ctx)
		bus.Broadcast(domain.EventTypeFileProcessed, domain.FileProcessedPayload{Path: path, Marker: marker, JobID: jobID})
		return domain.ItemOutcome{Success: true, Detail: map[string]any{"marker": string(marker)}}, nil
	}
}

func clearProcessor(markers ports.MarkerStore, bus *EventBus) ItemProcessor {
	return func(ctx context.Context, item string) (domain.ItemOutcome, error) {
		path := strings.TrimSpace(item)
		if path == "" {
			return domain.ItemOutcome{}, errEmptyItem
		}
		for _, marker := range []domain.MarkerType{domain.MarkerProcessed, domain.MarkerDuplicate} {
			if err := markers.Unmark(ctx, path, marker); err != nil {
				return domain.ItemOutcome{}, fmt.Errorf("unmark %s: %w", marker, err)
			}
		}

		jobID, _ := JobIDFromContext(ctx)
		bus.Broadcast(domain.EventTypeFileProcessed, domain.FileProcessedPayload{Path: path, Cleared: true, JobID: jobID})
		return domain.ItemOutcome{Success: true}, nil
	}
}
