package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

// HeartbeatService keeps idle event streams alive by broadcasting a heartbeat on a ticker.
type HeartbeatService struct {
	logger   *slog.Logger
	bus      *EventBus
	interval time.Duration
}

func NewHeartbeatService(logger *slog.Logger, bus *EventBus, interval time.Duration) *HeartbeatService {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatService{
		logger:   logger,
		bus:      bus,
		interval: interval,
	}
}

// Run starts the heartbeat loop. Blocks until ctx is cancelled.
func (h *HeartbeatService) Run(ctx context.Context) error {
	h.logger.Info("heartbeat service started", "interval", h.interval)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("heartbeat service stopped")
			return nil
		case <-ticker.C:
			h.bus.Broadcast(domain.EventTypeHeartbeat, domain.HeartbeatPayload{Subscribers: h.bus.SubscriberCount()})
		}
	}
}
