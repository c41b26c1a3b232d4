package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/inkwell/internal/core/domain"
)

const (
	defaultSubscriberBuffer = 100
	defaultRetainedCap      = 512
)

// Event is one broadcast message. Subject names the entity it concerns, e.g. a job id.
type Event struct {
	Type      domain.EventType `json:"type"`
	Subject   string           `json:"subject,omitempty"`
	Payload   any              `json:"payload"`
	Timestamp int64            `json:"timestamp"`
}

// Key is the retention key of the event.
func (e Event) Key() string {
	return RetentionKey(e.Type, e.Subject)
}

// RetentionKey composes "<type>:<subject>" for per-entity retention, or the bare type.
// Job progress must be keyed per job so concurrent jobs don't overwrite each other.
func RetentionKey(t domain.EventType, subject string) string {
	if subject == "" {
		return string(t)
	}
	return string(t) + ":" + subject
}

type subjecter interface {
	EventSubject() string
}

type Subscription struct {
	id      uint64
	ctx     context.Context
	events  chan Event
	dropped atomic.Uint64
	closed  bool
	stop    func() bool
}

// Events is closed once the subscription is removed.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

type EventBusConfig struct {
	SubscriberBuffer int
	RetainedCap      int
}

// EventBus fans events out to subscribers without ever blocking the publisher
// and keeps the last event per retention key for late joiners.
type EventBus struct {
	logger *slog.Logger
	cfg    EventBusConfig

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64

	retained map[string]Event
	order    []string // LRU order, most recent last
}

func NewEventBus(logger *slog.Logger, cfg EventBusConfig) *EventBus {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.RetainedCap <= 0 {
		cfg.RetainedCap = defaultRetainedCap
	}
	return &EventBus{
		logger:   logger,
		cfg:      cfg,
		subs:     make(map[uint64]*Subscription),
		retained: make(map[string]Event),
	}
}

// Subscribe registers a bounded queue that lives until ctx is done or Unsubscribe is called.
func (b *EventBus) Subscribe(ctx context.Context) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ctx:    ctx,
		events: make(chan Event, b.cfg.SubscriberBuffer),
	}
	b.subs[sub.id] = sub
	sub.stop = context.AfterFunc(ctx, func() { b.Unsubscribe(sub) })
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes the subscription and closes its queue. Safe to call twice.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *EventBus) removeLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.events)
	if sub.stop != nil {
		sub.stop()
	}
}

// Broadcast stamps and delivers an event to every live subscriber. A full queue
// loses the new event for that subscriber only.
func (b *EventBus) Broadcast(t domain.EventType, payload any) Event {
	e := Event{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if s, ok := payload.(subjecter); ok {
		e.Subject = s.EventSubject()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if t.Retained() {
		b.retainLocked(e)
	}

	for _, sub := range b.subs {
		if sub.ctx.Err() != nil {
			b.removeLocked(sub)
			continue
		}
		select {
		case sub.events <- e:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("subscriber queue full, dropping event", "type", t, "subscription", sub.id)
		}
	}
	return e
}

// LastEvent returns the retained event for key.
func (b *EventBus) LastEvent(key string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.retained[key]
	return e, ok
}

// Retained snapshots all retained events, oldest first.
func (b *EventBus) Retained() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := make([]Event, 0, len(b.order))
	for _, key := range b.order {
		events = append(events, b.retained[key])
	}
	return events
}

// Forget drops a retained event, e.g. after its job was deleted.
func (b *EventBus) Forget(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.retained, key)
	b.removeLRULocked(key)
}

// SubscriberCount reports the number of live subscriptions.
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *EventBus) retainLocked(e Event) {
	key := e.Key()
	b.retained[key] = e
	b.removeLRULocked(key)
	b.order = append(b.order, key)

	for len(b.order) > b.cfg.RetainedCap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.retained, oldest)
	}
}

func (b *EventBus) removeLRULocked(key string) {
	for i, v := range b.order {
		if v == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
