package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/docrelay/extraction-service/internal/scheduler/domain"
)

// EventKind discriminates scheduler events.
type EventKind string

const (
	EventJobTransitioned EventKind = "job_transitioned"
	EventGroupResolved   EventKind = "group_resolved"
)

// Event is emitted after a state transition has been durably applied to the
// store. Side effects (logging, notifications, indexing) subscribe here
// instead of being called inline from business logic.
type Event struct {
	Kind        EventKind
	JobID       string
	GroupID     string
	From        domain.Status
	To          domain.Status
	GroupStatus domain.GroupStatus
	Reason      string
	At          time.Time
}

// Bus is a small in-process fan-out for scheduler events. Publish is
// synchronous; subscribers must be fast and must not block.
type Bus struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish delivers the event to every subscriber in registration order.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(evt)
	}
}

// LogSubscriber returns a subscriber that records every event through slog.
func LogSubscriber(logger *slog.Logger) func(Event) {
	return func(evt Event) {
		switch evt.Kind {
		case EventGroupResolved:
			logger.Info("Job group resolved",
				slog.String("group_id", evt.GroupID),
				slog.String("status", string(evt.GroupStatus)),
				slog.String("reason", evt.Reason),
			)
		default:
			logger.Info("Job transitioned",
				slog.String("job_id", evt.JobID),
				slog.String("from", string(evt.From)),
				slog.String("to", string(evt.To)),
				slog.String("reason", evt.Reason),
			)
		}
	}
}
