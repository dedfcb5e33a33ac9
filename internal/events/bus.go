package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jkaninda/crucible/internal/observability"
)

// Handler reacts to one event. Handlers must be idempotent: delivery is
// at-least-once from the publisher's point of view.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus delivers each event synchronously to every subscriber of its topic,
// in subscription order. A failing or panicking subscriber is logged and
// skipped; the rest still run.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64

	logger  *slog.Logger
	metrics *observability.MetricsCollector
}

// NewBus creates an empty bus. logger and metrics may be nil.
func NewBus(logger *slog.Logger, metrics *observability.MetricsCollector) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subs:    make(map[Topic][]subscription),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers h for topic under a descriptive name and returns a
// function that removes the subscription.
func (b *Bus) Subscribe(topic Topic, name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, name: name, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, s := range list {
				if s.id == id {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every subscriber of its topic. The returned error
// joins subscriber failures and is informational only; the caller's own
// work has already committed.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[ev.Topic()]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.deliver(ctx, s, ev); err != nil {
			b.metrics.RecordHandlerFailure(s.name)
			b.logger.ErrorContext(ctx, "event subscriber failed",
				slog.String("topic", string(ev.Topic())),
				slog.String("subscriber", s.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribers returns the number of handlers registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.handler(ctx, ev)
}

var _ Publisher = (*Bus)(nil)
