package events

import (
	"context"
	"sync"
	"sync/atomic"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"

	"go.uber.org/multierr"
)

// Bus fans session events out to in-process subscribers. Slow subscribers lose events
// instead of blocking the publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan *domain.Event
	nextID  uint64
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan *domain.Event)}
}

// Subscribe returns a channel of events and a function that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan *domain.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *domain.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, event *domain.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts events not delivered to a full subscriber.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Multi publishes to every publisher and combines their errors.
type Multi []ports.EventPublisher

func (m Multi) Publish(ctx context.Context, event *domain.Event) error {
	var errs error
	for _, p := range m {
		if p == nil {
			continue
		}
		errs = multierr.Append(errs, p.Publish(ctx, event))
	}
	return errs
}
