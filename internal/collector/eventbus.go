package collector

import (
	"log"
	"sync"

	"github.com/ernie/bloodmoon/internal/domain"
)

// DefaultEventBusCapacity bounds the number of undelivered events
const DefaultEventBusCapacity = 10000

// EventBus is an ordered queue of player events with one consumer and any
// number of producers. Publish never blocks. The bus outlives individual
// pipelines so a restarted pipeline keeps feeding the same consumer.
type EventBus struct {
	mu       sync.Mutex
	queue    []domain.PlayerEvent
	capacity int
	dropped  int
	ready    chan struct{}
}

// NewEventBus creates a bus holding at most capacity undelivered events.
// A capacity <= 0 uses DefaultEventBusCapacity.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = DefaultEventBusCapacity
	}
	return &EventBus{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Publish enqueues an event. When the queue is full the event is dropped
// with a warning; reconciliation corrects the resulting drift.
func (b *EventBus) Publish(ev domain.PlayerEvent) {
	b.mu.Lock()
	if len(b.queue) >= b.capacity {
		b.dropped++
		dropped := b.dropped
		b.mu.Unlock()
		log.Printf("Warning: event bus full, dropped %s event for %q (%d dropped total)", ev.Kind, ev.PlayerName, dropped)
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after Publish when events may be waiting
func (b *EventBus) Ready() <-chan struct{} {
	return b.ready
}

// Drain removes and returns all queued events in publish order
func (b *EventBus) Drain() []domain.PlayerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = nil
	return out
}

// Len returns the number of undelivered events
func (b *EventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns how many events were discarded because the bus was full
func (b *EventBus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
