package events

import (
	"sync"
	"sync/atomic"
)

// EventBus fans runtime events out to subscribers. Publish never blocks:
// the worker group event loop is the main publisher and must not stall on a
// slow consumer, so a full subscriber loses the event and its drop counter
// goes up instead.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*Subscription
	closed  bool
	dropped atomic.Uint64
}

// Subscription is one consumer of the bus.
type Subscription struct {
	bus     *EventBus
	topics  Topic
	ch      chan Event
	dropped atomic.Uint64
	done    bool // Guarded by bus.mu
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers a consumer for the given topics. bufSize defaults to
// 256. Subscribing to a closed bus returns an already closed subscription.
func (b *EventBus) Subscribe(topics Topic, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 256
	}
	s := &Subscription{bus: b, topics: topics, ch: make(chan Event, bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.done = true
		close(s.ch)
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Publish delivers ev to every subscription whose topics include ev's.
func (b *EventBus) Publish(ev Event) {
	topic := ev.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topics&topic == 0 {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the deliveries lost across all subscriptions.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later calls are no-ops.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.done = true
		close(s.ch)
	}
	b.subs = nil
}

// Events returns the delivery channel. It is closed by Close on either the
// subscription or the bus.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscription lost to a full buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the delivery channel.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	for i, other := range b.subs {
		if other == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}
