package events

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 256

// EventBus fans events out to subscriber channels. Publishing never blocks:
// a subscriber whose buffer is full misses the event and the drop is counted.
type EventBus struct {
	mu      sync.RWMutex
	topics  map[string][]chan Event
	all     []chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates an open bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{topics: make(map[string][]chan Event)}
}

// Subscribe returns a channel receiving events of the given topics. With no
// topics the subscriber receives everything. bufSize <= 0 selects the default.
func (b *EventBus) Subscribe(bufSize int, topics ...string) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	if len(topics) == 0 {
		b.all = append(b.all, ch)
		return ch
	}
	for _, t := range topics {
		b.topics[t] = append(b.topics[t], ch)
	}
	return ch
}

// SubscribeAll is Subscribe with no topic filter.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.Subscribe(bufSize)
}

// Publish delivers event to subscribers of its topic and to catch-all subscribers.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.topics[event.Topic()] {
		b.send(ch, event)
	}
	for _, ch := range b.all {
		b.send(ch, event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel exactly once. Safe to call repeatedly.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for _, chans := range b.topics {
		for _, ch := range chans {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}
