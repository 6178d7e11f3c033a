// Package events carries the orchestration lifecycle out to in-process
// observers: task state changes, iteration usage, routing decisions,
// breakpoints, and project progress. The fan-out never blocks the loop; a
// slow observer loses events rather than stalling an iteration.
package events

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Bus fans published events out to subscribers. An event's topic is derived
// from its type ("task.completed" publishes on "task"), so publishers never
// name a topic themselves.
type Bus struct {
	mu       sync.RWMutex
	byTopic  map[string][]chan Event
	firehose []chan Event // SubscribeAll channels, every topic
	closed   bool

	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byTopic: make(map[string][]chan Event)}
}

// topicOf maps an event type to its topic: the segment before the first dot.
func topicOf(eventType string) string {
	topic, _, _ := strings.Cut(eventType, ".")
	return topic
}

// Subscribe registers for one topic and returns the receiving channel.
// bufSize caps how far the subscriber may lag before events are dropped for
// it; values <= 0 get a 256-event buffer.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.byTopic[topic] = append(b.byTopic[topic], ch)
	return ch
}

// SubscribeAll registers for every topic on one channel. The CLI's verbose
// log and the tests consume the whole stream this way.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.firehose = append(b.firehose, ch)
	return ch
}

// Publish delivers the event to every subscriber of its topic and to every
// SubscribeAll channel. Delivery is best-effort: a full channel counts a
// drop for that subscriber and the publisher moves on.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.byTopic[topicOf(event.EventType())] {
		b.send(ch, event)
	}
	for _, ch := range b.firehose {
		b.send(ch, event)
	}
}

func (b *Bus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publishing afterwards is a no-op;
// Close itself is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.byTopic {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.firehose {
		close(ch)
	}
}
