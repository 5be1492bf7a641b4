// Package bus fans registry and worker events out to in-process observers.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription receives the events whose topic starts with its prefix.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the channel to receive events on. It is closed by Unsubscribe
// and by Bus.Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus is an in-process pub/sub bus with topic prefix matching. Events reach
// each subscriber in the order Publish was called. A nil *Bus is valid and
// discards everything.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. The channel holds 100 events; a
// subscriber that falls further behind misses events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity. On a
// closed bus the returned subscription's channel is already closed.
func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}
	if b == nil {
		return sub
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Repeated calls
// are harmless.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish hands the event to every matching subscriber without blocking.
// A full subscriber loses the event and its Dropped count goes up.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close unsubscribes everyone. Publish after Close is a no-op.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
