// Package bus is the in-process notification hub. Components publish
// lifecycle events on dotted topics; subscribers receive them on buffered
// channels with best-effort, at-most-once delivery.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Action  string
	ID      string
	Payload any
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Notify publishes a minimal event carrying an action and an entity ID.
// A nil Bus is a no-op, so callers never need to guard notification sites.
func (b *Bus) Notify(topic, action, id string) {
	b.NotifyWithPayload(topic, action, id, nil)
}

// NotifyWithPayload publishes an event with an attached payload.
// Delivery is non-blocking and at-most-once: if a subscriber's buffer is
// full the event is dropped for that subscriber. Publishers never learn
// whether anyone was listening.
func (b *Bus) NotifyWithPayload(topic, action, id string, payload any) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Action:  action,
		ID:      id,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(event.Topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// Publish sends an event with no action to all matching subscribers.
func (b *Bus) Publish(topic string, payload any) {
	b.NotifyWithPayload(topic, "", "", payload)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
