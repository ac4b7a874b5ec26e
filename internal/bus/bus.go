// Package bus is a synchronous typed event bus.
package bus

import (
	"slices"
	"sync"

	"github.com/luciancaetano/wikichat"
)

type subscription struct {
	id      uint64
	handler func(wikichat.Event)
}

// Bus delivers published events to the subscribers of their topic, in
// subscription order, on the publishing goroutine. It implements
// wikichat.Subscriber.
type Bus struct {
	mu     sync.RWMutex
	topics map[wikichat.Topic][]subscription
	all    []subscription
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[wikichat.Topic][]subscription)}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic wikichat.Topic, handler func(wikichat.Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.topics[topic] = slices.DeleteFunc(b.topics[topic], func(s subscription) bool { return s.id == id })
		})
	}
}

// SubscribeAll registers handler for every topic. Catch-all handlers run
// before the topic's own subscribers, so an event published from a topic
// handler reaches them after the event that caused it.
func (b *Bus) SubscribeAll(handler func(wikichat.Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.all = slices.DeleteFunc(b.all, func(s subscription) bool { return s.id == id })
		})
	}
}

// Publish delivers event synchronously. Handlers may subscribe, unsubscribe
// or publish; changes apply from the next Publish.
func (b *Bus) Publish(event wikichat.Event) {
	b.mu.RLock()
	handlers := make([]func(wikichat.Event), 0, len(b.topics[event.Topic()])+len(b.all))
	for _, s := range b.all {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.topics[event.Topic()] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Len returns the number of subscriptions on topic, excluding catch-alls.
func (b *Bus) Len(topic wikichat.Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
