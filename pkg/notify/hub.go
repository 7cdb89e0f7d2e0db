package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultHubBuffer = 64

// Hub is an in-process topic hub. Subscribers that fall behind lose
// events instead of blocking publishers.
type Hub struct {
	log    logrus.FieldLogger
	buffer int

	mu   sync.RWMutex
	subs map[string]map[string]chan Event
}

// Compile-time interface check.
var _ Notifier = (*Hub)(nil)

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(log logrus.FieldLogger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}

	return &Hub{
		log:    log.WithField("component", "hub"),
		buffer: buffer,
		subs:   make(map[string]map[string]chan Event, 16),
	}
}

// Subscription receives the events of one topic.
type Subscription struct {
	ID     string
	Topic  string
	Events <-chan Event

	hub *Hub
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.Topic, s.ID)
}

// Subscribe registers a new subscriber for topic.
func (h *Hub) Subscribe(topic string) *Subscription {
	ch := make(chan Event, h.buffer)
	id := uuid.NewString()

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]chan Event, 4)
	}

	h.subs[topic][id] = ch
	h.mu.Unlock()

	h.log.WithField("topic", topic).
		WithField("subscriber", id).
		Debug("Subscriber added")

	return &Subscription{ID: id, Topic: topic, Events: ch, hub: h}
}

func (h *Hub) unsubscribe(topic, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subs[topic][id]
	if !ok {
		return
	}

	delete(h.subs[topic], id)

	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}

	close(ch)
}

// Subscribers returns the number of subscribers on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs[topic])
}

// Publish implements Notifier.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs[event.Topic] {
		select {
		case ch <- event:
		default:
			h.log.WithField("topic", event.Topic).
				WithField("subscriber", id).
				Warn("Subscriber buffer full, dropping event")
		}
	}

	return nil
}
