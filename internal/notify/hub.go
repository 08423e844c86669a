// Package notify broadcasts worker events to every connected UI context.
//
// Delivery is best-effort: a subscriber whose buffer is full simply misses
// the event. UI contexts re-read the cache on their own load cycle, so a
// missed notification only delays a refresh.
package notify

import (
	"sync"
)

// EventType names a broadcast.
type EventType string

const (
	CacheUpdated  EventType = "cache-updated"
	CacheStale    EventType = "cache-stale"
	SyncRequested EventType = "sync-requested"
	PushReceived  EventType = "push-received"
)

// Event is the wire shape of a broadcast: {type, payload}.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// URLPayload accompanies cache-updated.
type URLPayload struct {
	URL string `json:"url"`
}

// StalePayload accompanies cache-stale.
type StalePayload struct {
	URL   string `json:"url"`
	AgeMs int64  `json:"ageMs"`
}

// SyncPayload accompanies sync-requested.
type SyncPayload struct {
	Type string `json:"type"`
}

// PushPayload accompanies push-received.
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// MapURL returns ev with the URL in its payload passed through fn.
// Payloads without a URL are returned unchanged.
func (ev Event) MapURL(fn func(string) string) Event {
	switch p := ev.Payload.(type) {
	case URLPayload:
		p.URL = fn(p.URL)
		ev.Payload = p
	case StalePayload:
		p.URL = fn(p.URL)
		ev.Payload = p
	case PushPayload:
		if p.URL != "" {
			p.URL = fn(p.URL)
		}
		ev.Payload = p
	}
	return ev
}

// Hub fans events out to subscribers.
type Hub struct {
	mu      sync.Mutex
	clients map[*Subscription]struct{}
	buffer  int
}

// NewHub creates a hub whose subscribers each buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		clients: make(map[*Subscription]struct{}),
		buffer:  buffer,
	}
}

// Subscription is one connected UI context.
type Subscription struct {
	C    <-chan Event
	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Subscribe attaches a new UI context.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.clients, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

// Clients returns the number of attached UI contexts.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify broadcasts an event without blocking and returns how many
// subscribers received it.
func (h *Hub) Notify(t EventType, payload any) int {
	ev := Event{Type: t, Payload: payload}
	delivered := 0

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.ch <- ev:
			delivered++
		default:
			// Client buffer full, skip
		}
	}
	return delivered
}
