package broadcast

import (
	"context"
	"sync"

	"diagnostics_backend/platform/logger"
)

const subscriberBuffer = 32

// Hub is the in-process transport behind the SSE endpoint. It holds the
// connected subscribers of this API instance, keyed by channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	log  *logger.Logger
}

// Subscription is one connected stream.
type Subscription struct {
	channels []string
	events   chan Envelope
}

// Events yields envelopes until the subscription is closed.
func (s *Subscription) Events() <-chan Envelope { return s.events }

// Channels returns the channels this subscription listens on.
func (s *Subscription) Channels() []string { return s.channels }

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[*Subscription]struct{}),
		log:  log.WithComponent("realtime_hub"),
	}
}

// Subscribe registers a subscriber on channels.
func (h *Hub) Subscribe(channels []string) *Subscription {
	sub := &Subscription{
		channels: channels,
		events:   make(chan Envelope, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		set, ok := h.subs[ch]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[ch] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes sub and closes its event stream.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	for _, ch := range sub.channels {
		set := h.subs[ch]
		if _, ok := set[sub]; ok {
			delete(set, sub)
			removed = true
		}
		if len(set) == 0 {
			delete(h.subs, ch)
		}
	}
	if removed {
		close(sub.events)
	}
}

// Send delivers env to local subscribers of its channel. A subscriber whose
// buffer is full misses the event.
func (h *Hub) Send(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[env.Channel] {
		select {
		case sub.events <- env:
		default:
			h.log.Warn("subscriber buffer full", "channel", env.Channel, "event", env.Event)
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := make(map[*Subscription]struct{})
	for _, set := range h.subs {
		for sub := range set {
			if _, done := closed[sub]; !done {
				close(sub.events)
				closed[sub] = struct{}{}
			}
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}
