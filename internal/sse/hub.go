// Package sse fans typed messages out to Server-Sent-Events subscribers.
// The hub owns a bounded registry; each subscriber gets a buffered frame
// channel and publishing never blocks: a subscriber that cannot keep up
// is dropped rather than stalling the rest.
package sse

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Message types pushed on the stream.
const (
	TypeConnected     = "connected"
	TypeEvent         = "event"
	TypeStats         = "stats"
	TypeSessionUpdate = "session_update"
)

// subscriberBuffer is the per-client frame backlog before the client is
// considered too slow and dropped.
const subscriberBuffer = 256

// ErrHubFull is returned by Subscribe when the registry is at capacity.
var ErrHubFull = errors.New("sse: client limit reached")

// Filter restricts which published payloads reach a subscriber. Empty
// fields match everything; a set field requires payload equality.
type Filter struct {
	AgentType string
	EventType string
}

func (f Filter) matches(payload map[string]any) bool {
	if f.AgentType != "" && !fieldEquals(payload, "agent_type", f.AgentType) {
		return false
	}
	if f.EventType != "" && !fieldEquals(payload, "event_type", f.EventType) {
		return false
	}
	return true
}

// fieldEquals compares a payload field to a filter value. A missing or
// non-string field never matches.
func fieldEquals(payload map[string]any, key, want string) bool {
	got, ok := payload[key].(string)
	return ok && got == want
}

type subscriber struct {
	id     uuid.UUID
	filter Filter
	frames chan string
}

// Subscription is one registered client. Frames carries fully encoded
// SSE data frames; the channel is closed when the subscriber is removed.
type Subscription struct {
	ID     uuid.UUID
	Frames <-chan string

	hub *Hub
}

// Close removes the subscription from the hub. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s.ID)
}

// Hub is the bounded broadcast registry.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber
	maxClients  int
	closed      bool
}

func NewHub(maxClients int) *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]*subscriber),
		maxClients:  maxClients,
	}
}

// MaxClients reports the registry capacity.
func (h *Hub) MaxClients() int {
	return h.maxClients
}

// ClientCount reports the number of registered subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Subscribe registers a client and immediately queues its connected
// frame. Returns ErrHubFull when the registry is at capacity.
func (h *Hub) Subscribe(filter Filter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubFull
	}
	if len(h.subscribers) >= h.maxClients {
		return nil, ErrHubFull
	}

	sub := &subscriber{
		id:     uuid.New(),
		filter: filter,
		frames: make(chan string, subscriberBuffer),
	}
	sub.frames <- encodeFrame(TypeConnected, nil)
	h.subscribers[sub.id] = sub

	return &Subscription{ID: sub.id, Frames: sub.frames, hub: h}, nil
}

// Publish encodes one frame and queues it on every subscriber whose
// filter matches the payload. Never blocks: a subscriber with a full
// buffer is dropped.
func (h *Hub) Publish(msgType string, payload map[string]any) {
	frame := encodeFrame(msgType, payload)

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		if !sub.filter.matches(payload) {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			log.Warn().Str("subscriber", id.String()).Msg("dropping slow sse subscriber")
			delete(h.subscribers, id)
			close(sub.frames)
		}
	}
}

// Shutdown removes and closes every subscriber. Subsequent Subscribe
// calls are rejected.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.frames)
	}
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(sub.frames)
	}
}

// encodeFrame renders one SSE data frame. A nil payload yields a bare
// {"type": ...} object, used for the connected frame.
func encodeFrame(msgType string, payload map[string]any) string {
	msg := struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload}

	raw, err := json.Marshal(msg)
	if err != nil {
		// Payloads are built from marshalable values; this is unreachable
		// short of a programming error.
		log.Error().Err(err).Str("type", msgType).Msg("encode sse frame")
		raw = []byte(`{"type":"` + msgType + `"}`)
	}
	return "data: " + string(raw) + "\n\n"
}

// HeartbeatFrame is the comment line written on the heartbeat ticker.
const HeartbeatFrame = ": heartbeat\n\n"
