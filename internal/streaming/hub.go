// Package streaming is the in-process pub/sub hub between the agent and
// the transport handlers. Publishing never blocks: a slow subscriber
// drops events rather than stalling the turn, and a per-session ring
// buffer keeps recent events for Last-Event-ID replay.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/lectern/internal/metrics"
)

// Event types carried on the chat stream.
const (
	TypeToken    = "token"
	TypeCitation = "citation"
	TypeEnd      = "end"
	TypeError    = "error"
)

// Event is one chat stream item. Exactly one of the payload fields is
// set, matching Type.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Content  string    `json:"content,omitempty"`
	Citation *Citation `json:"citation,omitempty"`
	Response string    `json:"response,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Citation points a reply at the corpus passage it drew on.
type Citation struct {
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkID       int64   `json:"chunk_id"`
	Score         float64 `json:"score"`
}

// Marshal returns the event's JSON form for SSE data lines and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Hub fans events out per session.
type Hub struct {
	logger   *zap.Logger
	capacity int

	mu         sync.RWMutex
	subs       map[string]map[chan Event]struct{}
	history    map[string]*ring
	maxStreams int
}

// NewHub creates a hub whose per-session replay rings hold capacity
// events each.
func NewHub(capacity int, logger *zap.Logger) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		capacity:   capacity,
		subs:       make(map[string]map[chan Event]struct{}),
		history:    make(map[string]*ring),
		maxStreams: 1024,
	}
}

// Subscribe registers a buffered channel for a session's events. The
// caller must drain it and call Unsubscribe when done.
func (h *Hub) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	h.mu.Lock()
	subs := h.subs[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		h.subs[sessionID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call twice.
func (h *Hub) Unsubscribe(sessionID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, present := subs[ch]; present {
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
	}
	if len(subs) == 0 {
		delete(h.subs, sessionID)
	}
}

// Publish assigns the event's sequence number and fans it out. Sequence
// numbers start at 1 per session, so ReplaySince(0) returns everything
// the ring still holds.
func (h *Hub) Publish(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	rg := h.history[sessionID]
	if rg == nil {
		h.evictStaleLocked()
		rg = newRing(h.capacity)
		h.history[sessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	rg.touched = time.Now()
	subs := h.subs[sessionID]
	h.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			metrics.StreamEventsDropped.Inc()
			h.logger.Debug("Dropped stream event for slow subscriber",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
}

// ReplaySince returns a session's events with Seq > since, oldest first,
// best-effort within the ring capacity.
func (h *Hub) ReplaySince(sessionID string, since uint64) []Event {
	h.mu.RLock()
	rg := h.history[sessionID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	h.mu.RUnlock()
	return out
}

// evictStaleLocked drops the least recently published ring when the
// history map is full. Caller holds mu.
func (h *Hub) evictStaleLocked() {
	if len(h.history) < h.maxStreams {
		return
	}
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, rg := range h.history {
		if oldestID == "" || rg.touched.Before(oldestAt) {
			oldestID = id
			oldestAt = rg.touched
		}
	}
	if oldestID != "" {
		delete(h.history, oldestID)
	}
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
	touched time.Time
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
