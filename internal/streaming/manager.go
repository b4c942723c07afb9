// Package streaming fans pipeline stage events out to live subscribers and
// keeps a short per-session history for Last-Event-ID replay.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types
const (
	StageStarted      = "STAGE_STARTED"
	StageCompleted    = "STAGE_COMPLETED"
	AgentCompleted    = "AGENT_COMPLETED"
	PipelineCompleted = "PIPELINE_COMPLETED"
	PipelineFailed    = "PIPELINE_FAILED"
)

// DefaultCapacity is the ring size per session
const DefaultCapacity = 256

// Event is one stage transition in an enrichment session
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Stage     string                 `json:"stage,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Publisher is the write side used by the pipeline
type Publisher interface {
	Publish(sessionID string, evt Event)
}

// Nop drops every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(string, Event) {}

// Manager provides in-memory pub/sub for session events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history    map[string]*ring
	order      []string
	capacity   int
	maxStreams int
	logger     *zap.Logger
}

// NewManager returns a manager keeping capacity events for each of the
// most recent maxStreams sessions.
func NewManager(capacity, maxStreams int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxStreams <= 0 {
		maxStreams = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		maxStreams:  maxStreams,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for sessionID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns the next sequence number and sends the event to all
// subscribers of sessionID without blocking. Slow subscribers miss events
// and can recover them with ReplaySince.
func (m *Manager) Publish(sessionID string, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
		m.order = append(m.order, sessionID)
		m.evict()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.SessionID = sessionID
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)

	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			m.logger.Debug("Dropped event for slow subscriber",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// evict drops the oldest session histories beyond maxStreams. Callers hold mu.
func (m *Manager) evict() {
	for len(m.order) > m.maxStreams {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.history, oldest)
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
