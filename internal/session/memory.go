package session

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/Anansitrading/HYPERCOG/internal/metrics"
)

// MemoryStore keeps sessions in process with a TTL
type MemoryStore struct {
	mu     sync.Mutex
	items  *gocache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewMemoryStore returns a store whose entries expire after ttl
func NewMemoryStore(ttl time.Duration, logger *zap.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		items:  gocache.New(ttl, ttl/2),
		ttl:    ttl,
		logger: logger,
	}
}

// Create implements Store
func (m *MemoryStore) Create(_ context.Context, s *Session) (*Session, bool, error) {
	if err := validate(s); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items.Get(s.ID); ok {
		return clone(v.(*Session)), false, nil
	}
	stamp(s)
	m.items.Set(s.ID, clone(s), m.ttl)
	metrics.SessionsCreated.Inc()
	m.logger.Debug("Created session", zap.String("session_id", s.ID))
	return clone(s), true, nil
}

// Get implements Store
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	v, ok := m.items.Get(id)
	if !ok {
		metrics.SessionCacheMisses.Inc()
		return nil, ErrSessionNotFound
	}
	metrics.SessionCacheHits.Inc()
	return clone(v.(*Session)), nil
}

// Update implements Store
func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s := clone(v.(*Session))
	fn(s)
	s.ID = id
	stamp(s)
	m.items.Set(id, clone(s), m.ttl)
	return s, nil
}

// Delete implements Store
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.items.Delete(id)
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() error {
	m.items.Flush()
	return nil
}

// Len returns the number of live sessions
func (m *MemoryStore) Len() int { return m.items.ItemCount() }

// clone copies the session header; the context is immutable and shared
func clone(s *Session) *Session {
	c := *s
	return &c
}
