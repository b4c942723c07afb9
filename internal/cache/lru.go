// Package cache provides the bounded in-process cache shared by the
// embedding service and the evaluator.
package cache

import (
	"container/list"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// LRU is an in-process LRU with per-entry TTL
type LRU[V any] struct {
	mu   sync.Mutex
	cap  int
	ttl  time.Duration
	list *list.List               // front = most recent
	m    map[string]*list.Element // key -> element
	now  func() time.Time
}

type entry[V any] struct {
	key string
	val V
	exp time.Time
}

// NewLRU returns a cache holding at most capacity entries, each living ttl.
// A zero ttl never expires entries.
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRU[V]{
		cap:  capacity,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element, capacity),
		now:  time.Now,
	}
}

// Get returns the value for key when present and not expired
func (l *LRU[V]) Get(key string) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero V
	el, ok := l.m[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(entry[V])
	if !ent.exp.IsZero() && !ent.exp.After(l.now()) {
		l.list.Remove(el)
		delete(l.m, key)
		return zero, false
	}
	l.list.MoveToFront(el)
	return ent.val, true
}

// Set stores v under key using the cache TTL
func (l *LRU[V]) Set(key string, v V) {
	l.SetWithTTL(key, v, l.ttl)
}

// SetWithTTL stores v under key, evicting the least recently used entry
// when full
func (l *LRU[V]) SetWithTTL(key string, v V, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = l.now().Add(ttl)
	}
	if el, ok := l.m[key]; ok {
		el.Value = entry[V]{key: key, val: v, exp: exp}
		l.list.MoveToFront(el)
		return
	}
	el := l.list.PushFront(entry[V]{key: key, val: v, exp: exp})
	l.m[key] = el
	if l.list.Len() > l.cap {
		if last := l.list.Back(); last != nil {
			delete(l.m, last.Value.(entry[V]).key)
			l.list.Remove(last)
		}
	}
}

// Delete removes key if present
func (l *LRU[V]) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.m[key]; ok {
		l.list.Remove(el)
		delete(l.m, key)
	}
}

// Len returns the number of stored entries, expired ones included
func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list.Len()
}

// Key hashes parts into a namespaced cache key
func Key(prefix string, parts ...string) string {
	h := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return prefix + ":" + hex.EncodeToString(h[:16])
}
