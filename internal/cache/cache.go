// Package cache provides an in-process key-value store with per-key TTL.
// It backs the verification code lifecycle and the rate limiter, which
// treat its contents as best-effort transient state: losing an entry means
// the caller fails open.
package cache

import (
	"sync"
	"time"
)

// Store is the TTL key-value contract consumed by codes and ratelimit.
type Store interface {
	// Set stores value under key, replacing any prior entry. A ttl <= 0
	// means the entry never expires.
	Set(key string, value any, ttl time.Duration)

	// Get returns the live value for key. Expired entries read as absent.
	Get(key string) (any, bool)

	// Delete removes the entry for key if present.
	Delete(key string)

	// Update atomically transforms the entry for key. fn receives the
	// current live value (ok=false if absent or expired) and returns the
	// next value and ttl; keep=false deletes the entry instead.
	Update(key string, fn func(prev any, ok bool) (next any, ttl time.Duration, keep bool))
}

type entry struct {
	value     any
	expiresAt time.Time // zero = no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a mutex-guarded map with lazy expiry on read plus a
// background sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	stop    chan struct{}
	now     func() time.Time
}

// NewMemoryStore creates a memory store and starts its sweep goroutine.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() {
	close(s.stop)
}

func (s *MemoryStore) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

func (s *MemoryStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *MemoryStore) Update(key string, fn func(prev any, ok bool) (any, time.Duration, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev any
	e, ok := s.entries[key]
	if ok && !e.expired(s.now()) {
		prev = e.value
	} else {
		ok = false
	}

	next, ttl, keep := fn(prev, ok)
	if !keep {
		delete(s.entries, key)
		return
	}

	ne := entry{value: next}
	if ttl > 0 {
		ne.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = ne
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}
