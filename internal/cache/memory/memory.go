// Package memory is an in-process cache.Backend. A single mutex serialises
// every operation, which gives the atomicity the cache contracts require
// within one process.
package memory

import (
	"context"
	"sync"
	"time"

	"authcore/internal/cache"
)

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	tickets  map[string]cache.Ticket
	revoked  map[string]time.Time
	sessions map[string]map[string]time.Time
	counters map[string]counterEntry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

var _ cache.Backend = (*Store)(nil)

type Option func(*Store)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a Store. When janitorInterval is positive a background
// goroutine sweeps expired entries at that interval until Close.
func New(janitorInterval time.Duration, opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		tickets:  make(map[string]cache.Ticket),
		revoked:  make(map[string]time.Time),
		sessions: make(map[string]map[string]time.Time),
		counters: make(map[string]counterEntry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	} else {
		close(s.done)
	}
	return s
}

func (s *Store) janitor(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) PutTicket(_ context.Context, hash string, t cache.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickets[hash] = t
	return nil
}

func (s *Store) TakeTicket(_ context.Context, hash string) (cache.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[hash]
	if !ok {
		return cache.Ticket{}, cache.ErrNotFound
	}
	delete(s.tickets, hash)

	if !s.now().Before(t.ExpiresAt) {
		return cache.Ticket{}, cache.ErrNotFound
	}
	return t, nil
}

func (s *Store) RestoreTicket(_ context.Context, hash string, t cache.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.now().Before(t.ExpiresAt) {
		return nil
	}
	if _, occupied := s.tickets[hash]; occupied {
		return nil
	}
	s.tickets[hash] = t
	return nil
}

func (s *Store) TrackSession(_ context.Context, accountID, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.track(accountID, id, expiresAt)
	return nil
}

func (s *Store) RotateSession(_ context.Context, accountID, oldID string, oldExpiresAt time.Time, newID string, newExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRevoked(oldID) {
		return cache.ErrRevoked
	}
	s.revoked[oldID] = oldExpiresAt
	if index := s.sessions[accountID]; index != nil {
		delete(index, oldID)
	}
	s.track(accountID, newID, newExpiresAt)
	return nil
}

func (s *Store) RevokeSession(_ context.Context, accountID, id string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index := s.sessions[accountID]; index != nil {
		delete(index, id)
	}
	if s.isRevoked(id) {
		return false, nil
	}
	s.revoked[id] = expiresAt
	return true, nil
}

func (s *Store) RevokeAllSessions(_ context.Context, accountID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for id, expiresAt := range s.sessions[accountID] {
		if !now.Before(expiresAt) {
			continue
		}
		s.revoked[id] = expiresAt
		revoked++
	}
	delete(s.sessions, accountID)
	return revoked, nil
}

func (s *Store) IsRevoked(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isRevoked(id), nil
}

func (s *Store) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.counters[key]
	if !ok || !now.Before(entry.expiresAt) {
		entry = counterEntry{expiresAt: now.Add(ttl)}
	}
	entry.value++
	s.counters[key] = entry
	return entry.value, nil
}

func (s *Store) Compact(context.Context) (cache.CompactResult, error) {
	return cache.CompactResult{Backend: "memory", Removed: s.sweep()}, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// Close stops the janitor. It is safe to call more than once.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}

func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for hash, t := range s.tickets {
		if !now.Before(t.ExpiresAt) {
			delete(s.tickets, hash)
			removed++
		}
	}
	for id, expiresAt := range s.revoked {
		if !now.Before(expiresAt) {
			delete(s.revoked, id)
			removed++
		}
	}
	for accountID, index := range s.sessions {
		for id, expiresAt := range index {
			if !now.Before(expiresAt) {
				delete(index, id)
				removed++
			}
		}
		if len(index) == 0 {
			delete(s.sessions, accountID)
		}
	}
	for key, entry := range s.counters {
		if !now.Before(entry.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}

func (s *Store) track(accountID, id string, expiresAt time.Time) {
	index := s.sessions[accountID]
	if index == nil {
		index = make(map[string]time.Time)
		s.sessions[accountID] = index
	}
	index[id] = expiresAt
}

func (s *Store) isRevoked(id string) bool {
	expiresAt, ok := s.revoked[id]
	return ok && s.now().Before(expiresAt)
}
