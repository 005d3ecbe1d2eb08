// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session implements the stitching session store: get_or_create,
// touch, and reap_expired behind a uniform contract with in-memory and
// distributed (Redis) backends.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
)

// Session is a single viewer's stitching session: its stitching mode and
// the beacon-fired bitset that makes tracking beacons at-most-once.
type Session struct {
	ID            string
	StitchingMode string
	CreatedAt     time.Time

	mu           sync.Mutex
	lastAccess   time.Time
	beaconsFired map[string]bool // key: adID + "|" + event
}

// NewSession constructs a session with an empty beacon bitset.
func NewSession(id, stitchingMode string) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		StitchingMode: stitchingMode,
		CreatedAt:     now,
		lastAccess:    now,
		beaconsFired:  make(map[string]bool),
	}
}

// MarkBeaconFired records that (adID, event) has fired and reports whether
// this call was the one that transitioned it from unfired to fired — the
// at-most-once guarantee for tracking beacons.
func (s *Session) MarkBeaconFired(adID, event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := adID + "|" + event
	if s.beaconsFired[key] {
		return false
	}
	s.beaconsFired[key] = true
	return true
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastAccess)
}

// Store is the uniform session-store contract implemented by the in-memory
// and distributed backends.
type Store interface {
	// GetOrCreate is idempotent under concurrent calls for the same id:
	// the first writer wins, later callers observe the same session.
	GetOrCreate(ctx context.Context, id string, stitchingMode string) (*Session, error)
	// Touch refreshes a session's expiry. It never creates a session.
	Touch(ctx context.Context, id string) error
	// ReapExpired evicts sessions idle longer than the store's TTL and
	// returns the number evicted.
	ReapExpired(ctx context.Context) (int, error)
	// Close stops any background goroutines owned by the store.
	Close()
}

// MemoryStore is a concurrent in-memory session store with a background
// reaper evicting entries idle longer than ttl.
type MemoryStore struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore builds a MemoryStore and starts its reaper goroutine,
// running every reapInterval.
func NewMemoryStore(ttl, reapInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.reapLoop(reapInterval)
	return s
}

// GetOrCreate returns the existing session for id, or atomically creates
// one using stitchingMode if absent.
func (s *MemoryStore) GetOrCreate(ctx context.Context, id string, stitchingMode string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		existing.touch()
		return existing, nil
	}
	sess := NewSession(id, stitchingMode)
	s.sessions[id] = sess
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return sess, nil
}

// Touch refreshes last-access time for an existing session. No-op if the
// session is absent (it never creates).
func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		sess.touch()
	}
	return nil
}

// ReapExpired removes sessions idle longer than the store's TTL.
func (s *MemoryStore) ReapExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, sess := range s.sessions {
		if sess.idleSince() > s.ttl {
			delete(s.sessions, id)
			count++
		}
	}
	if count > 0 {
		metrics.SessionsReapedTotal.Add(float64(count))
	}
	metrics.SessionsActive.Set(float64(len(s.sessions)))
	return count, nil
}

// Close stops the reaper goroutine.
func (s *MemoryStore) Close() {
	close(s.stop)
	<-s.done
}

func (s *MemoryStore) reapLoop(interval time.Duration) {
	defer close(s.done)
	logger := log.WithComponent("session")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			n, _ := s.ReapExpired(context.Background())
			if n > 0 {
				logger.Debug().Int("reaped", n).Msg("session reaper evicted expired sessions")
			}
		}
	}
}
