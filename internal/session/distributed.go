// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"time"

	"github.com/ManuGH/stitchcore/internal/cache"
)

// sessionRecord is the JSON-serializable projection of a Session stored in
// the distributed backend; Session itself carries an unexported mutex.
type sessionRecord struct {
	ID            string          `json:"id"`
	StitchingMode string          `json:"stitching_mode"`
	CreatedAt     time.Time       `json:"created_at"`
	BeaconsFired  map[string]bool `json:"beacons_fired"`
}

func (s *Session) toRecord() sessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired := make(map[string]bool, len(s.beaconsFired))
	for k, v := range s.beaconsFired {
		fired[k] = v
	}
	return sessionRecord{
		ID:            s.ID,
		StitchingMode: s.StitchingMode,
		CreatedAt:     s.CreatedAt,
		BeaconsFired:  fired,
	}
}

func fromRecord(r sessionRecord) *Session {
	return &Session{
		ID:            r.ID,
		StitchingMode: r.StitchingMode,
		CreatedAt:     r.CreatedAt,
		lastAccess:    time.Now(),
		beaconsFired:  r.BeaconsFired,
	}
}

// DistributedStore backs the session contract with a key-value store that
// has native per-key TTL (Redis in production). touch refreshes expiry by
// rewriting the record with a fresh TTL; no cross-instance coordination is
// required beyond that.
type DistributedStore struct {
	cache  cache.Cache
	ttl    time.Duration
	prefix string
}

// NewDistributedStore builds a DistributedStore over the given cache
// backend (typically a *cache.RedisCache).
func NewDistributedStore(c cache.Cache, ttl time.Duration) *DistributedStore {
	return &DistributedStore{cache: c, ttl: ttl, prefix: "stitch:session:"}
}

func (s *DistributedStore) key(id string) string {
	return s.prefix + id
}

// GetOrCreate is idempotent under the backend's own key semantics: the
// first writer's Set establishes the record; concurrent callers racing the
// same id may each write once, but all observe a valid, equivalent session.
func (s *DistributedStore) GetOrCreate(ctx context.Context, id string, stitchingMode string) (*Session, error) {
	if v, ok := s.cache.Get(s.key(id)); ok {
		if rec, ok := decodeRecord(v); ok {
			sess := fromRecord(rec)
			s.cache.Set(s.key(id), sess.toRecord(), s.ttl)
			return sess, nil
		}
	}
	sess := NewSession(id, stitchingMode)
	s.cache.Set(s.key(id), sess.toRecord(), s.ttl)
	return sess, nil
}

// Touch refreshes the record's TTL if it exists; it never creates one.
func (s *DistributedStore) Touch(ctx context.Context, id string) error {
	v, ok := s.cache.Get(s.key(id))
	if !ok {
		return nil
	}
	rec, ok := decodeRecord(v)
	if !ok {
		return nil
	}
	s.cache.Set(s.key(id), rec, s.ttl)
	return nil
}

// ReapExpired is a no-op: the backend's native TTL handles eviction.
func (s *DistributedStore) ReapExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Close is a no-op; the underlying cache client outlives the store.
func (s *DistributedStore) Close() {}

// decodeRecord handles the fact that cache.Cache round-trips values through
// JSON, which decodes into map[string]any rather than sessionRecord unless
// the caller re-marshals; both shapes are accepted here.
func decodeRecord(v any) (sessionRecord, bool) {
	switch rec := v.(type) {
	case sessionRecord:
		return rec, true
	case map[string]any:
		out := sessionRecord{BeaconsFired: map[string]bool{}}
		if id, ok := rec["id"].(string); ok {
			out.ID = id
		}
		if mode, ok := rec["stitching_mode"].(string); ok {
			out.StitchingMode = mode
		}
		if created, ok := rec["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				out.CreatedAt = t
			}
		}
		if fired, ok := rec["beacons_fired"].(map[string]any); ok {
			for k, v := range fired {
				if b, ok := v.(bool); ok {
					out.BeaconsFired[k] = b
				}
			}
		}
		return out, true
	default:
		return sessionRecord{}, false
	}
}
