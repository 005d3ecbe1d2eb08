// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// TestMain verifies every reaper goroutine started by NewMemoryStore across
// this package's tests is stopped by its Close() call.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryStore_GetOrCreate_IdempotentUnderConcurrency(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Hour)
	defer s.Close()

	const n = 50
	results := make([]*Session, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			sess, err := s.GetOrCreate(context.Background(), "sess-1", "ssai")
			if err != nil {
				t.Errorf("GetOrCreate() error = %v", err)
			}
			results[i] = sess
		}()
	}
	wg.Wait()

	first := results[0]
	for _, r := range results {
		if r != first {
			t.Error("expected all concurrent GetOrCreate calls to observe the same session instance")
		}
	}
}

func TestMemoryStore_Touch_NeverCreates(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Hour)
	defer s.Close()

	if err := s.Touch(context.Background(), "nonexistent"); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	s.mu.Lock()
	_, exists := s.sessions["nonexistent"]
	s.mu.Unlock()
	if exists {
		t.Error("Touch() must never create a session")
	}
}

func TestMemoryStore_ReapExpired_EvictsIdleSessions(t *testing.T) {
	s := NewMemoryStore(10*time.Millisecond, time.Hour)
	defer s.Close()

	if _, err := s.GetOrCreate(context.Background(), "sess-1", "ssai"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	n, err := s.ReapExpired(context.Background())
	if err != nil {
		t.Fatalf("ReapExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reaped session, got %d", n)
	}
}

func TestSession_MarkBeaconFired_AtMostOnce(t *testing.T) {
	s := NewSession("sess-1", "ssai")
	if !s.MarkBeaconFired("ad-1", "impression") {
		t.Error("expected first MarkBeaconFired to return true")
	}
	if s.MarkBeaconFired("ad-1", "impression") {
		t.Error("expected second MarkBeaconFired for the same (ad, event) to return false")
	}
	if !s.MarkBeaconFired("ad-1", "start") {
		t.Error("expected a different event to fire independently")
	}
}
