// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/session"
)

func TestStreamSegment_PassesThroughBytesAndHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("segment-bytes"))
	}))
	defer upstream.Close()

	p := New(0)
	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/segment/a.ts", nil)
	rec := httptest.NewRecorder()

	if err := p.StreamSegment(context.Background(), rec, req, KindContent, upstream.URL); err != nil {
		t.Fatalf("StreamSegment() error = %v", err)
	}
	if rec.Body.String() != "segment-bytes" {
		t.Errorf("expected body passthrough, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp2t" {
		t.Errorf("expected Content-Type passthrough, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestStreamSegment_RetriesOnceForContentOn5xx(t *testing.T) {
	var attempts int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok-on-retry"))
	}))
	defer upstream.Close()

	p := New(0)
	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/segment/a.ts", nil)
	rec := httptest.NewRecorder()

	if err := p.StreamSegment(context.Background(), rec, req, KindContent, upstream.URL); err != nil {
		t.Fatalf("StreamSegment() error = %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", attempts)
	}
	if rec.Body.String() != "ok-on-retry" {
		t.Errorf("expected retry body, got %q", rec.Body.String())
	}
}

func TestStreamSegment_PassesThroughRangeHeader(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer upstream.Close()

	p := New(0)
	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/segment/a.ts", nil)
	req.Header.Set("Range", "bytes=0-1023")
	rec := httptest.NewRecorder()

	if err := p.StreamSegment(context.Background(), rec, req, KindContent, upstream.URL); err != nil {
		t.Fatalf("StreamSegment() error = %v", err)
	}
	if gotRange != "bytes=0-1023" {
		t.Errorf("expected Range header forwarded, got %q", gotRange)
	}
}

func TestStreamSegment_AdFetchBoundedByLimiter(t *testing.T) {
	release := make(chan struct{})
	var concurrent int32
	var maxConcurrent int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&concurrent, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := New(1)
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/stitch/s1/ad/ad-1", nil)
			rec := httptest.NewRecorder()
			p.StreamSegment(context.Background(), rec, req, KindAd, upstream.URL)
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 3; i++ {
		<-done
	}

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Errorf("expected limiter to bound concurrent ad fetches to 1, observed %d", maxConcurrent)
	}
}

func TestFireDeliveryBeacons_ImpressionAndQuartilesFireAtMostOnce(t *testing.T) {
	var hits int32
	beaconSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer beaconSrv.Close()

	sess := session.NewSession("s1", "ssai")
	ad := adbreak.Ad{
		ID:          "ad-1",
		Impressions: []string{beaconSrv.URL + "/imp"},
		TrackingEvents: map[string][]string{
			"start": {beaconSrv.URL + "/start"},
		},
	}

	FireDeliveryBeacons(sess, ad, 0, 6)
	FireDeliveryBeacons(sess, ad, 0, 6) // repeat: must not double-fire

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&hits) != 2 {
		t.Errorf("expected exactly 2 beacon sends (impression + start), got %d", hits)
	}
}
