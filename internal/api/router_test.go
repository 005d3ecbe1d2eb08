// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/proxy"
	"github.com/ManuGH/stitchcore/internal/session"
	"github.com/ManuGH/stitchcore/internal/stitch"
)

type stubProvider struct{ pod adbreak.AdPod }

func (s stubProvider) Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
	return s.pod, nil
}

const testPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:1
#EXTINF:6.000,
seg1.ts
`

func newTestServer(t *testing.T, origin *httptest.Server) *Server {
	t.Helper()
	sessions := session.NewMemoryStore(5*time.Minute, time.Minute)
	t.Cleanup(sessions.Close)
	breaks := adbreak.NewCache(5 * time.Minute)
	provider := stubProvider{}
	pipeline := stitch.NewPipeline(sessions, breaks, provider, "https://stitch.example.com", origin.URL, "https://cdn.example/slate.mp4", 6)
	p := proxy.New(4)
	return New(pipeline, p, sessions, breaks, provider, "ssai")
}

func TestHandleHealth_Returns204(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandlePlaylist_MissingOrigin_Returns400(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing origin, got %d", rec.Code)
	}
}

func TestHandlePlaylist_RendersStitchedPlaylist(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testPlaylist))
	}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/playlist.m3u8?origin="+url.QueryEscape("/live/playlist.m3u8"), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Errorf("expected playlist body, got %s", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "application/vnd.apple.mpegurl" {
		t.Errorf("unexpected content-type %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandlePlaylist_OriginDown_Returns502(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/playlist.m3u8?origin="+url.QueryEscape("/live/playlist.m3u8"), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestHandleSegment_ProxiesUpstreamBytes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ts-bytes"))
	}))
	defer upstream.Close()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/segment/a.ts?origin="+url.QueryEscape(upstream.URL+"/"), nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Body.String() != "ts-bytes" {
		t.Errorf("expected proxied bytes, got %q", rec.Body.String())
	}
}

func TestHandleAssetList_NoFill_Returns404(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	srv := newTestServer(t, origin)

	req := httptest.NewRequest(http.MethodGet, "/stitch/s1/asset-list/break-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for no-fill break, got %d", rec.Code)
	}
}
