// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package stitch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/session"
)

type stubProvider struct {
	pod adbreak.AdPod
	err error
}

func (s stubProvider) Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
	return s.pod, s.err
}

const sampleMediaPlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:1
#EXTINF:6.000,
seg1.ts
#EXT-X-CUE-OUT:6
#EXTINF:6.000,
seg2.ts
#EXT-X-CUE-IN
#EXTINF:6.000,
seg3.ts
`

func TestMediaPlaylistRequest_SSAI_InterleavesResolvedAds(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMediaPlaylist))
	}))
	defer origin.Close()

	sessions := session.NewMemoryStore(5*time.Minute, time.Minute)
	defer sessions.Close()
	breaks := adbreak.NewCache(5 * time.Minute)
	provider := stubProvider{pod: adbreak.AdPod{Ads: []adbreak.Ad{{ID: "ad-1", DurationSeconds: 6}}}}

	p := NewPipeline(sessions, breaks, provider, "https://stitch.example.com", origin.URL, "https://cdn.example/slate.mp4", 6)

	out, err := p.MediaPlaylistRequest(context.Background(), "s1", "/live/playlist.m3u8", "ssai")
	if err != nil {
		t.Fatalf("MediaPlaylistRequest() error = %v", err)
	}
	if !strings.Contains(out, "/stitch/s1/ad/ad-1") {
		t.Errorf("expected ad URL in stitched output, got:\n%s", out)
	}
	if !strings.Contains(out, "#EXT-X-DISCONTINUITY") {
		t.Errorf("expected discontinuity markers, got:\n%s", out)
	}
}

func TestMediaPlaylistRequest_SGAI_EmitsDateRange(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMediaPlaylist))
	}))
	defer origin.Close()

	sessions := session.NewMemoryStore(5*time.Minute, time.Minute)
	defer sessions.Close()
	breaks := adbreak.NewCache(5 * time.Minute)
	provider := stubProvider{}

	p := NewPipeline(sessions, breaks, provider, "https://stitch.example.com", origin.URL, "https://cdn.example/slate.mp4", 6)

	out, err := p.MediaPlaylistRequest(context.Background(), "s1", "/live/playlist.m3u8", "sgai")
	if err != nil {
		t.Fatalf("MediaPlaylistRequest() error = %v", err)
	}
	if !strings.Contains(out, `CLASS="com.apple.hls.interstitial"`) {
		t.Errorf("expected interstitial date-range, got:\n%s", out)
	}
}

func TestMediaPlaylistRequest_OriginFailsAfterRetry_YieldsOriginUnavailable(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	sessions := session.NewMemoryStore(5*time.Minute, time.Minute)
	defer sessions.Close()
	breaks := adbreak.NewCache(5 * time.Minute)

	p := NewPipeline(sessions, breaks, stubProvider{}, "https://stitch.example.com", origin.URL, "https://cdn.example/slate.mp4", 6)

	_, err := p.MediaPlaylistRequest(context.Background(), "s1", "/live/playlist.m3u8", "ssai")
	if err == nil {
		t.Fatal("expected error for failing origin")
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", HTTPStatus(err))
	}
}

func TestMediaPlaylistRequest_MalformedManifest_YieldsManifestMalformed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an m3u8 playlist"))
	}))
	defer origin.Close()

	sessions := session.NewMemoryStore(5*time.Minute, time.Minute)
	defer sessions.Close()
	breaks := adbreak.NewCache(5 * time.Minute)

	p := NewPipeline(sessions, breaks, stubProvider{}, "https://stitch.example.com", origin.URL, "https://cdn.example/slate.mp4", 6)

	_, err := p.MediaPlaylistRequest(context.Background(), "s1", "/live/playlist.m3u8", "ssai")
	if err == nil {
		t.Fatal("expected error for malformed manifest")
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("expected 502 for malformed manifest, got %d", HTTPStatus(err))
	}
}
