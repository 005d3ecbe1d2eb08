// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package proxy streams content, ad, and slate segment bytes from upstream
// origins through to the client, with retry/backoff, byte-range
// passthrough, concurrency bounding for ad-break storms, and VAST beacon
// firing wired to per-session at-most-once delivery tracking.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// Kind classifies the upstream being proxied, used for metric labels and
// per-kind timeout policy.
type Kind string

const (
	KindContent Kind = "content"
	KindAd      Kind = "ad"
	KindSlate   Kind = "slate"
)

const (
	originTimeout     = 5 * time.Second
	originRetryDelay  = 500 * time.Millisecond
	adConnectTimeout  = 3 * time.Second
	adTotalTimeout    = 30 * time.Second
	beaconTimeout     = 2 * time.Second
)

// Proxy streams upstream bytes to clients, bounding concurrent ad fetches
// with a weighted semaphore so an ad-break storm cannot exhaust upstream
// connections.
type Proxy struct {
	client      *http.Client
	adLimiter   *semaphore.Weighted
	beaconHTTP  *http.Client
}

// New builds a Proxy. maxConcurrentAdFetches bounds simultaneous ad-segment
// upstream fetches; zero disables the limiter.
func New(maxConcurrentAdFetches int64) *Proxy {
	p := &Proxy{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		beaconHTTP: &http.Client{Timeout: beaconTimeout},
	}
	if maxConcurrentAdFetches > 0 {
		p.adLimiter = semaphore.NewWeighted(maxConcurrentAdFetches)
	}
	return p
}

// StreamSegment fetches upstreamURL and copies its body (with byte-range
// passthrough) to w, retrying once on a transient upstream failure for
// content and slate segments. Ad fetches get a single attempt with their own
// connect/total timeout budget and are bounded by the concurrency limiter.
func (p *Proxy) StreamSegment(ctx context.Context, w http.ResponseWriter, r *http.Request, kind Kind, upstreamURL string) error {
	logger := log.WithContext(ctx, log.WithComponent("proxy"))

	if kind == KindAd {
		if p.adLimiter != nil {
			if err := p.adLimiter.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("proxy: ad fetch limiter: %w", err)
			}
			defer p.adLimiter.Release(1)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeoutFor(kind))
	defer cancel()

	resp, err := p.doFetchWithRetry(fetchCtx, r, kind, upstreamURL)
	if err != nil {
		metrics.ProxyRetryTotal.WithLabelValues(string(kind)).Inc()
		logger.Warn().Err(err).Str("kind", string(kind)).Str("url", upstreamURL).Msg("upstream fetch failed")
		return err
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	metrics.ProxyBytesStreamed.WithLabelValues(string(kind)).Add(float64(n))
	if err != nil {
		logger.Warn().Err(err).Str("kind", string(kind)).Msg("error streaming segment body")
		return err
	}
	return nil
}

func timeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindAd:
		return adTotalTimeout
	default:
		return originTimeout
	}
}

func (p *Proxy) doFetchWithRetry(ctx context.Context, r *http.Request, kind Kind, upstreamURL string) (*http.Response, error) {
	resp, err := p.doFetch(ctx, r, kind, upstreamURL)
	if err == nil {
		return resp, nil
	}
	if kind == KindAd {
		// Ad segment fetches get no second attempt: the 30s total budget is
		// spent on the single connect+transfer window.
		return nil, err
	}

	select {
	case <-time.After(originRetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.doFetch(ctx, r, kind, upstreamURL)
}

func (p *Proxy) doFetch(ctx context.Context, r *http.Request, kind Kind, upstreamURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	client := p.client
	if kind == KindAd {
		client = &http.Client{Transport: p.client.Transport, Timeout: adConnectTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: %s fetch: %w", kind, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("proxy: %s upstream status %d", kind, resp.StatusCode)
	}
	return resp, nil
}

func copyHeaders(dst http.Header, src http.Header) {
	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges", "Cache-Control", "ETag", "Last-Modified"} {
		if v := src.Get(h); v != "" {
			dst.Set(h, v)
		}
	}
}
