// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stitch orchestrates a single manifest request end to end: session
// lookup, origin fetch with retry, ad-break detection, ad-pod resolution
// through the cache and provider, interleave/rewrite, and serialization —
// tying together the hls, dash, adbreak, adprovider, and session packages.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/adprovider"
	"github.com/ManuGH/stitchcore/internal/dash"
	"github.com/ManuGH/stitchcore/internal/hls"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
	"github.com/ManuGH/stitchcore/internal/session"
)

// ErrorKind classifies a pipeline failure into the HTTP status it maps to.
type ErrorKind int

const (
	KindInvalidRequest ErrorKind = iota
	KindOriginUnavailable
	KindManifestMalformed
	KindUpstreamTimeout
	KindNotFound
	KindInternal
)

// Error is a typed pipeline failure carrying the kind used to select an
// HTTP status at the API boundary.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stitch: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTPStatus maps an Error's Kind to the response status the API layer
// should send.
func HTTPStatus(err error) int {
	var se *Error
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindOriginUnavailable:
		return http.StatusBadGateway
	case KindManifestMalformed:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

const originFetchTimeout = 5 * time.Second

// Pipeline wires the session store, ad-break cache, ad provider, and an
// HTTP client for origin fetches into one orchestration surface.
type Pipeline struct {
	Sessions    session.Store
	Breaks      *adbreak.Cache
	Provider    adprovider.Provider
	HTTPClient  *http.Client
	BaseURL     string
	OriginURL   string
	SlateURL    string
	SlateSegmentDuration float64
}

// NewPipeline builds a Pipeline with a default origin HTTP client.
func NewPipeline(sessions session.Store, breaks *adbreak.Cache, provider adprovider.Provider, baseURL, originURL, slateURL string, slateSegmentDuration float64) *Pipeline {
	return &Pipeline{
		Sessions:   sessions,
		Breaks:     breaks,
		Provider:   provider,
		HTTPClient: &http.Client{Timeout: originFetchTimeout},
		BaseURL:    baseURL,
		OriginURL:  originURL,
		SlateURL:   slateURL,
		SlateSegmentDuration: slateSegmentDuration,
	}
}

// MediaPlaylistRequest renders a stitched HLS media playlist for sessionID,
// fetching originPath from the origin relative to p.OriginURL.
func (p *Pipeline) MediaPlaylistRequest(ctx context.Context, sessionID, originPath, stitchingMode string) (out string, err error) {
	defer recordOutcome("hls", time.Now(), &err)

	sess, err := p.Sessions.GetOrCreate(ctx, sessionID, stitchingMode)
	if err != nil {
		return "", newError(KindInternal, "session.GetOrCreate", err)
	}

	data, err := p.fetchOrigin(ctx, originPath)
	if err != nil {
		return "", err
	}

	pl, cues, err := hls.ParseMedia(data)
	if err != nil {
		return "", newError(KindManifestMalformed, "hls.ParseMedia", err)
	}
	breaks := hls.DetectBreaks(pl.Segments, cues, p.OriginURL)

	opts := hls.RewriteOptions{BaseURL: p.BaseURL, SessionID: sess.ID, OriginURL: p.OriginURL, SlateURL: p.SlateURL}

	if stitchingMode == "sgai" {
		durations := make(map[string]float64, len(breaks))
		for _, b := range breaks {
			durations[b.ID] = b.DurationSeconds
		}
		assetListPath := func(breakID string) string {
			return fmt.Sprintf("%s/stitch/%s/asset-list/%s?duration=%s", p.BaseURL, sess.ID, breakID,
				strconv.FormatFloat(durations[breakID], 'f', -1, 64))
		}
		markers := hls.InterleaveSGAI(pl, breaks, opts, assetListPath)
		return hls.Serialize(pl, markers), nil
	}

	pods, err := p.resolveBreaks(ctx, breaks)
	if err != nil {
		return "", err
	}
	hls.InterleaveSSAI(pl, breaks, pods, p.SlateSegmentDuration, opts)
	return hls.Serialize(pl, nil), nil
}

// MasterPlaylistRequest rewrites a master (multivariant) HLS playlist with
// no ad logic applied.
func (p *Pipeline) MasterPlaylistRequest(ctx context.Context, sessionID, originPath string) (out string, err error) {
	defer recordOutcome("hls", time.Now(), &err)

	data, err := p.fetchOrigin(ctx, originPath)
	if err != nil {
		return "", err
	}
	opts := hls.RewriteOptions{BaseURL: p.BaseURL, SessionID: sessionID, OriginURL: p.OriginURL}
	out, err = hls.RewriteMaster(data, opts)
	if err != nil {
		return "", newError(KindManifestMalformed, "hls.RewriteMaster", err)
	}
	return out, nil
}

// ManifestRequest renders a stitched DASH MPD for sessionID.
func (p *Pipeline) ManifestRequest(ctx context.Context, sessionID, originPath, stitchingMode string) (out string, err error) {
	defer recordOutcome("dash", time.Now(), &err)

	sess, err := p.Sessions.GetOrCreate(ctx, sessionID, stitchingMode)
	if err != nil {
		return "", newError(KindInternal, "session.GetOrCreate", err)
	}

	data, err := p.fetchOrigin(ctx, originPath)
	if err != nil {
		return "", err
	}

	doc, err := dash.Parse(data)
	if err != nil {
		return "", newError(KindManifestMalformed, "dash.Parse", err)
	}
	if err := doc.ResolveBaseURLs(p.OriginURL); err != nil {
		return "", newError(KindManifestMalformed, "dash.ResolveBaseURLs", err)
	}

	breaks := doc.DetectBreaks(p.OriginURL)
	dashBreaks := make([]dashBreak, 0, len(breaks))
	for _, b := range breaks {
		dashBreaks = append(dashBreaks, dashBreak{ID: b.ID, DurationSeconds: b.DurationSeconds})
	}
	pods, err := p.resolveDashBreaks(ctx, dashBreaks)
	if err != nil {
		return "", err
	}
	doc.InsertAdPeriods(breaks, pods, sess.ID, p.BaseURL)
	doc.RewriteURLs(sess.ID, p.BaseURL)

	out, err = doc.Serialize()
	if err != nil {
		return "", newError(KindInternal, "dash.Serialize", err)
	}
	return out, nil
}

type dashBreak struct {
	ID              string
	DurationSeconds float64
}

func (p *Pipeline) resolveDashBreaks(ctx context.Context, breaks []dashBreak) (map[string]adbreak.AdPod, error) {
	pods := make(map[string]adbreak.AdPod, len(breaks))
	for _, b := range breaks {
		pod, err := p.Breaks.Fetch(ctx, b.ID, b.DurationSeconds, p.resolverFunc())
		if err != nil {
			return nil, newError(KindInternal, "adbreak.Fetch", err)
		}
		pods[b.ID] = pod
	}
	return pods, nil
}

func (p *Pipeline) resolveBreaks(ctx context.Context, breaks []hls.Break) (map[string]adbreak.AdPod, error) {
	pods := make(map[string]adbreak.AdPod, len(breaks))
	for _, b := range breaks {
		pod, err := p.Breaks.Fetch(ctx, b.ID, b.DurationSeconds, p.resolverFunc())
		if err != nil {
			return nil, newError(KindInternal, "adbreak.Fetch", err)
		}
		pods[b.ID] = pod
	}
	return pods, nil
}

func (p *Pipeline) resolverFunc() adbreak.Resolver {
	return func(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
		return p.Provider.Resolve(ctx, breakID, desiredDurationSeconds)
	}
}

func (p *Pipeline) fetchOrigin(ctx context.Context, originPath string) ([]byte, error) {
	logger := log.WithComponent("stitch")
	url := p.OriginURL + originPath

	data, err := p.doFetchOriginOnce(ctx, url)
	if err == nil {
		return data, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, newError(KindUpstreamTimeout, "origin fetch", err)
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return nil, newError(KindUpstreamTimeout, "origin fetch", ctx.Err())
	}
	logger.Warn().Str("url", url).Err(err).Msg("origin fetch failed, retrying once")

	data, err = p.doFetchOriginOnce(ctx, url)
	if err != nil {
		return nil, newError(KindOriginUnavailable, "origin fetch retry", err)
	}
	return data, nil
}

func recordOutcome(format string, start time.Time, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = "error"
	}
	metrics.ManifestRequestsTotal.WithLabelValues(format, outcome).Inc()
	metrics.ManifestFetchDuration.WithLabelValues(format).Observe(time.Since(start).Seconds())
}

func (p *Pipeline) doFetchOriginOnce(ctx context.Context, url string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, originFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("origin responded %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

