// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api wires the stitching pipeline and segment proxy into an HTTP
// router exposing the playlist, manifest, segment, ad, and asset-list
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/adprovider"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/proxy"
	"github.com/ManuGH/stitchcore/internal/session"
	"github.com/ManuGH/stitchcore/internal/stitch"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the stitcher's HTTP surface.
type Server struct {
	pipeline      *stitch.Pipeline
	proxy         *proxy.Proxy
	sessions      session.Store
	breaks        *adbreak.Cache
	provider      adprovider.Provider
	stitchingMode string
}

// New builds a Server backed by the given pipeline, proxy, and session
// store. stitchingMode is the default mode ("ssai" or "sgai") applied when
// a request doesn't override it via the ?mode= query parameter.
func New(pipeline *stitch.Pipeline, p *proxy.Proxy, sessions session.Store, breaks *adbreak.Cache, provider adprovider.Provider, stitchingMode string) *Server {
	return &Server{
		pipeline:      pipeline,
		proxy:         p,
		sessions:      sessions,
		breaks:        breaks,
		provider:      provider,
		stitchingMode: stitchingMode,
	}
}

// Routes builds the chi router for the stitcher's HTTP surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(log.Middleware())

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stitch/{session}/playlist.m3u8", s.handlePlaylist)
	r.Get("/stitch/{session}/manifest.mpd", s.handleManifest)
	r.Get("/stitch/{session}/segment/*", s.handleSegment)
	r.Get("/stitch/{session}/ad/{ad_name}", s.handleAd)
	r.Get("/stitch/{session}/slate/{index}", s.handleSlate)
	r.Get("/stitch/{session}/asset-list/{break_id}", s.handleAssetList)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stitchingModeFor(r *http.Request) string {
	if m := r.URL.Query().Get("mode"); m == "ssai" || m == "sgai" {
		return m
	}
	return s.stitchingMode
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	originPath := r.URL.Query().Get("origin")
	if sessionID == "" || originPath == "" {
		writeError(w, stitch.KindInvalidRequest, errors.New("session and origin query parameter are required"))
		return
	}

	var out string
	var err error
	if r.URL.Query().Get("master") == "1" {
		out, err = s.pipeline.MasterPlaylistRequest(r.Context(), sessionID, originPath)
	} else {
		out, err = s.pipeline.MediaPlaylistRequest(r.Context(), sessionID, originPath, s.stitchingModeFor(r))
	}
	if err != nil {
		writeStitchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(out))
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	originPath := r.URL.Query().Get("origin")
	if sessionID == "" || originPath == "" {
		writeError(w, stitch.KindInvalidRequest, errors.New("session and origin query parameter are required"))
		return
	}

	out, err := s.pipeline.ManifestRequest(r.Context(), sessionID, originPath, s.stitchingModeFor(r))
	if err != nil {
		writeStitchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/dash+xml")
	w.Header().Set("Cache-Control", "no-store")
	w.Write([]byte(out))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	upstream := r.URL.Query().Get("origin")
	segPath := chi.URLParam(r, "*")
	if sessionID == "" || upstream == "" {
		writeError(w, stitch.KindInvalidRequest, errors.New("session and origin query parameter are required"))
		return
	}

	upstreamURL, err := resolveSegmentURL(upstream, segPath)
	if err != nil {
		writeError(w, stitch.KindInvalidRequest, err)
		return
	}

	if err := s.proxy.StreamSegment(r.Context(), w, r, proxy.KindContent, upstreamURL); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("session", sessionID).Msg("segment proxy failed")
	}
}

func resolveSegmentURL(origin, segPath string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(segPath)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (s *Server) handleAd(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	adName := chi.URLParam(r, "ad_name")
	upstream := r.URL.Query().Get("origin")
	if sessionID == "" || adName == "" || upstream == "" {
		writeError(w, stitch.KindInvalidRequest, errors.New("session, ad_name, and origin query parameter are required"))
		return
	}

	sess, err := s.sessions.GetOrCreate(r.Context(), sessionID, s.stitchingMode)
	if err != nil {
		writeError(w, stitch.KindInternal, err)
		return
	}

	if err := s.proxy.StreamSegment(r.Context(), w, r, proxy.KindAd, upstream); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("session", sessionID).Str("ad", adName).Msg("ad segment proxy failed")
		return
	}

	durationSeconds := parseFloatOr(r.URL.Query().Get("duration"), 0)
	deliveredSeconds := parseFloatOr(r.URL.Query().Get("delivered"), durationSeconds)
	ad := adbreak.Ad{
		ID:             adName,
		Impressions:    splitCSV(r.URL.Query().Get("impressions")),
		TrackingEvents: decodeTrackingEvents(r.URL.Query().Get("tracking")),
	}
	proxy.FireDeliveryBeacons(sess, ad, deliveredSeconds, durationSeconds)
}

func (s *Server) handleSlate(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	upstream := r.URL.Query().Get("origin")
	if sessionID == "" || upstream == "" {
		writeError(w, stitch.KindInvalidRequest, errors.New("session and origin query parameter are required"))
		return
	}
	if err := s.proxy.StreamSegment(r.Context(), w, r, proxy.KindSlate, upstream); err != nil {
		log.WithComponent("api").Warn().Err(err).Str("session", sessionID).Msg("slate proxy failed")
	}
}

type assetListResponse struct {
	Assets      []assetEntry `json:"ASSETS"`
	PodSequence int          `json:"POD-SEQUENCE,omitempty"`
}

type assetEntry struct {
	URI             string  `json:"URI"`
	DurationSeconds float64 `json:"DURATION"`
	AdSystem        string  `json:"AD-SYSTEM,omitempty"`
	AdTitle         string  `json:"AD-TITLE,omitempty"`
	Advertiser      string  `json:"ADVERTISER,omitempty"`
	Extensions      string  `json:"EXTENSIONS,omitempty"`
}

func (s *Server) handleAssetList(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	breakID := chi.URLParam(r, "break_id")
	durationSeconds := parseFloatOr(r.URL.Query().Get("duration"), 0)

	pod, err := s.breaks.Fetch(r.Context(), breakID, durationSeconds, func(ctx context.Context, id string, d float64) (adbreak.AdPod, error) {
		return s.provider.Resolve(ctx, id, d)
	})
	if err != nil {
		writeError(w, stitch.KindInternal, err)
		return
	}
	if pod.Empty() {
		writeError(w, stitch.KindNotFound, errors.New("unknown or unresolved break id"))
		return
	}

	resp := assetListResponse{PodSequence: pod.PodSequence}
	for _, ad := range pod.Ads {
		resp.Assets = append(resp.Assets, assetEntry{
			URI:             ad.MediaFileURI,
			DurationSeconds: ad.DurationSeconds,
			AdSystem:        ad.AdSystem,
			AdTitle:         ad.AdTitle,
			Advertiser:      ad.Advertiser,
			Extensions:      ad.Extensions,
		})
	}

	log.WithComponent("api").Debug().Str("session", sessionID).Str("break", breakID).Msg("serving asset list")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

func parseFloatOr(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func decodeTrackingEvents(s string) map[string][]string {
	if s == "" {
		return nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func writeError(w http.ResponseWriter, kind stitch.ErrorKind, err error) {
	status := stitch.HTTPStatus(&stitch.Error{Kind: kind, Op: "request", Err: err})
	http.Error(w, err.Error(), status)
}

func writeStitchError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), stitch.HTTPStatus(err))
}
