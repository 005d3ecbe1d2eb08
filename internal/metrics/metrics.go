// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics provides Prometheus metrics collection for the stitcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Manifest pipeline metrics
	ManifestRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_manifest_requests_total",
		Help: "Manifest requests handled, by format and outcome",
	}, []string{"format", "outcome"}) // format=hls|dash, outcome=success|error

	ManifestFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stitchcore_manifest_fetch_duration_seconds",
		Help:    "Time spent fetching and rewriting origin manifests",
		Buckets: prometheus.DefBuckets,
	}, []string{"format"})

	HLSInterleaveFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_hls_interleave_fallback_total",
		Help: "Ad-break interleave fallbacks by kind",
	}, []string{"kind"}) // kind=pass_through|slate

	// Ad-break cache metrics
	AdBreakCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitchcore_adbreak_cache_hits_total",
		Help: "Ad-break cache lookups that found a cached pod",
	})
	AdBreakCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitchcore_adbreak_cache_misses_total",
		Help: "Ad-break cache lookups that required a resolver call",
	})
	AdBreakSingleFlightSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitchcore_adbreak_singleflight_shared_total",
		Help: "Ad-break resolutions served to a waiter sharing an in-flight call",
	})

	// Ad provider / VAST metrics
	AdProviderResolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_adprovider_resolve_total",
		Help: "Ad provider resolution attempts by provider and outcome",
	}, []string{"provider", "outcome"}) // outcome=filled|no_fill|error

	VASTWrapperDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stitchcore_vast_wrapper_depth",
		Help:    "Number of wrapper hops chased to reach an InLine ad",
		Buckets: []float64{0, 1, 2, 3, 4, 5},
	})

	// Tracking beacon metrics
	BeaconFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_beacon_fired_total",
		Help: "VAST tracking beacons fired, by event and outcome",
	}, []string{"event", "outcome"}) // outcome=success|failure

	// Segment proxy metrics
	ProxyRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_proxy_retry_total",
		Help: "Upstream fetch retries performed by the segment proxy",
	}, []string{"kind"}) // kind=content|ad|slate

	ProxyBytesStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stitchcore_proxy_bytes_streamed_total",
		Help: "Bytes streamed to players by the segment proxy",
	}, []string{"kind"})

	// Session store metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stitchcore_sessions_active",
		Help: "Current number of live stitching sessions",
	})
	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stitchcore_sessions_reaped_total",
		Help: "Total number of sessions removed by TTL expiry",
	})
)
