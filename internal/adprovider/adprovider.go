// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package adprovider implements the pluggable ad resolution capability
// consumed by the stitching pipeline: resolve(break_id, desired_duration_s)
// -> AdPod | Empty | Error.
package adprovider

import (
	"context"
	"fmt"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/config"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
	"github.com/ManuGH/stitchcore/internal/vast"
)

// Provider resolves an ad break to a pod of ads.
type Provider interface {
	Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error)
}

// New builds the configured provider chain: VAST or Static per
// AD_PROVIDER_TYPE (auto prefers VAST when an endpoint is configured, else
// Static), always wrapped with a Slate fallback when a slate URL is set.
func New(cfg config.Config) (Provider, error) {
	var base Provider
	switch cfg.AdProviderType {
	case config.AdProviderVAST:
		base = NewVASTProvider(cfg.VASTEndpoint)
	case config.AdProviderStatic:
		base = NewStaticProvider(cfg.AdSourceURL, cfg.AdSegmentDuration.Seconds())
	case config.AdProviderAuto:
		if cfg.VASTEndpoint != "" {
			base = NewVASTProvider(cfg.VASTEndpoint)
		} else {
			base = NewStaticProvider(cfg.AdSourceURL, cfg.AdSegmentDuration.Seconds())
		}
	default:
		return nil, fmt.Errorf("adprovider: unknown provider type %q", cfg.AdProviderType)
	}

	if cfg.SlateURL == "" {
		return base, nil
	}
	return NewSlateFallback(base, cfg.SlateURL, cfg.SlateSegmentDuration.Seconds()), nil
}

// VASTProvider resolves ad breaks against a VAST ad server.
type VASTProvider struct {
	endpointTemplate string
	resolver         *vast.Resolver
}

// NewVASTProvider builds a VAST-backed provider using the given ad tag
// template (with [DURATION]/[CACHEBUSTING] macros).
func NewVASTProvider(endpointTemplate string) *VASTProvider {
	return &VASTProvider{endpointTemplate: endpointTemplate, resolver: vast.NewResolver()}
}

// Resolve fetches and flattens a VAST pod for the given break.
func (p *VASTProvider) Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
	resolved, err := p.resolver.ResolvePod(ctx, p.endpointTemplate, desiredDurationSeconds)
	if err != nil {
		metrics.AdProviderResolveTotal.WithLabelValues("vast", "error").Inc()
		return adbreak.AdPod{}, err
	}
	if len(resolved) == 0 {
		metrics.AdProviderResolveTotal.WithLabelValues("vast", "no_fill").Inc()
		return adbreak.AdPod{BreakID: breakID}, nil
	}
	metrics.AdProviderResolveTotal.WithLabelValues("vast", "filled").Inc()

	ads := make([]adbreak.Ad, 0, len(resolved))
	for _, r := range resolved {
		ads = append(ads, adbreak.Ad{
			ID:              r.AdID,
			DurationSeconds: r.DurationSeconds,
			MediaFileURI:    r.MediaFileURI,
			MediaFileType:   r.MediaFileType,
			Impressions:     r.Impressions,
			TrackingEvents:  r.TrackingEvents,
			AdSystem:        r.AdSystem,
			AdTitle:         r.AdTitle,
			Advertiser:      r.Advertiser,
			Extensions:      r.Extensions,
		})
	}
	return adbreak.AdPod{BreakID: breakID, Ads: ads, PodSequence: resolved[0].PodSequence}, nil
}

// StaticProvider returns a fixed pod built from a seed ad, replicated to
// roughly fill the desired break duration.
type StaticProvider struct {
	seedURI         string
	segmentDuration float64
}

// NewStaticProvider builds a provider serving N copies of a seed ad read
// from a configured catalog URL.
func NewStaticProvider(seedURI string, segmentDuration float64) *StaticProvider {
	return &StaticProvider{seedURI: seedURI, segmentDuration: segmentDuration}
}

// Resolve synthesizes a pod of identical ad copies covering the requested
// duration.
func (p *StaticProvider) Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
	if p.seedURI == "" || desiredDurationSeconds <= 0 {
		metrics.AdProviderResolveTotal.WithLabelValues("static", "no_fill").Inc()
		return adbreak.AdPod{BreakID: breakID}, nil
	}
	metrics.AdProviderResolveTotal.WithLabelValues("static", "filled").Inc()

	var ads []adbreak.Ad
	remaining := desiredDurationSeconds
	i := 0
	for remaining > 0 {
		dur := p.segmentDuration
		if dur > remaining {
			dur = remaining
		}
		ads = append(ads, adbreak.Ad{
			ID:              fmt.Sprintf("%s-static-%d", breakID, i),
			DurationSeconds: dur,
			MediaFileURI:    p.seedURI,
			MediaFileType:   "video/mp4",
		})
		remaining -= dur
		i++
	}
	return adbreak.AdPod{BreakID: breakID, Ads: ads}, nil
}

// SlateFallback wraps another provider; on Empty or Error it substitutes
// slate segments synthesized at a configured duration granularity.
type SlateFallback struct {
	inner           Provider
	slateURI        string
	segmentDuration float64
}

// NewSlateFallback wraps inner with slate top-up/replacement.
func NewSlateFallback(inner Provider, slateURI string, segmentDuration float64) *SlateFallback {
	return &SlateFallback{inner: inner, slateURI: slateURI, segmentDuration: segmentDuration}
}

// Resolve delegates to the inner provider, substituting slate on no-fill or
// error so the break is never left unfilled.
func (p *SlateFallback) Resolve(ctx context.Context, breakID string, desiredDurationSeconds float64) (adbreak.AdPod, error) {
	logger := log.WithComponent("adprovider")
	pod, err := p.inner.Resolve(ctx, breakID, desiredDurationSeconds)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldBreakID, breakID).Msg("ad provider error, falling back to slate")
		return p.slatePod(breakID, desiredDurationSeconds), nil
	}
	if pod.Empty() {
		return p.slatePod(breakID, desiredDurationSeconds), nil
	}

	// Top up a short-filled pod so the break never leaves a gap for content
	// to resume early; the shortfall is covered entirely with slate.
	shortfall := desiredDurationSeconds - pod.TotalDuration().Seconds()
	if shortfall > 0.5 {
		pod.Ads = append(pod.Ads, p.slateAds(breakID, shortfall, len(pod.Ads))...)
	}
	return pod, nil
}

func (p *SlateFallback) slatePod(breakID string, desiredDurationSeconds float64) adbreak.AdPod {
	if p.slateURI == "" {
		return adbreak.AdPod{BreakID: breakID}
	}
	return adbreak.AdPod{BreakID: breakID, Ads: p.slateAds(breakID, desiredDurationSeconds, 0)}
}

func (p *SlateFallback) slateAds(breakID string, totalDuration float64, startIndex int) []adbreak.Ad {
	segDur := p.segmentDuration
	if segDur <= 0 {
		segDur = totalDuration
	}
	var ads []adbreak.Ad
	remaining := totalDuration
	i := startIndex
	for remaining > 0 {
		dur := segDur
		if dur > remaining {
			dur = remaining
		}
		ads = append(ads, adbreak.Ad{
			ID:              fmt.Sprintf("%s-slate-%d", breakID, i),
			DurationSeconds: dur,
			MediaFileURI:    p.slateURI,
			MediaFileType:   "video/mp4",
		})
		remaining -= dur
		i++
	}
	return ads
}
