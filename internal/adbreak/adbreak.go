// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package adbreak models ad breaks and pods, and caches resolved pods with
// single-flight deduplication so an ad-break storm pays the resolver cost
// exactly once.
package adbreak

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/stitchcore/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Ad is a single playable ad within a pod.
type Ad struct {
	ID              string
	DurationSeconds float64
	MediaFileURI    string
	MediaFileType   string
	Impressions     []string
	TrackingEvents  map[string][]string

	// AdSystem, AdTitle, Advertiser, and Extensions are carried through from
	// the resolved VAST InLine (when the provider is VAST-backed) for
	// player-facing debugging and OMID/viewability passthrough; they are
	// empty for non-VAST providers.
	AdSystem   string
	AdTitle    string
	Advertiser string
	Extensions string
}

// AdPod is an ordered sequence of ads filling one ad break.
type AdPod struct {
	BreakID string
	Ads     []Ad

	// PodSequence mirrors VAST's Ad/@sequence ordering for the pod's first
	// ad, so multi-ad pods stay in server-received order even if the
	// provider itself reorders internally.
	PodSequence int
}

// TotalDuration sums the duration of every ad in the pod.
func (p AdPod) TotalDuration() time.Duration {
	var total time.Duration
	for _, ad := range p.Ads {
		total += time.Duration(ad.DurationSeconds * float64(time.Second))
	}
	return total
}

// Empty reports whether the pod carries no ads (a no-fill result).
func (p AdPod) Empty() bool {
	return len(p.Ads) == 0
}

// Resolver resolves a break id and desired duration into a pod. A Resolver
// returning (AdPod{}, nil) signals no-fill; returning an error signals a
// transient failure that the cache treats the same as no-fill so retries
// happen on the next break observation rather than inside this storm.
type Resolver func(ctx context.Context, breakID string, desiredDurationSeconds float64) (AdPod, error)

type cacheEntry struct {
	pod       AdPod
	expiresAt time.Time
}

// Cache deduplicates concurrent resolutions for the same break id and
// caches the result until expiresAt = now + min(pod_duration, maxTTL); an
// empty (zero-duration) pod is cached for maxTTL.
type Cache struct {
	maxTTL time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group
}

// NewCache builds an ad-break cache whose entries never outlive maxTTL
// (typically the live window), even if the pod's own duration is longer.
func NewCache(maxTTL time.Duration) *Cache {
	return &Cache{
		maxTTL:  maxTTL,
		entries: make(map[string]cacheEntry),
	}
}

// Fetch returns the cached pod for breakID if present and unexpired;
// otherwise it invokes resolver exactly once across any number of
// concurrent callers for the same breakID and caches the result.
func (c *Cache) Fetch(ctx context.Context, breakID string, desiredDurationSeconds float64, resolver Resolver) (AdPod, error) {
	if pod, ok := c.get(breakID); ok {
		metrics.AdBreakCacheHitsTotal.Inc()
		return pod, nil
	}
	metrics.AdBreakCacheMissesTotal.Inc()

	v, err, shared := c.group.Do(breakID, func() (any, error) {
		pod, err := resolver(ctx, breakID, desiredDurationSeconds)
		if err != nil {
			// Failures resolve as Empty so waiters don't also fail; the next
			// break observation gets a fresh resolver attempt, not this one.
			pod = AdPod{BreakID: breakID}
		}
		c.put(breakID, pod)
		return pod, nil
	})
	if shared {
		metrics.AdBreakSingleFlightSharedTotal.Inc()
	}
	if err != nil {
		return AdPod{}, err
	}
	return v.(AdPod), nil
}

func (c *Cache) get(breakID string) (AdPod, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[breakID]
	if !ok || time.Now().After(e.expiresAt) {
		return AdPod{}, false
	}
	return e.pod, true
}

func (c *Cache) put(breakID string, pod AdPod) {
	ttl := c.maxTTL
	if podTTL := pod.TotalDuration(); podTTL > 0 && podTTL < ttl {
		ttl = podTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[breakID] = cacheEntry{pod: pod, expiresAt: time.Now().Add(ttl)}
}
