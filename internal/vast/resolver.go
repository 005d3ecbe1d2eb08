// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package vast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
)

const (
	maxWrapperDepth = 5
	hopTimeout      = 2 * time.Second
	totalDeadline   = 2 * time.Second
	fetchRetryDelay = 500 * time.Millisecond
)

// ResolvedAd is a flattened, playable ad assembled from an InLine document
// and every Wrapper hop that led to it.
type ResolvedAd struct {
	AdID            string
	PodSequence     int // VAST Ad/@sequence: ordering within a multi-ad pod
	AdSystem        string
	AdTitle         string
	Advertiser      string
	DurationSeconds float64
	MediaFileURI    string
	MediaFileType   string
	Impressions     []string
	TrackingEvents  map[string][]string // event -> URIs, merged across the wrapper chain
	Errors          []string
	Extensions      string // opaque Extensions+AdVerifications passthrough
}

// Fetcher retrieves a VAST document or redirect target over HTTP. Production
// code passes http.DefaultClient-derived implementations; tests substitute a
// stub.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher is the default Fetcher, backed by an *http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch issues a GET request and returns the response body.
func (f HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("vast: fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Resolver resolves a VAST ad tag URL (with macros already or not yet
// substituted) into a pod of flattened playable ads, chasing Wrapper
// redirects for each ad in the pod independently.
type Resolver struct {
	Fetcher Fetcher
}

// NewResolver builds a Resolver using the default HTTP fetcher.
func NewResolver() *Resolver {
	return &Resolver{Fetcher: HTTPFetcher{}}
}

// ResolvePod substitutes [DURATION] and [CACHEBUSTING] macros into the given
// VAST ad tag template, fetches the root document, and chases each Ad's
// Wrapper chain down to its InLine terminus, in VAST document order. It
// returns (nil, nil) on no-fill: an empty root document, a root fetch/parse
// failure, or a deadline exceeded while chasing — all logged but never
// treated as a resolver error, per the provider's no-fill/error contract.
func (r *Resolver) ResolvePod(ctx context.Context, adTagTemplate string, desiredDurationSeconds float64) ([]ResolvedAd, error) {
	logger := log.WithComponent("vast")
	url := substituteMacros(adTagTemplate, desiredDurationSeconds)

	ctx, cancel := context.WithTimeout(ctx, totalDeadline)
	defer cancel()

	body, err := r.fetchWithRetry(ctx, url)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("vast root fetch failed, treating as no-fill")
		return nil, nil
	}
	doc, err := Parse(body)
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("vast root parse failed, treating as no-fill")
		return nil, nil
	}
	if len(doc.Ads) == 0 {
		return nil, nil
	}

	var pod []ResolvedAd
	for _, ad := range doc.Ads {
		seen := map[string]bool{url: true}
		resolved := r.chase(ctx, ad, seen, 0)
		if resolved != nil {
			pod = append(pod, *resolved)
		}
	}
	return pod, nil
}

// chase follows a single Ad's Wrapper chain (if any) down to an InLine
// terminus, returning nil on depth/cycle/fetch/parse failure (no-fill for
// that one Ad in the pod).
func (r *Resolver) chase(ctx context.Context, ad Ad, seen map[string]bool, depth int) *ResolvedAd {
	logger := log.WithComponent("vast")
	impressions := []string{}
	trackingEvents := map[string][]string{}
	errs := []string{}

	for {
		switch {
		case ad.InLine != nil:
			metrics.VASTWrapperDepth.Observe(float64(depth))
			impressions = append(impressions, ad.InLine.Impressions...)
			errs = append(errs, ad.InLine.Errors...)
			resolved, err := flattenInLine(ad, impressions, trackingEvents, errs)
			if err != nil || resolved == nil {
				return nil
			}
			return resolved

		case ad.Wrapper != nil:
			if depth >= maxWrapperDepth {
				logger.Warn().Msg("vast wrapper chain exceeded max depth, treating as no-fill")
				return nil
			}
			impressions = append(impressions, ad.Wrapper.Impressions...)
			errs = append(errs, ad.Wrapper.Errors...)
			for _, creative := range ad.Wrapper.Creatives {
				if creative.Linear == nil {
					continue
				}
				for _, te := range creative.Linear.TrackingEvents {
					trackingEvents[te.Event] = append(trackingEvents[te.Event], te.URI)
				}
			}
			next := strings.TrimSpace(ad.Wrapper.VASTAdTagURI)
			if next == "" {
				return nil
			}
			if seen[next] {
				logger.Warn().Str("url", next).Msg("vast wrapper cycle detected, treating as no-fill")
				return nil
			}
			seen[next] = true

			body, err := r.fetchWithRetry(ctx, next)
			if err != nil {
				logger.Warn().Err(err).Str("url", next).Msg("vast wrapper fetch failed, treating as no-fill")
				return nil
			}
			doc, err := Parse(body)
			if err != nil {
				logger.Warn().Err(err).Str("url", next).Msg("vast wrapper parse failed, treating as no-fill")
				return nil
			}
			errs = append(errs, doc.Errors...)
			if len(doc.Ads) == 0 {
				return nil
			}
			ad = doc.Ads[0]
			depth++

		default:
			return nil
		}
	}
}

func (r *Resolver) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	hopCtx, cancel := context.WithTimeout(ctx, hopTimeout)
	defer cancel()

	body, err := r.Fetcher.Fetch(hopCtx, url)
	if err == nil {
		return body, nil
	}

	select {
	case <-time.After(fetchRetryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.Fetcher.Fetch(hopCtx, url)
}

func flattenInLine(ad Ad, impressions []string, trackingEvents map[string][]string, errs []string) (*ResolvedAd, error) {
	for _, creative := range ad.InLine.Creatives {
		linear := creative.Linear
		if linear == nil || linear.Duration <= 0 {
			continue
		}
		mf, ok := selectMediaFile(linear.MediaFiles)
		if !ok {
			continue
		}
		for _, te := range linear.TrackingEvents {
			trackingEvents[te.Event] = append(trackingEvents[te.Event], te.URI)
		}
		return &ResolvedAd{
			AdID:            ad.ID,
			PodSequence:     ad.Sequence,
			AdSystem:        ad.InLine.AdSystem,
			AdTitle:         ad.InLine.AdTitle,
			Advertiser:      ad.InLine.Advertiser,
			DurationSeconds: time.Duration(linear.Duration).Seconds(),
			MediaFileURI:    mf.URI,
			MediaFileType:   mf.Type,
			Impressions:     impressions,
			TrackingEvents:  trackingEvents,
			Errors:          errs,
			Extensions:      string(ad.InLine.Extensions + ad.InLine.AdVerifications),
		}, nil
	}
	return nil, nil
}

var mimePreference = []string{"video/mp4", "application/x-mpegURL"}

// selectMediaFile scores candidates by MIME preference, then bitrate
// descending, then width descending. No target bitrate band is applied: the
// highest-bitrate file of the preferred MIME type wins.
func selectMediaFile(candidates []MediaFile) (MediaFile, bool) {
	var best MediaFile
	var bestScore [3]int
	found := false

	for _, c := range candidates {
		if strings.TrimSpace(c.URI) == "" {
			continue
		}
		mimeRank := len(mimePreference)
		for i, mt := range mimePreference {
			if strings.EqualFold(c.Type, mt) {
				mimeRank = i
				break
			}
		}
		score := [3]int{mimeRank, -c.Bitrate, -c.Width}
		if !found || less(score, bestScore) {
			best = c
			bestScore = score
			found = true
		}
	}
	return best, found
}

func less(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func substituteMacros(template string, durationSeconds float64) string {
	s := strings.ReplaceAll(template, "[DURATION]", strconv.FormatFloat(durationSeconds, 'f', -1, 64))
	s = strings.ReplaceAll(s, "[CACHEBUSTING]", strconv.FormatInt(time.Now().UnixNano(), 10))
	return s
}
