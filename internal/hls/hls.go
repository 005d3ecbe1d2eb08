// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hls implements the live HLS manifest pipeline: parsing, ad-break
// detection, SSAI/SGAI interleave, URL rewriting, and canonical
// serialization of media and master playlists.
package hls

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
	"github.com/mogiioin/hls-m3u8/m3u8"
)

// BreakState is the ad-break detection state machine's current state while
// scanning segments in document order.
type BreakState int

const (
	StateContent BreakState = iota
	StateInBreak
)

// Break is a detected ad break spanning segment indices [Start, End) in the
// parsed media playlist, prior to any interleave rewrite.
type Break struct {
	ID               string
	Start            int // index of first segment replaced/annotated
	End              int // exclusive; open-ended breaks close at len(segments)
	DurationSeconds  float64
	ProgramDateTime  time.Time
	HasProgramDate   bool
}

// Segment is the pipeline's own mutable representation of a media segment,
// decoded once from the library's MediaSegment and never written back to it.
type Segment struct {
	URI             string
	Duration        float64
	Discontinuity   bool
	ProgramDateTime time.Time
	HasProgramDate  bool
	IsAd            bool
	IsSlate         bool
	AdName          string
	SlateIndex      int
}

// MediaPlaylist is the pipeline's intermediate representation of a parsed
// media (variant) playlist.
type MediaPlaylist struct {
	TargetDuration   uint
	SeqNo            uint64
	DiscontinuitySeq uint64
	Closed           bool // true => terminate with EXT-X-ENDLIST
	Segments         []Segment
}

// ParseMedia decodes raw M3U8 text into the pipeline's intermediate media
// playlist representation and the sequence of SCTE cue events observed on
// it, using the library only for decode — all rewriting happens on our own
// Segment slice.
func ParseMedia(data []byte) (*MediaPlaylist, []CueEvent, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, nil, fmt.Errorf("hls: parse: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, nil, fmt.Errorf("hls: expected media playlist, got master")
	}
	mp, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, nil, fmt.Errorf("hls: unexpected decoded playlist type")
	}

	out := &MediaPlaylist{
		TargetDuration:   mp.TargetDuration,
		SeqNo:            mp.SeqNo,
		DiscontinuitySeq: mp.DiscontinuitySeq,
		Closed:           mp.Closed,
	}
	var cues []CueEvent
	for i, seg := range mp.Segments {
		if seg == nil {
			continue
		}
		out.Segments = append(out.Segments, Segment{
			URI:             seg.URI,
			Duration:        seg.Duration,
			Discontinuity:   seg.Discontinuity,
			ProgramDateTime: seg.ProgramDateTime,
			HasProgramDate:  !seg.ProgramDateTime.IsZero(),
		})
		if seg.SCTE == nil {
			continue
		}
		switch seg.SCTE.CueType {
		case m3u8.SCTE35Cue_Start:
			dur := 0.0
			if seg.SCTE.Duration != nil {
				dur = *seg.SCTE.Duration
			}
			cues = append(cues, CueEvent{SegmentIndex: i, Kind: CueOut, Duration: dur})
		case m3u8.SCTE35Cue_Mid:
			cues = append(cues, CueEvent{SegmentIndex: i, Kind: CueOutCont})
		case m3u8.SCTE35Cue_End:
			cues = append(cues, CueEvent{SegmentIndex: i, Kind: CueIn})
		}
	}
	return out, cues, nil
}

// DetectBreaks runs the single forward-pass ad-break state machine over the
// decoded segment stream, using each segment's SCTE cue classification
// (populated by the caller from the library's raw *m3u8.SCTE tags, since the
// pipeline's own Segment type does not carry them).
//
// Break ids are derived from originURL and the break's start (its segment's
// PROGRAM-DATE-TIME when present, else its segment index), not a per-request
// sequence counter, so the same break resolves to the same id as earlier
// segments scroll out of a live sliding window.
func DetectBreaks(segments []Segment, cues []CueEvent, originURL string) []Break {
	var breaks []Break
	state := StateContent
	var current Break

	for i := 0; i < len(segments); i++ {
		var cue *CueEvent
		for j := range cues {
			if cues[j].SegmentIndex == i {
				cue = &cues[j]
				break
			}
		}
		if cue == nil {
			continue
		}
		switch state {
		case StateContent:
			if cue.Kind == CueOut {
				current = Break{
					ID:              breakID(originURL, i, segments[i]),
					Start:           i,
					End:             len(segments),
					DurationSeconds: cue.Duration,
				}
				state = StateInBreak
			}
			// CUE-OUT-CONT / CUE-IN with no preceding CUE-OUT in Content state: ignored.
		case StateInBreak:
			switch cue.Kind {
			case CueOut:
				// Duplicate CUE-OUT while already InBreak is ignored with a warning.
				logger := log.WithComponent("hls")
				logger.Warn().Int("segment", i).Msg("duplicate CUE-OUT inside an open ad break ignored")
			case CueIn:
				current.End = i
				breaks = append(breaks, current)
				state = StateContent
			case CueOutCont:
				// Continuation: no new break, elapsed tracked by caller if needed.
			}
		}
	}
	if state == StateInBreak {
		// Open-ended break: closed at the last segment.
		current.End = len(segments)
		breaks = append(breaks, current)
	}
	return breaks
}

// breakID derives a deterministic break id: sha256(originURL + ":" +
// break_start), truncated to 16 hex chars. break_start is the starting
// segment's PROGRAM-DATE-TIME when present, else its index, so the id is
// stable across requests even as the live window slides and earlier breaks'
// segment indices shift.
func breakID(originURL string, start int, startSeg Segment) string {
	key := strconv.Itoa(start)
	if startSeg.HasProgramDate {
		key = startSeg.ProgramDateTime.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(originURL + ":" + key))
	return hex.EncodeToString(sum[:])[:16]
}

// CueKind classifies a single SCTE-35 cue tag observed on a segment.
type CueKind int

const (
	CueOut CueKind = iota
	CueOutCont
	CueIn
)

// CueEvent is a single cue tag observed at a segment index during parsing.
type CueEvent struct {
	SegmentIndex int
	Kind         CueKind
	Duration     float64
}

// RewriteOptions configures URL rewriting for segments, ads, and slate.
type RewriteOptions struct {
	BaseURL   string // public stitcher base URL, e.g. https://stitch.example.com
	SessionID string
	OriginURL string // origin base used to resolve relative content segment URIs
	SlateURL  string // upstream slate creative served when a break has no ad fill
}

// rewriteContentURL routes a content segment through the proxy while
// preserving the original URI exactly, per the round-trip requirement.
func rewriteContentURL(opts RewriteOptions, original string) string {
	resolved := resolveAgainstOrigin(opts.OriginURL, original)
	return fmt.Sprintf("%s/stitch/%s/segment/%s?origin=%s",
		opts.BaseURL, url.PathEscape(opts.SessionID), url.PathEscape(resolved), url.QueryEscape(opts.OriginURL))
}

// rewriteAdURL routes an ad creative through the proxy, carrying the
// resolved upstream media URI (and delivery-beacon data) as query
// parameters so handleAd can both fetch the byte stream and fire tracking
// without a second lookup back to the pod.
func rewriteAdURL(opts RewriteOptions, ad adbreak.Ad) string {
	v := url.Values{}
	v.Set("origin", ad.MediaFileURI)
	if ad.DurationSeconds > 0 {
		v.Set("duration", strconv.FormatFloat(ad.DurationSeconds, 'f', -1, 64))
	}
	if len(ad.Impressions) > 0 {
		v.Set("impressions", strings.Join(ad.Impressions, ","))
	}
	if len(ad.TrackingEvents) > 0 {
		if b, err := json.Marshal(ad.TrackingEvents); err == nil {
			v.Set("tracking", string(b))
		}
	}
	return fmt.Sprintf("%s/stitch/%s/ad/%s?%s",
		opts.BaseURL, url.PathEscape(opts.SessionID), url.PathEscape(ad.ID), v.Encode())
}

func rewriteSlateURL(opts RewriteOptions, idx int) string {
	v := url.Values{}
	v.Set("origin", opts.SlateURL)
	return fmt.Sprintf("%s/stitch/%s/slate/%d?%s", opts.BaseURL, url.PathEscape(opts.SessionID), idx, v.Encode())
}

func resolveAgainstOrigin(origin, ref string) string {
	base, err := url.Parse(origin)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// InterleaveSSAI replaces content segments spanning each break with ad or
// slate segments, bracketing the substitution with EXT-X-DISCONTINUITY and
// incrementing the discontinuity sequence once per injected discontinuity.
func InterleaveSSAI(pl *MediaPlaylist, breaks []Break, pods map[string]adbreak.AdPod, slateSegmentDuration float64, opts RewriteOptions) {
	if len(breaks) == 0 {
		rewriteContentOnly(pl, opts)
		return
	}

	var out []Segment
	breakIdx := 0
	discontinuitiesInjected := uint64(0)

	for i := 0; i < len(pl.Segments); {
		if breakIdx < len(breaks) && breaks[breakIdx].Start == i {
			brk := breaks[breakIdx]
			pod := pods[brk.ID]

			replacement := adOrSlateSegments(brk, pod, slateSegmentDuration, opts)
			if replacement == nil {
				// No fill and no slate: pass content through unmodified.
				metrics.HLSInterleaveFallbackTotal.WithLabelValues("pass_through").Inc()
				for ; i < brk.End; i++ {
					out = append(out, rewriteSegment(pl.Segments[i], opts))
				}
				breakIdx++
				continue
			}
			if pod.Empty() {
				metrics.HLSInterleaveFallbackTotal.WithLabelValues("slate").Inc()
			}

			out = append(out, Segment{Discontinuity: true})
			discontinuitiesInjected++
			out = append(out, replacement...)
			out = append(out, Segment{Discontinuity: true})
			discontinuitiesInjected++

			i = brk.End
			breakIdx++
			continue
		}
		out = append(out, rewriteSegment(pl.Segments[i], opts))
		i++
	}

	pl.Segments = out
	pl.DiscontinuitySeq += discontinuitiesInjected
}

func adOrSlateSegments(brk Break, pod adbreak.AdPod, slateSegmentDuration float64, opts RewriteOptions) []Segment {
	if !pod.Empty() {
		segs := make([]Segment, 0, len(pod.Ads))
		for _, ad := range pod.Ads {
			segs = append(segs, Segment{
				URI:      rewriteAdURL(opts, ad),
				Duration: ad.DurationSeconds,
				IsAd:     true,
				AdName:   ad.ID,
			})
		}
		return segs
	}
	if slateSegmentDuration <= 0 {
		return nil
	}
	count := int(ceilDiv(brk.DurationSeconds, slateSegmentDuration))
	segs := make([]Segment, 0, count)
	for i := 0; i < count; i++ {
		segs = append(segs, Segment{
			URI:        rewriteSlateURL(opts, i),
			Duration:   slateSegmentDuration,
			IsSlate:    true,
			SlateIndex: i,
		})
	}
	return segs
}

func ceilDiv(total, unit float64) float64 {
	if unit <= 0 {
		return 0
	}
	n := total / unit
	if n == float64(int(n)) {
		return n
	}
	return float64(int(n) + 1)
}

func rewriteSegment(seg Segment, opts RewriteOptions) Segment {
	seg.URI = rewriteContentURL(opts, seg.URI)
	return seg
}

func rewriteContentOnly(pl *MediaPlaylist, opts RewriteOptions) {
	for i := range pl.Segments {
		pl.Segments[i] = rewriteSegment(pl.Segments[i], opts)
	}
}

// InterleaveSGAI leaves content segments untouched, annotating each break's
// first segment with a synthesized EXT-X-DATERANGE interstitial marker
// pointing at an asset-list endpoint, and stripping any CUE tags so the
// client is not double-signaled.
func InterleaveSGAI(pl *MediaPlaylist, breaks []Break, opts RewriteOptions, assetListPath func(breakID string) string) []DateRangeMarker {
	rewriteContentOnly(pl, opts)

	var markers []DateRangeMarker
	cumulative := time.Duration(0)
	wallClockStart := time.Now()

	for _, brk := range breaks {
		startDate := brk.ProgramDateTime
		if !brk.HasProgramDate {
			if cumulative > 0 {
				startDate = wallClockStart.Add(cumulative)
			} else {
				startDate = wallClockStart
			}
		}
		markers = append(markers, DateRangeMarker{
			ID:           brk.ID,
			StartDate:    startDate,
			Duration:     time.Duration(brk.DurationSeconds * float64(time.Second)),
			AssetList:    assetListPath(brk.ID),
			Class:        "com.apple.hls.interstitial",
			SegmentIndex: brk.Start,
		})
		for i := brk.Start; i < brk.End && i < len(pl.Segments); i++ {
			cumulative += time.Duration(pl.Segments[i].Duration * float64(time.Second))
		}
	}
	return markers
}

// DateRangeMarker is a synthesized EXT-X-DATERANGE interstitial annotation
// for SGAI mode.
type DateRangeMarker struct {
	ID           string
	StartDate    time.Time
	Duration     time.Duration
	AssetList    string
	Class        string
	SegmentIndex int
}
