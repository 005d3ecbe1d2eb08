// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package hls

import (
	"strings"
	"testing"

	"github.com/ManuGH/stitchcore/internal/adbreak"
)

const samplePlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:100
#EXTINF:6.000,
seg100.ts
#EXTINF:6.000,
seg101.ts
#EXT-X-CUE-OUT:6
#EXTINF:6.000,
seg102.ts
#EXT-X-CUE-IN
#EXTINF:6.000,
seg103.ts
#EXTINF:6.000,
seg104.ts
`

func TestParseMedia_DetectsCueOutCueIn(t *testing.T) {
	pl, cues, err := ParseMedia([]byte(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	if len(pl.Segments) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(pl.Segments))
	}

	breaks := DetectBreaks(pl.Segments, cues, "https://origin.example.com/live/")
	if len(breaks) != 1 {
		t.Fatalf("expected 1 break, got %d", len(breaks))
	}
	if breaks[0].Start != 2 || breaks[0].End != 3 {
		t.Errorf("expected break [2,3), got [%d,%d)", breaks[0].Start, breaks[0].End)
	}
	if breaks[0].DurationSeconds != 6 {
		t.Errorf("expected break duration 6, got %v", breaks[0].DurationSeconds)
	}
}

func TestInterleaveSSAI_ReplacesBreakWithAdsAndBracketsDiscontinuity(t *testing.T) {
	pl, cues, err := ParseMedia([]byte(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	breaks := DetectBreaks(pl.Segments, cues, "https://origin.example.com/live/")

	opts := RewriteOptions{BaseURL: "https://stitch.example.com", SessionID: "s1", OriginURL: "https://origin.example.com/live/"}
	pods := map[string]adbreak.AdPod{
		breaks[0].ID: {BreakID: breaks[0].ID, Ads: []adbreak.Ad{{ID: "ad-1", DurationSeconds: 6}}},
	}

	before := len(pl.Segments)
	InterleaveSSAI(pl, breaks, pods, 0, opts)

	if len(pl.Segments) != before+2 {
		t.Fatalf("expected 1-for-1 ad replacement plus 2 discontinuity bracket entries, got %d want %d", len(pl.Segments), before+2)
	}

	discCount := 0
	adCount := 0
	for _, seg := range pl.Segments {
		if seg.Discontinuity {
			discCount++
		}
		if seg.IsAd {
			adCount++
		}
	}
	if discCount != 2 {
		t.Errorf("expected 2 discontinuities bracketing the break, got %d", discCount)
	}
	if adCount != 1 {
		t.Errorf("expected 1 ad segment, got %d", adCount)
	}
	if pl.DiscontinuitySeq != 2 {
		t.Errorf("expected discontinuity sequence incremented by 2, got %d", pl.DiscontinuitySeq)
	}
}

func TestInterleaveSSAI_NoFillNoSlate_PassesThroughContent(t *testing.T) {
	pl, cues, err := ParseMedia([]byte(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	breaks := DetectBreaks(pl.Segments, cues, "https://origin.example.com/live/")

	opts := RewriteOptions{BaseURL: "https://stitch.example.com", SessionID: "s1", OriginURL: "https://origin.example.com/live/"}
	InterleaveSSAI(pl, breaks, map[string]adbreak.AdPod{}, 0, opts)

	for _, seg := range pl.Segments {
		if seg.IsAd || seg.IsSlate {
			t.Error("expected content pass-through when no ad pod and no slate are configured")
		}
	}
}

func TestInterleaveSSAI_SlateFallback_FillsBreak(t *testing.T) {
	pl, cues, err := ParseMedia([]byte(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	breaks := DetectBreaks(pl.Segments, cues, "https://origin.example.com/live/")

	opts := RewriteOptions{BaseURL: "https://stitch.example.com", SessionID: "s1", OriginURL: "https://origin.example.com/live/"}
	InterleaveSSAI(pl, breaks, map[string]adbreak.AdPod{}, 2, opts)

	slateCount := 0
	for _, seg := range pl.Segments {
		if seg.IsSlate {
			slateCount++
		}
	}
	if slateCount != 3 {
		t.Errorf("expected ceil(6/2)=3 slate segments, got %d", slateCount)
	}
}

func TestInterleaveSGAI_EmitsDateRangeAndLeavesContentUntouched(t *testing.T) {
	pl, cues, err := ParseMedia([]byte(samplePlaylist))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	breaks := DetectBreaks(pl.Segments, cues, "https://origin.example.com/live/")
	originalURIs := make([]string, len(pl.Segments))
	for i, s := range pl.Segments {
		originalURIs[i] = s.URI
	}

	opts := RewriteOptions{BaseURL: "https://stitch.example.com", SessionID: "s1", OriginURL: "https://origin.example.com/live/"}
	markers := InterleaveSGAI(pl, breaks, opts, func(breakID string) string {
		return "https://stitch.example.com/stitch/s1/asset-list/" + breakID
	})

	if len(markers) != 1 {
		t.Fatalf("expected 1 date-range marker, got %d", len(markers))
	}
	if len(pl.Segments) != len(originalURIs) {
		t.Fatalf("SGAI must not change segment count")
	}

	out := Serialize(pl, markers)
	if !strings.Contains(out, `CLASS="com.apple.hls.interstitial"`) {
		t.Error("expected interstitial date-range in serialized output")
	}
	if strings.Contains(out, "CUE-OUT") {
		t.Error("expected CUE tags stripped in SGAI output")
	}
}

func TestSerialize_TerminatesWithEndlistIffClosed(t *testing.T) {
	pl := &MediaPlaylist{TargetDuration: 6, Closed: true, Segments: []Segment{{URI: "a.ts", Duration: 6}}}
	out := Serialize(pl, nil)
	if !strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("expected ENDLIST for closed playlist")
	}

	pl.Closed = false
	out = Serialize(pl, nil)
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("expected no ENDLIST for live playlist")
	}
}

func TestSerialize_DiscontinuityBracketHasNoDanglingEXTINF(t *testing.T) {
	pl := &MediaPlaylist{
		TargetDuration: 6,
		Segments: []Segment{
			{URI: "seg1.ts", Duration: 6},
			{Discontinuity: true},
			{URI: "ad1.ts", Duration: 6, IsAd: true},
			{Discontinuity: true},
			{URI: "seg2.ts", Duration: 6},
		},
	}
	out := Serialize(pl, nil)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i, line := range lines {
		if line != "#EXT-X-DISCONTINUITY" {
			continue
		}
		if i+1 >= len(lines) {
			t.Fatalf("discontinuity tag at end of playlist with nothing following")
		}
		if strings.HasPrefix(lines[i+1], "#EXTINF") {
			if i+2 >= len(lines) || lines[i+2] == "" || strings.HasPrefix(lines[i+2], "#") {
				t.Errorf("expected the EXTINF after a discontinuity bracket to be followed by a segment URI, got %q", lines[i+1])
			}
		}
	}
	if strings.Count(out, "#EXTINF") != 3 {
		t.Errorf("expected exactly 3 EXTINF lines (seg1, ad1, seg2), got %d:\n%s", strings.Count(out, "#EXTINF"), out)
	}
	if strings.Count(out, "#EXT-X-DISCONTINUITY") != 2 {
		t.Errorf("expected exactly 2 discontinuity tags, got %d", strings.Count(out, "#EXT-X-DISCONTINUITY"))
	}
}
