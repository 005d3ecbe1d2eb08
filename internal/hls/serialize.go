// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"fmt"
	"strconv"
	"strings"
)

// Serialize reproduces a media playlist's tag stream in canonical HLS
// ordering: global tags first, then per-segment groups, terminating with
// EXT-X-ENDLIST iff pl.Closed. SGAI date-range markers are emitted
// immediately before the segment belonging to the break they annotate.
func Serialize(pl *MediaPlaylist, markers []DateRangeMarker) string {
	markerBySegment := make(map[int][]DateRangeMarker)
	for _, m := range markers {
		markerBySegment[m.SegmentIndex] = append(markerBySegment[m.SegmentIndex], m)
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", pl.TargetDuration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", pl.SeqNo)
	fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", pl.DiscontinuitySeq)

	for i, seg := range pl.Segments {
		for _, m := range markerBySegment[i] {
			writeDateRange(&b, m)
		}
		if seg.Discontinuity {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if seg.URI == "" {
			// Pure discontinuity bracket (no content/ad/slate URI attached):
			// EXT-X-DISCONTINUITY stands alone, with no EXTINF/URI pair.
			continue
		}
		if seg.HasProgramDate {
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", seg.ProgramDateTime.Format(rfc3339Milli))
		}
		fmt.Fprintf(&b, "#EXTINF:%s,\n", formatDuration(seg.Duration))
		b.WriteString(seg.URI)
		b.WriteString("\n")
	}

	if pl.Closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func formatDuration(d float64) string {
	return strconv.FormatFloat(d, 'f', 3, 64)
}

func writeDateRange(b *strings.Builder, m DateRangeMarker) {
	fmt.Fprintf(b, "#EXT-X-DATERANGE:ID=%q,CLASS=%q,START-DATE=%q,DURATION=%s,X-ASSET-LIST=%q\n",
		m.ID, m.Class, m.StartDate.Format(rfc3339Milli), formatDuration(m.Duration.Seconds()), m.AssetList)
}
