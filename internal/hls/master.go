// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"bytes"
	"fmt"

	"github.com/mogiioin/hls-m3u8/m3u8"
)

// RewriteMaster parses a master (multivariant) playlist and rewrites every
// variant URI to route through the stitcher's own media-playlist endpoint,
// embedding the session id so the subsequent media playlist request can be
// stitched consistently.
func RewriteMaster(data []byte, opts RewriteOptions) (string, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return "", fmt.Errorf("hls: master parse: %w", err)
	}
	if listType != m3u8.MASTER {
		return "", fmt.Errorf("hls: expected master playlist, got media")
	}
	mp, ok := pl.(*m3u8.MasterPlaylist)
	if !ok {
		return "", fmt.Errorf("hls: unexpected decoded playlist type")
	}

	var b bytes.Buffer
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")

	writeAlternatives(&b, mp.Variants, opts)

	for _, v := range mp.Variants {
		if v == nil {
			continue
		}
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", v.Codecs)
		}
		if v.Resolution != "" {
			fmt.Fprintf(&b, ",RESOLUTION=%s", v.Resolution)
		}
		if v.Audio != "" {
			fmt.Fprintf(&b, ",AUDIO=%q", v.Audio)
		}
		if v.Video != "" {
			fmt.Fprintf(&b, ",VIDEO=%q", v.Video)
		}
		if v.Subtitles != "" {
			fmt.Fprintf(&b, ",SUBTITLES=%q", v.Subtitles)
		}
		if v.Captions != "" {
			fmt.Fprintf(&b, ",CLOSED-CAPTIONS=%q", v.Captions)
		}
		b.WriteString("\n")
		b.WriteString(rewriteContentURL(opts, v.URI))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// writeAlternatives emits one EXT-X-MEDIA tag per distinct alternate
// rendition (audio/subtitle/closed-caption tracks referenced by variants'
// AUDIO/VIDEO/SUBTITLES/CLOSED-CAPTIONS group ids), rewriting each
// rendition's own URI through the stitcher exactly like a variant's.
// Renditions are deduplicated by pointer identity: the decoder attaches the
// same *Alternative to every variant sharing its group, so a naive per-
// variant walk would re-emit it once per variant.
func writeAlternatives(b *bytes.Buffer, variants []*m3u8.Variant, opts RewriteOptions) {
	seen := make(map[*m3u8.Alternative]bool)
	for _, v := range variants {
		if v == nil {
			continue
		}
		for _, alt := range v.Alternatives {
			if alt == nil || seen[alt] {
				continue
			}
			seen[alt] = true
			fmt.Fprintf(b, "#EXT-X-MEDIA:TYPE=%s,GROUP-ID=%q,NAME=%q", alt.Type, alt.GroupId, alt.Name)
			if alt.Language != "" {
				fmt.Fprintf(b, ",LANGUAGE=%q", alt.Language)
			}
			if alt.Default {
				b.WriteString(",DEFAULT=YES")
			}
			if alt.Autoselect {
				b.WriteString(",AUTOSELECT=YES")
			}
			if alt.Forced {
				b.WriteString(",FORCED=YES")
			}
			if alt.InstreamId != "" {
				fmt.Fprintf(b, ",INSTREAM-ID=%q", alt.InstreamId)
			}
			if alt.URI != "" {
				fmt.Fprintf(b, ",URI=%q", rewriteContentURL(opts, alt.URI))
			}
			b.WriteString("\n")
		}
	}
}
