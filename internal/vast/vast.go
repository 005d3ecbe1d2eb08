// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package vast models IAB VAST 2/3/4 documents and resolves a VAST ad tag
// URL down to a playable media file, chasing Wrapper redirection chains.
package vast

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VAST is the root <VAST> document.
type VAST struct {
	XMLName xml.Name `xml:"VAST"`
	Version string   `xml:"version,attr"`
	Ads     []Ad     `xml:"Ad"`
	Errors  []string `xml:"Error"`
}

// Ad is a single <Ad> element containing exactly one of InLine or Wrapper.
type Ad struct {
	ID       string   `xml:"id,attr"`
	Sequence int      `xml:"sequence,attr"`
	InLine   *InLine  `xml:"InLine"`
	Wrapper  *Wrapper `xml:"Wrapper"`
}

// InLine is a terminal ad definition containing everything needed to play it.
type InLine struct {
	AdSystem    string     `xml:"AdSystem"`
	AdTitle     string     `xml:"AdTitle"`
	Advertiser  string     `xml:"Advertiser"`
	Impressions []string   `xml:"Impression"`
	Errors      []string   `xml:"Error"`
	Creatives   []Creative `xml:"Creatives>Creative"`

	// Extensions and AdVerifications are carried opaquely (raw inner XML):
	// the stitcher has no business interpreting OMID/viewability verification
	// payloads, only passing them through to the asset-list consumer.
	Extensions      innerXML `xml:"Extensions"`
	AdVerifications innerXML `xml:"AdVerifications"`
}

// innerXML holds an element's raw inner XML, uninterpreted.
type innerXML string

// UnmarshalXML captures the element's inner XML verbatim.
func (x *innerXML) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		Inner string `xml:",innerxml"`
	}
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return err
	}
	*x = innerXML(raw.Inner)
	return nil
}

// Wrapper points at another ad server that will itself return InLine or
// another Wrapper.
type Wrapper struct {
	AdSystem     string     `xml:"AdSystem"`
	VASTAdTagURI string     `xml:"VASTAdTagURI"`
	Impressions  []string   `xml:"Impression"`
	Errors       []string   `xml:"Error"`
	Creatives    []Creative `xml:"Creatives>Creative"`
}

// Creative wraps a Linear ad's duration, media files and tracking events.
type Creative struct {
	ID     string  `xml:"id,attr"`
	Linear *Linear `xml:"Linear"`
}

// Linear is the pre-roll/mid-roll/post-roll video creative.
type Linear struct {
	Duration       Duration    `xml:"Duration"`
	MediaFiles     []MediaFile `xml:"MediaFiles>MediaFile"`
	TrackingEvents []Tracking  `xml:"TrackingEvents>Tracking"`
}

// MediaFile is a single candidate rendition of a linear creative.
type MediaFile struct {
	URI      string `xml:",chardata"`
	Delivery string `xml:"delivery,attr"`
	Type     string `xml:"type,attr"`
	Width    int    `xml:"width,attr"`
	Height   int    `xml:"height,attr"`
	Bitrate  int    `xml:"bitrate,attr"`
}

// Tracking is a single tracking beacon fired on a named creative event.
type Tracking struct {
	Event string `xml:"event,attr"`
	URI   string `xml:",chardata"`
}

// Duration parses a VAST Duration element, formatted HH:MM:SS[.mmm].
type Duration time.Duration

// UnmarshalXML parses the HH:MM:SS.mmm textual duration format used
// throughout VAST (Linear/Duration, TrackingEvents/offset, skipoffset).
func (d *Duration) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := dec.DecodeElement(&s, &start); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses HH:MM:SS or HH:MM:SS.mmm into a time.Duration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("vast: malformed duration %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("vast: malformed duration hours %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("vast: malformed duration minutes %q: %w", s, err)
	}
	secStr := parts[2]
	var millis int
	if dot := strings.IndexByte(secStr, '.'); dot >= 0 {
		msStr := secStr[dot+1:]
		secStr = secStr[:dot]
		ms, err := strconv.Atoi(msStr)
		if err != nil {
			return 0, fmt.Errorf("vast: malformed duration millis %q: %w", s, err)
		}
		millis = ms
	}
	seconds, err := strconv.Atoi(secStr)
	if err != nil {
		return 0, fmt.Errorf("vast: malformed duration seconds %q: %w", s, err)
	}
	total := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(millis)*time.Millisecond
	return total, nil
}

// Parse decodes a VAST XML document.
func Parse(data []byte) (*VAST, error) {
	var v VAST
	if err := xml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("vast: parse: %w", err)
	}
	return &v, nil
}
