// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dash implements the live DASH manifest pipeline: MPD parsing with
// hierarchical BaseURL resolution, SCTE-35 EventStream ad-break detection,
// Period-based ad insertion, URL rewriting, and canonical serialization.
package dash

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/scte35"
	"github.com/beevik/etree"
)

const (
	eventStreamSCTE2013 = "urn:scte:scte35:2013:xml"
	eventStreamSCTE2014 = "urn:scte:scte35:2014:xml"
	maxBreakDuration     = 3600 * time.Second
)

// Break is a detected SCTE-35 ad break anchored to the Period it follows.
type Break struct {
	ID                 string
	AfterPeriodID      string
	StartOffset        time.Duration // position within the timeline, Period's end
	DurationSeconds    float64
}

// Document wraps a parsed MPD for ad-break detection, insertion, and
// rewriting.
type Document struct {
	tree *etree.Document
	root *etree.Element
}

// Parse decodes raw MPD XML.
func Parse(data []byte) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("dash: parse: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "MPD" {
		return nil, fmt.Errorf("dash: missing MPD root element")
	}
	return &Document{tree: doc, root: root}, nil
}

// Serialize emits the canonical MPD XML, preserving the attributes the
// pipeline never rewrites (@type, @availabilityStartTime, timing
// attributes, presentationTimeOffset) exactly as parsed.
func (d *Document) Serialize() (string, error) {
	d.tree.Indent(2)
	s, err := d.tree.WriteToString()
	if err != nil {
		return "", fmt.Errorf("dash: serialize: %w", err)
	}
	return s, nil
}

// ResolveBaseURLs materializes the effective absolute BaseURL for every
// SegmentTemplate/SegmentList-bearing element, walking the hierarchy
// MPD -> Period -> AdaptationSet -> Representation and composing relative
// entries via RFC 3986 resolution against requestBase.
func (d *Document) ResolveBaseURLs(requestBase string) error {
	base, err := url.Parse(requestBase)
	if err != nil {
		return fmt.Errorf("dash: invalid request base %q: %w", requestBase, err)
	}
	mpdBase := resolveLevel(base, d.root)

	for _, period := range d.root.SelectElements("Period") {
		periodBase := resolveLevel(mpdBase, period)
		for _, as := range period.SelectElements("AdaptationSet") {
			asBase := resolveLevel(periodBase, as)
			for _, rep := range as.SelectElements("Representation") {
				repBase := resolveLevel(asBase, rep)
				setResolvedBaseURL(rep, repBase)
			}
			setResolvedBaseURL(as, asBase)
		}
		setResolvedBaseURL(period, periodBase)
	}
	setResolvedBaseURL(d.root, mpdBase)
	return nil
}

func resolveLevel(parent *url.URL, elem *etree.Element) *url.URL {
	baseURLElem := elem.SelectElement("BaseURL")
	if baseURLElem == nil {
		return parent
	}
	ref, err := url.Parse(strings.TrimSpace(baseURLElem.Text()))
	if err != nil {
		return parent
	}
	if parent == nil {
		return ref
	}
	return parent.ResolveReference(ref)
}

func setResolvedBaseURL(elem *etree.Element, resolved *url.URL) {
	if resolved == nil {
		return
	}
	baseURLElem := elem.SelectElement("BaseURL")
	if baseURLElem == nil {
		baseURLElem = elem.CreateElement("BaseURL")
	}
	baseURLElem.SetText(resolved.String())
}

// DetectBreaks walks every Period's EventStream children for SCTE-35
// schemeIdUri and decodes each Event's splice payload, applying the DoS
// guard against implausible durations. Break ids are derived from
// originURL and the signaling period's id/offset rather than a per-request
// sequence counter, so the same break resolves to the same id across
// requests as the timeline advances.
func (d *Document) DetectBreaks(originURL string) []Break {
	logger := log.WithComponent("dash")
	var breaks []Break

	var prevEnd time.Duration
	for _, period := range d.root.SelectElements("Period") {
		periodID := period.SelectAttrValue("id", "")
		periodDur := parseISODuration(period.SelectAttrValue("duration", ""))
		periodStart := prevEnd
		if s := period.SelectAttrValue("start", ""); s != "" {
			periodStart = parseISODuration(s)
		}
		periodEnd := periodStart + periodDur
		prevEnd = periodEnd

		for _, es := range period.SelectElements("EventStream") {
			scheme := es.SelectAttrValue("schemeIdUri", "")
			if scheme != eventStreamSCTE2013 && scheme != eventStreamSCTE2014 {
				continue
			}
			timescale := parseUintDefault(es.SelectAttrValue("timescale", "1"), 1)

			for _, ev := range es.SelectElements("Event") {
				durAttr := ev.SelectAttrValue("duration", "0")
				durTicks := parseUintDefault(durAttr, 0)
				durSeconds := float64(durTicks) / float64(timescale)
				if durSeconds <= 0 || time.Duration(durSeconds*float64(time.Second)) > maxBreakDuration {
					logger.Warn().Str("period", periodID).Float64("duration", durSeconds).Msg("rejecting implausible scte-35 event duration")
					continue
				}

				signalB64 := strings.TrimSpace(ev.Text())
				if signalB64 == "" {
					for _, child := range ev.ChildElements() {
						if child.Tag == "Signal" || child.Tag == "Binary" {
							signalB64 = strings.TrimSpace(child.Text())
						}
					}
				}
				if signalB64 != "" {
					raw, err := base64.StdEncoding.DecodeString(signalB64)
					if err == nil {
						if decoded, err := scte35.Decode(raw); err == nil {
							if decoded.Command == scte35.CommandSpliceInsert && !decoded.OutOfNetwork {
								continue // CUE-IN signal, not a break start
							}
						}
					}
				}

				breaks = append(breaks, Break{
					ID:              breakID(originURL, periodID, periodEnd),
					AfterPeriodID:   periodID,
					StartOffset:     periodEnd,
					DurationSeconds: durSeconds,
				})
			}
		}
	}
	return breaks
}

// breakID derives a deterministic break id: sha256(originURL + ":" +
// break_start), truncated to 16 hex chars, where break_start anchors on the
// signaling period's id and its offset into the timeline.
func breakID(originURL, periodID string, offset time.Duration) string {
	key := fmt.Sprintf("%s@%s", periodID, formatISODuration(offset))
	sum := sha256.Sum256([]byte(originURL + ":" + key))
	return hex.EncodeToString(sum[:])[:16]
}

func parseUintDefault(s string, def uint64) uint64 {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def
	}
	return v
}

// parseISODuration parses a (possibly empty) ISO-8601 duration like
// "PT30S" into a time.Duration, defaulting to zero.
func parseISODuration(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasPrefix(s, "P") {
		return 0
	}
	s = strings.TrimPrefix(s, "P")
	var d time.Duration
	timePart := false
	if idx := strings.IndexByte(s, 'T'); idx >= 0 {
		datePart := s[:idx]
		s = s[idx+1:]
		timePart = true
		_ = datePart // live profiles never carry Y/M/D/W components here
	}
	_ = timePart
	num := strings.Builder{}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		case r == 'H':
			v, _ := strconv.ParseFloat(num.String(), 64)
			d += time.Duration(v * float64(time.Hour))
			num.Reset()
		case r == 'M':
			v, _ := strconv.ParseFloat(num.String(), 64)
			d += time.Duration(v * float64(time.Minute))
			num.Reset()
		case r == 'S':
			v, _ := strconv.ParseFloat(num.String(), 64)
			d += time.Duration(v * float64(time.Second))
			num.Reset()
		}
	}
	return d
}

func formatISODuration(d time.Duration) string {
	return fmt.Sprintf("PT%sS", strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
}

// InsertAdPeriods inserts one new Period after each detected break's
// signaling Period, mirroring AdaptationSet kinds from the neighboring
// content Period and pointing SegmentList URLs at ad media rewritten
// through the proxy.
func (d *Document) InsertAdPeriods(breaks []Break, pods map[string]adbreak.AdPod, sessionID, baseURL string) {
	periods := d.root.SelectElements("Period")
	periodByID := make(map[string]*etree.Element, len(periods))
	for _, p := range periods {
		periodByID[p.SelectAttrValue("id", "")] = p
	}

	for _, brk := range breaks {
		signaling, ok := periodByID[brk.AfterPeriodID]
		if !ok {
			continue
		}
		pod := pods[brk.ID]
		if pod.Empty() {
			continue
		}

		adPeriod := etree.NewElement("Period")
		adPeriod.CreateAttr("id", "ad-"+brk.ID)
		adPeriod.CreateAttr("start", formatISODuration(brk.StartOffset))
		adPeriod.CreateAttr("duration", formatISODuration(pod.TotalDuration()))

		for _, kind := range []string{"video", "audio", "text"} {
			skeleton := findAdaptationSetByContentType(signaling, kind)
			if skeleton == nil {
				continue
			}
			as := cloneAdaptationSetSkeleton(skeleton)
			attachAdSegmentList(as, pod, sessionID, baseURL, kind)
			adPeriod.AddChild(as)
		}

		insertAfter(d.root, signaling, adPeriod)
	}
}

func findAdaptationSetByContentType(period *etree.Element, kind string) *etree.Element {
	for _, as := range period.SelectElements("AdaptationSet") {
		if as.SelectAttrValue("contentType", "") == kind || strings.HasPrefix(as.SelectAttrValue("mimeType", ""), kind+"/") {
			return as
		}
	}
	return nil
}

func cloneAdaptationSetSkeleton(src *etree.Element) *etree.Element {
	as := etree.NewElement("AdaptationSet")
	if ct := src.SelectAttrValue("contentType", ""); ct != "" {
		as.CreateAttr("contentType", ct)
	}
	if mt := src.SelectAttrValue("mimeType", ""); mt != "" {
		as.CreateAttr("mimeType", mt)
	}
	if lang := src.SelectAttrValue("lang", ""); lang != "" {
		as.CreateAttr("lang", lang)
	}
	for _, rep := range src.SelectElements("Representation") {
		r := etree.NewElement("Representation")
		r.CreateAttr("id", rep.SelectAttrValue("id", ""))
		if bw := rep.SelectAttrValue("bandwidth", ""); bw != "" {
			r.CreateAttr("bandwidth", bw)
		}
		if codecs := rep.SelectAttrValue("codecs", ""); codecs != "" {
			r.CreateAttr("codecs", codecs)
		}
		as.AddChild(r)
	}
	return as
}

func attachAdSegmentList(as *etree.Element, pod adbreak.AdPod, sessionID, baseURL, kind string) {
	for _, rep := range as.SelectElements("Representation") {
		sl := etree.NewElement("SegmentList")
		for _, ad := range pod.Ads {
			su := etree.NewElement("SegmentURL")
			su.CreateAttr("media", rewriteAdURL(baseURL, sessionID, ad))
			su.CreateAttr("d", strconv.FormatFloat(ad.DurationSeconds, 'f', -1, 64))
			sl.AddChild(su)
		}
		rep.AddChild(sl)
	}
}

// insertAfter inserts newElem immediately after ref among parent's children,
// using etree's insert-before-existing-token primitive against ref's
// successor (or appending when ref is the last child).
func insertAfter(parent, ref, newElem *etree.Element) {
	children := parent.Child
	for i, t := range children {
		if e, ok := t.(*etree.Element); ok && e == ref {
			if i+1 < len(children) {
				parent.InsertChild(children[i+1], newElem)
			} else {
				parent.AddChild(newElem)
			}
			return
		}
	}
	parent.AddChild(newElem)
}

// RewriteURLs rewrites every SegmentTemplate @initialization/@media and
// SegmentList SegmentURL @media at every level through the stitcher,
// preserving DASH template variables untouched.
func (d *Document) RewriteURLs(sessionID, baseURL string) {
	for _, st := range d.root.FindElements(".//SegmentTemplate") {
		rewriteTemplateAttr(st, "initialization", sessionID, baseURL)
		rewriteTemplateAttr(st, "media", sessionID, baseURL)
	}
	for _, su := range d.root.FindElements(".//SegmentList/SegmentURL") {
		if attr := su.SelectAttr("media"); attr != nil {
			attr.Value = rewriteContentSegmentURL(attr.Value, sessionID, baseURL)
		}
	}
}

func rewriteTemplateAttr(elem *etree.Element, attrName, sessionID, baseURL string) {
	attr := elem.SelectAttr(attrName)
	if attr == nil {
		return
	}
	attr.Value = rewriteContentSegmentURL(attr.Value, sessionID, baseURL)
}

// rewriteContentSegmentURL rewrites a content segment URL through the
// stitcher while preserving DASH template variables ($RepresentationID$,
// $Number$, $Time$, $Bandwidth$) verbatim.
func rewriteContentSegmentURL(original, sessionID, baseURL string) string {
	if strings.Contains(original, "/stitch/") {
		return original // already rewritten ad/slate URL
	}
	return fmt.Sprintf("%s/stitch/%s/segment/%s", baseURL, url.PathEscape(sessionID), original)
}

// rewriteAdURL routes an ad creative through the proxy, carrying the
// resolved upstream media URI and delivery-beacon data as query parameters,
// mirroring the hls package's rewriteAdURL.
func rewriteAdURL(baseURL, sessionID string, ad adbreak.Ad) string {
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
	return fmt.Sprintf("%s/stitch/%s/ad/%s?%s", baseURL, url.PathEscape(sessionID), url.PathEscape(ad.ID), v.Encode())
}
