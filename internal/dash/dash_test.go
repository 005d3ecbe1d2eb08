// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package dash

import (
	"strings"
	"testing"

	"github.com/ManuGH/stitchcore/internal/adbreak"
)

const sampleMPD = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" availabilityStartTime="2025-01-01T00:00:00Z" minimumUpdatePeriod="PT2S">
  <BaseURL>https://origin.example.com/live/</BaseURL>
  <Period id="P0" duration="PT30S">
    <EventStream schemeIdUri="urn:scte:scte35:2013:xml" timescale="90000">
      <Event duration="540000" id="1"></Event>
    </EventStream>
    <AdaptationSet contentType="video" mimeType="video/mp4">
      <Representation id="v1" bandwidth="1000000" codecs="avc1.4d401f">
        <SegmentTemplate initialization="init-$RepresentationID$.m4s" media="$RepresentationID$/$Number$.m4s" startNumber="1"/>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

func TestParse_ReadsRootAndPeriods(t *testing.T) {
	doc, err := Parse([]byte(sampleMPD))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.root.Tag != "MPD" {
		t.Fatalf("expected MPD root, got %s", doc.root.Tag)
	}
}

func TestDetectBreaks_FindsSCTE35EventAboveThreshold(t *testing.T) {
	doc, err := Parse([]byte(sampleMPD))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	breaks := doc.DetectBreaks("https://origin.example.com/live/")
	if len(breaks) != 1 {
		t.Fatalf("expected 1 break, got %d", len(breaks))
	}
	if breaks[0].DurationSeconds != 6 {
		t.Errorf("expected duration 540000/90000=6s, got %v", breaks[0].DurationSeconds)
	}
	if breaks[0].AfterPeriodID != "P0" {
		t.Errorf("expected break anchored to P0, got %s", breaks[0].AfterPeriodID)
	}
}

func TestDetectBreaks_RejectsImplausibleDuration(t *testing.T) {
	mpd := strings.Replace(sampleMPD, `duration="540000"`, `duration="999999999"`, 1)
	doc, err := Parse([]byte(mpd))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	breaks := doc.DetectBreaks("https://origin.example.com/live/")
	if len(breaks) != 0 {
		t.Fatalf("expected implausible duration to be rejected, got %d breaks", len(breaks))
	}
}

func TestResolveBaseURLs_ComposesHierarchy(t *testing.T) {
	mpd := `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static">
  <BaseURL>https://origin.example.com/live/</BaseURL>
  <Period id="P0">
    <AdaptationSet contentType="video">
      <BaseURL>video/</BaseURL>
      <Representation id="v1" bandwidth="1000000"></Representation>
    </AdaptationSet>
  </Period>
</MPD>`
	doc, err := Parse([]byte(mpd))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := doc.ResolveBaseURLs("https://stitch.example.com/"); err != nil {
		t.Fatalf("ResolveBaseURLs() error = %v", err)
	}
	as := doc.root.SelectElement("Period").SelectElement("AdaptationSet")
	got := as.SelectElement("BaseURL").Text()
	want := "https://origin.example.com/live/video/"
	if got != want {
		t.Errorf("expected resolved AdaptationSet BaseURL %q, got %q", want, got)
	}
}

func TestInsertAdPeriods_AddsPeriodAfterSignalingPeriodWithMatchingDuration(t *testing.T) {
	doc, err := Parse([]byte(sampleMPD))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	breaks := doc.DetectBreaks("https://origin.example.com/live/")
	pods := map[string]adbreak.AdPod{
		breaks[0].ID: {BreakID: breaks[0].ID, Ads: []adbreak.Ad{{ID: "ad-1", DurationSeconds: 6}}},
	}
	doc.InsertAdPeriods(breaks, pods, "s1", "https://stitch.example.com")

	periods := doc.root.SelectElements("Period")
	if len(periods) != 2 {
		t.Fatalf("expected 2 periods after insertion, got %d", len(periods))
	}
	adPeriod := periods[1]
	if adPeriod.SelectAttrValue("duration", "") != "PT6S" {
		t.Errorf("expected ad period duration PT6S, got %s", adPeriod.SelectAttrValue("duration", ""))
	}
	as := adPeriod.SelectElement("AdaptationSet")
	if as == nil {
		t.Fatal("expected cloned AdaptationSet in ad period")
	}
	su := as.SelectElement("Representation").SelectElement("SegmentList").SelectElement("SegmentURL")
	if su == nil || !strings.Contains(su.SelectAttrValue("media", ""), "/stitch/s1/ad/ad-1") {
		t.Errorf("expected ad SegmentURL routed through proxy, got %+v", su)
	}
}

func TestRewriteURLs_PreservesSegmentTemplateVariables(t *testing.T) {
	doc, err := Parse([]byte(sampleMPD))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	doc.RewriteURLs("s1", "https://stitch.example.com")

	st := doc.root.FindElements(".//SegmentTemplate")[0]
	media := st.SelectAttrValue("media", "")
	if !strings.Contains(media, "/stitch/s1/segment/") {
		t.Errorf("expected media rewritten through proxy, got %s", media)
	}
	if !strings.Contains(media, "$RepresentationID$") || !strings.Contains(media, "$Number$") {
		t.Errorf("expected template variables preserved, got %s", media)
	}
}

func TestSerialize_RoundTripsValidXML(t *testing.T) {
	doc, err := Parse([]byte(sampleMPD))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	out, err := doc.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	if !strings.Contains(out, `type="dynamic"`) {
		t.Error("expected @type=dynamic preserved")
	}
	if !strings.Contains(out, `availabilityStartTime="2025-01-01T00:00:00Z"`) {
		t.Error("expected availabilityStartTime preserved")
	}
}
