// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package proxy

import (
	"context"
	"net/http"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/metrics"
	"github.com/ManuGH/stitchcore/internal/session"
)

// Beacon sends are deliberately detached from the triggering request's
// context: a client disconnect must not cancel a beacon already in flight.

// quartile is a single delivery-progress checkpoint that fires a tracking
// event once cumulative delivered duration for (session, ad) crosses its
// fraction of the ad's total duration.
type quartile struct {
	event    string
	fraction float64
}

// quartileSchedule is evaluated in order; "impression" fires separately on
// first byte delivered, ahead of every quartile event.
var quartileSchedule = []quartile{
	{event: "start", fraction: 0.0},
	{event: "firstQuartile", fraction: 0.25},
	{event: "midpoint", fraction: 0.50},
	{event: "thirdQuartile", fraction: 0.75},
	{event: "complete", fraction: 1.0},
}

// FireDeliveryBeacons fires impression and every quartile event whose
// threshold is crossed by deliveredSeconds out of totalSeconds, for the
// given ad within sess. Each (ad, event) fires at most once per session;
// sends are fire-and-forget with their own timeout and never affect the
// caller.
func FireDeliveryBeacons(sess *session.Session, ad adbreak.Ad, deliveredSeconds, totalSeconds float64) {
	if totalSeconds <= 0 {
		return
	}

	if sess.MarkBeaconFired(ad.ID, "impression") {
		fireAll(ad.Impressions, "impression")
	}

	progress := deliveredSeconds / totalSeconds
	for _, q := range quartileSchedule {
		if progress < q.fraction {
			continue
		}
		if !sess.MarkBeaconFired(ad.ID, q.event) {
			continue
		}
		fireAll(ad.TrackingEvents[q.event], q.event)
	}
}

// FireErrorBeacon fires an ad's error-tracking URIs at most once per
// session-ad.
func FireErrorBeacon(sess *session.Session, ad adbreak.Ad) {
	if !sess.MarkBeaconFired(ad.ID, "error") {
		return
	}
	fireAll(ad.TrackingEvents["error"], "error")
}

func fireAll(uris []string, event string) {
	logger := log.WithComponent("proxy.beacon")
	client := &http.Client{Timeout: beaconTimeout}

	for _, uri := range uris {
		go func(uri string) {
			beaconCtx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(beaconCtx, http.MethodGet, uri, nil)
			if err != nil {
				metrics.BeaconFiredTotal.WithLabelValues(event, "failure").Inc()
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				metrics.BeaconFiredTotal.WithLabelValues(event, "failure").Inc()
				logger.Warn().Err(err).Str("event", event).Msg("beacon send failed")
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 400 {
				metrics.BeaconFiredTotal.WithLabelValues(event, "failure").Inc()
				return
			}
			metrics.BeaconFiredTotal.WithLabelValues(event, "success").Inc()
		}(uri)
	}
}
