// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConfigure_DefaultsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf, Service: "stitchcore-test", Version: "v0.0.0-test"})

	L().Info().Msg("should be filtered")
	L().Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should be filtered") {
		t.Errorf("info log leaked through warn level filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("expected warn log in output, got %q", out)
	}
	if !strings.Contains(out, `"service":"stitchcore-test"`) {
		t.Errorf("expected service field in output, got %q", out)
	}
}

func TestMiddleware_AssignsRequestID(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf})

	handler := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestIDFromContext(r.Context()) == "" {
			t.Error("expected request id to be set in context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/stitch/abc/playlist.m3u8", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header to be set")
	}

	var entry map[string]any
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("expected final log line to be valid JSON: %v", err)
	}
	if entry["event"] != "request.handled" {
		t.Errorf("expected event=request.handled, got %v", entry["event"])
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status=418, got %v", entry["status"])
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf})

	l := WithComponent("hls")
	l.Info().Msg("hi")

	if !strings.Contains(buf.String(), `"component":"hls"`) {
		t.Errorf("expected component field, got %q", buf.String())
	}
}
