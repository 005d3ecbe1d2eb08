// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
	Version string    // optional version attached to every log entry
}

var (
	mu          sync.RWMutex
	base        zerolog.Logger
	initialized bool
)

// Configure initialises the global zerolog logger with the provided configuration.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "stitchcore"
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Str("version", cfg.Version).
		Logger()

	initialized = true
}

func ensureInitialized() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()

	Configure(Config{})
}

func logger() zerolog.Logger {
	ensureInitialized()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Base returns the configured base logger instance by value.
func Base() zerolog.Logger {
	return logger()
}

// L provides access to the global logger instance as a pointer to a copy.
func L() *zerolog.Logger {
	l := logger()
	return &l
}

// Middleware returns an http.Handler middleware that logs requests using zerolog.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)
			if reqID == "" {
				reqID = uuid.New().String()
				ctx = ContextWithRequestID(ctx, reqID)
			}

			if w.Header().Get("X-Request-ID") == "" {
				w.Header().Set("X-Request-ID", reqID)
			}

			logCtx := logger().With().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr)

			span := trace.SpanFromContext(ctx)
			if span.SpanContext().IsValid() {
				logCtx = logCtx.
					Str("trace_id", span.SpanContext().TraceID().String()).
					Str("span_id", span.SpanContext().SpanID().String())
			}

			l := WithContext(ctx, logCtx.Logger())
			r = r.WithContext(l.WithContext(ctx))

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			l.Info().
				Str("event", "request.handled").
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// Derive attaches arbitrary fields to a child logger using the provided builder function.
func Derive(build func(*zerolog.Context)) zerolog.Logger {
	ctx := logger().With()
	if build != nil {
		build(&ctx)
	}
	return ctx.Logger()
}

// WithTraceContext returns a logger enriched with trace_id and span_id from the context.
func WithTraceContext(ctx context.Context) zerolog.Logger {
	l := logger()
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		l = l.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
	}
	return l
}
