// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuGH/stitchcore/internal/adbreak"
	"github.com/ManuGH/stitchcore/internal/adprovider"
	"github.com/ManuGH/stitchcore/internal/api"
	"github.com/ManuGH/stitchcore/internal/cache"
	"github.com/ManuGH/stitchcore/internal/config"
	stitchlog "github.com/ManuGH/stitchcore/internal/log"
	"github.com/ManuGH/stitchcore/internal/proxy"
	"github.com/ManuGH/stitchcore/internal/session"
	"github.com/ManuGH/stitchcore/internal/stitch"
	"github.com/rs/zerolog"
)

var (
	version = "v0.1.0"
	commit  = "none"
)

const (
	shutdownGrace       = 10 * time.Second
	sessionReapInterval = 30 * time.Second
	adBreakCacheTTL     = 10 * time.Minute
	maxConcurrentAdFetches = 64
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	stitchlog.Configure(stitchlog.Config{
		Level:   "info",
		Service: "stitchcore",
		Version: version,
	})
	logger := stitchlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}

	stitchlog.Configure(stitchlog.Config{
		Level:   config.ParseString("LOG_LEVEL", "info"),
		Service: "stitchcore",
		Version: version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Int("port", cfg.Port).
		Str("origin", cfg.OriginURL).
		Str("ad_provider", string(cfg.AdProviderType)).
		Str("stitching_mode", string(cfg.StitchingMode)).
		Str("session_store", string(cfg.SessionStore)).
		Msg("starting stitchcore")

	sessions, closeSessions, err := buildSessionStore(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "session_store.init_failed").Msg("failed to initialize session store")
	}
	defer closeSessions()

	breaks := adbreak.NewCache(adBreakCacheTTL)

	provider, err := adprovider.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "ad_provider.init_failed").Msg("failed to initialize ad provider")
	}

	p := proxy.New(maxConcurrentAdFetches)

	pipeline := stitch.NewPipeline(sessions, breaks, provider, cfg.BaseURL, cfg.OriginURL, cfg.SlateURL, cfg.SlateSegmentDuration.Seconds())

	srv := api.New(pipeline, p, sessions, breaks, provider, string(cfg.StitchingMode))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Str("event", "server.failed").Msg("http server exited unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed, forcing close")
		_ = httpServer.Close()
	}

	logger.Info().Msg("server exiting")
}

// buildSessionStore constructs the session store selected by
// cfg.SessionStore, returning a close function the caller must defer.
func buildSessionStore(cfg config.Config, logger zerolog.Logger) (session.Store, func(), error) {
	ttl := cfg.SessionTTL()

	switch cfg.SessionStore {
	case config.SessionStoreDistributed:
		redisCache, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.SessionRedisAddr}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		store := session.NewDistributedStore(redisCache, ttl)
		return store, func() { store.Close() }, nil
	default:
		store := session.NewMemoryStore(ttl, sessionReapInterval)
		return store, store.Close, nil
	}
}
