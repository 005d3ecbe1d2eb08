// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads stitcher runtime configuration from the environment.
package config

import (
	"fmt"
	"time"
)

// AdProviderType selects how ad breaks are resolved.
type AdProviderType string

const (
	AdProviderVAST   AdProviderType = "vast"
	AdProviderStatic AdProviderType = "static"
	AdProviderAuto   AdProviderType = "auto"
)

// StitchingMode selects the manifest rewrite strategy.
type StitchingMode string

const (
	StitchingSSAI StitchingMode = "ssai"
	StitchingSGAI StitchingMode = "sgai"
)

// SessionStoreKind selects the session store backend.
type SessionStoreKind string

const (
	SessionStoreMemory      SessionStoreKind = "memory"
	SessionStoreDistributed SessionStoreKind = "distributed"
)

// Config holds the full set of stitcher runtime settings, sourced from
// environment variables via the Parse* helpers in env.go.
type Config struct {
	// Listen / routing
	Port    int
	BaseURL string

	// Origin content
	OriginURL string

	// Ad resolution
	AdProviderType AdProviderType
	VASTEndpoint   string

	// Slate fallback
	SlateURL             string
	SlateSegmentDuration time.Duration

	// Static ad defaults
	AdSourceURL       string
	AdSegmentDuration time.Duration

	// Session store
	SessionStore     SessionStoreKind
	SessionTTLSecs   int
	SessionRedisAddr string

	// Manifest rewrite strategy
	StitchingMode StitchingMode

	// Loaded from DEV_MODE; no component changes its behaviour based on it.
	DevMode bool
}

// Load reads Config from the process environment, applying the same
// defaults documented for deployment.
func Load() (Config, error) {
	cfg := Config{
		Port:                 ParseInt("PORT", 8080),
		BaseURL:              ParseString("BASE_URL", "http://localhost:8080"),
		OriginURL:            ParseString("ORIGIN_URL", ""),
		AdProviderType:       AdProviderType(ParseString("AD_PROVIDER_TYPE", string(AdProviderAuto))),
		VASTEndpoint:         ParseString("VAST_ENDPOINT", ""),
		SlateURL:             ParseString("SLATE_URL", ""),
		SlateSegmentDuration: ParseDuration("SLATE_SEGMENT_DURATION", 6*time.Second),
		AdSourceURL:          ParseString("AD_SOURCE_URL", ""),
		AdSegmentDuration:    ParseDuration("AD_SEGMENT_DURATION", 6*time.Second),
		SessionStore:         SessionStoreKind(ParseString("SESSION_STORE", string(SessionStoreMemory))),
		SessionTTLSecs:       ParseInt("SESSION_TTL_SECS", 300),
		SessionRedisAddr:     ParseString("SESSION_REDIS_ADDR", "localhost:6379"),
		StitchingMode:        StitchingMode(ParseString("STITCHING_MODE", string(StitchingSSAI))),
		DevMode:              ParseBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve any stitching request.
func (c Config) Validate() error {
	if c.OriginURL == "" {
		return fmt.Errorf("config: ORIGIN_URL must be set")
	}
	switch c.AdProviderType {
	case AdProviderVAST, AdProviderStatic, AdProviderAuto:
	default:
		return fmt.Errorf("config: invalid AD_PROVIDER_TYPE %q", c.AdProviderType)
	}
	if c.AdProviderType == AdProviderVAST && c.VASTEndpoint == "" {
		return fmt.Errorf("config: VAST_ENDPOINT required for AD_PROVIDER_TYPE=%q", c.AdProviderType)
	}
	if c.AdProviderType == AdProviderStatic && c.AdSourceURL == "" {
		return fmt.Errorf("config: AD_SOURCE_URL required for AD_PROVIDER_TYPE=%q", c.AdProviderType)
	}
	if c.AdProviderType == AdProviderAuto && c.VASTEndpoint == "" && c.AdSourceURL == "" {
		return fmt.Errorf("config: VAST_ENDPOINT or AD_SOURCE_URL required for AD_PROVIDER_TYPE=%q", c.AdProviderType)
	}
	switch c.StitchingMode {
	case StitchingSSAI, StitchingSGAI:
	default:
		return fmt.Errorf("config: invalid STITCHING_MODE %q", c.StitchingMode)
	}
	switch c.SessionStore {
	case SessionStoreMemory, SessionStoreDistributed:
	default:
		return fmt.Errorf("config: invalid SESSION_STORE %q", c.SessionStore)
	}
	if c.SessionTTLSecs <= 0 {
		return fmt.Errorf("config: SESSION_TTL_SECS must be positive")
	}
	return nil
}

// SessionTTL returns the configured session TTL as a time.Duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}
