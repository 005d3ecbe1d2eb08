// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldBreakID       = "break_id"
	FieldAdName        = "ad_name"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Manifest fields
	FieldStitchingMode = "stitching_mode"
	FieldOriginURL     = "origin_url"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
)
