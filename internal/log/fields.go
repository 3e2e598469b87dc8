// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldBookingID     = "booking_id"
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldUserID        = "user_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldMethod    = "method"
	FieldAttempt   = "attempt"
	FieldReason    = "reason"

	// Media fields
	FieldResolution = "resolution"
	FieldFPS        = "fps"
	FieldBitrate    = "bitrate"
	FieldDevice     = "device"
	FieldDuration   = "duration_secs"
	FieldSkewMS     = "skew_ms"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldMarker   = "marker"
	FieldStatus   = "status"

	// Path / storage fields
	FieldPath       = "path"
	FieldDir        = "dir"
	FieldBucket     = "bucket"
	FieldKey        = "key"
	FieldBytes      = "bytes"
	FieldStorageURL = "storage_url"
)
