// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the pipeline spans. HTTP spans get their
// attributes from otelhttp and are not listed here.
const (
	BookingIDKey     = "booking.id"
	BookingUserIDKey = "booking.user_id"
	BookingStatusKey = "booking.status"

	CaptureSessionIDKey = "capture.session_id"
	CaptureDeviceKey    = "capture.device"
	CaptureSkewMSKey    = "capture.skew_ms"

	MergeMethodKey   = "merge.method"
	MergeFallbackKey = "merge.fallback_reason"
	MergeAttemptKey  = "merge.attempt"

	UploadURLKey   = "upload.url"
	UploadBytesKey = "upload.bytes"
)

// BookingAttributes tags a span with booking identity. Empty fields are
// omitted so spans never carry blank attributes.
func BookingAttributes(id, userID string, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if id != "" {
		attrs = append(attrs, attribute.String(BookingIDKey, id))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(BookingUserIDKey, userID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(BookingStatusKey, status))
	}
	return attrs
}

// CaptureAttributes tags a capture-session span.
func CaptureAttributes(sessionID, device string, skewMS int64) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(CaptureSessionIDKey, sessionID))
	}
	if device != "" {
		attrs = append(attrs, attribute.String(CaptureDeviceKey, device))
	}
	attrs = append(attrs, attribute.Int64(CaptureSkewMSKey, skewMS))
	return attrs
}

// MergeAttributes tags a merge span with the method that produced the
// output and, when the method was not the configured one, the reason.
func MergeAttributes(method, fallbackReason string, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(MergeMethodKey, method),
		attribute.Int(MergeAttemptKey, attempt),
	}
	if fallbackReason != "" {
		attrs = append(attrs, attribute.String(MergeFallbackKey, fallbackReason))
	}
	return attrs
}

// UploadAttributes tags a span with the shipped object.
func UploadAttributes(url string, bytes int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UploadURLKey, url),
		attribute.Int64(UploadBytesKey, bytes),
	}
}
