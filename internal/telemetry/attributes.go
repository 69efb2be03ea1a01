// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on pipeline spans.
const (
	RecordingIDKey = "recording.id"
	SessionIDKey   = "recording.session_id"
	SourceIDKey    = "recording.source_id"
	BackendKey     = "encoder.backend"
	EncoderKey     = "encoder.name"
	HardwareKey    = "encoder.hardware"
	RenderKindKey  = "render.kind"
)

// RecordingAttributes returns the identity attributes of a recording span.
func RecordingAttributes(sessionID, recordingID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if recordingID != "" {
		attrs = append(attrs, attribute.String(RecordingIDKey, recordingID))
	}
	return attrs
}

// EncoderAttributes describes one encode attempt.
func EncoderAttributes(backend, encoder string, hardware bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(BackendKey, backend),
		attribute.String(EncoderKey, encoder),
		attribute.Bool(HardwareKey, hardware),
	}
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
