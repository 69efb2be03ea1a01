// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID   = "request_id"
	FieldRecordingID = "recording_id"
	FieldSourceID    = "source_id"
	FieldSessionID   = "session_id"
	FieldUserID      = "user_id"
	FieldLapID       = "lap_id"
	FieldTraceID     = "trace_id"

	FieldEvent     = "event"
	FieldComponent = "component"

	// Media fields
	FieldBackend  = "backend"
	FieldEncoder  = "encoder"
	FieldCodec    = "codec"
	FieldDevice   = "device"
	FieldDuration = "duration_ms"
	FieldBytes    = "bytes"

	FieldOldState = "old_state"
	FieldNewState = "new_state"

	FieldPath = "path"
)
