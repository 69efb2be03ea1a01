// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExitKind classifies how a subprocess failed.
type ExitKind string

const (
	ExitStart    ExitKind = "start"
	ExitCode     ExitKind = "exit"
	ExitTimeout  ExitKind = "timeout"
	ExitCanceled ExitKind = "canceled"
)

// ExitError describes a failed ffmpeg/ffprobe invocation.
type ExitError struct {
	Kind    ExitKind
	Code    int
	Timeout time.Duration
	Tail    []string
	Err     error
}

func (e *ExitError) Error() string {
	var msg string
	switch e.Kind {
	case ExitStart:
		msg = fmt.Sprintf("failed to start: %v", e.Err)
	case ExitTimeout:
		msg = fmt.Sprintf("timed out after %s", e.Timeout)
	case ExitCanceled:
		msg = "canceled"
	default:
		msg = fmt.Sprintf("exited with code %d", e.Code)
	}
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// IsCanceled reports whether err stems from caller cancellation rather than ffmpeg itself.
func IsCanceled(err error) bool {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Kind == ExitCanceled
	}
	return false
}
