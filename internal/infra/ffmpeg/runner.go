// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/procgroup"
)

// CommandRunner executes short-lived commands and returns their stdout.
// Failures are reported as *ExitError.
type CommandRunner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// #nosec G204 -- binary comes from operator config; args are built internally
	cmd := exec.CommandContext(runCtx, name, args...)
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		procgroup.Kill(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	var stdout bytes.Buffer
	tail := NewLineRing(20)
	cmd.Stdout = &stdout
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Kind: ExitStart, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return stdout.Bytes(), nil
	}
	return stdout.Bytes(), classifyWaitErr(ctx, runCtx, err, timeout, tail.LastN(5))
}

func classifyWaitErr(parent, runCtx context.Context, err error, timeout time.Duration, tail []string) error {
	switch {
	case parent.Err() != nil:
		return &ExitError{Kind: ExitCanceled, Err: parent.Err(), Tail: tail}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &ExitError{Kind: ExitTimeout, Timeout: timeout, Err: err, Tail: tail}
	}
	code := -1
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code = ee.ExitCode()
	}
	return &ExitError{Kind: ExitCode, Code: code, Err: err, Tail: tail}
}
