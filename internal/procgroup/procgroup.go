// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup spawns ffmpeg in its own process group so cancellation
// reaps the whole tree.
package procgroup

import (
	"errors"
	"os/exec"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/log"
)

var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group.
// Mandatory for Terminate to function as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops the process group led by cmd: SIGTERM, wait up to grace for
// exited to close, then SIGKILL and wait up to timeout.
// exited must be closed by whoever owns cmd.Wait.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace, timeout time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	log.L().Debug().Int("pid", pid).Msg("sending SIGTERM to process group")
	signalTerm(pid)

	select {
	case <-exited:
		return nil
	case <-time.After(grace):
	}

	log.L().Warn().Int("pid", pid).Msg("SIGTERM grace period exceeded, sending SIGKILL to process group")
	signalKill(pid)
	select {
	case <-exited:
		return nil
	case <-time.After(timeout):
		return ErrKillFailed
	}
}

// Kill sends SIGKILL to the process group led by cmd without waiting.
func Kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	signalKill(cmd.Process.Pid)
}
