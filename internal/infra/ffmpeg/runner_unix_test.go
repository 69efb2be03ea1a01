// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build unix

package ffmpeg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecRunnerClassifiesFailures(t *testing.T) {
	requireShell(t)
	r := ExecRunner{}
	ctx := context.Background()

	out, err := r.Run(ctx, time.Second, "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = r.Run(ctx, time.Second, "sh", "-c", "echo bad >&2; exit 3")
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitCode, ee.Kind)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, []string{"bad"}, ee.Tail)

	_, err = r.Run(ctx, 100*time.Millisecond, "sh", "-c", "sleep 5")
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitTimeout, ee.Kind)

	_, err = r.Run(ctx, time.Second, filepath.Join(t.TempDir(), "missing-binary"))
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitStart, ee.Kind)
}

func TestExecutorDeliversProgressThenDone(t *testing.T) {
	requireShell(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bin := writeScript(t, `
echo out_time_us=1000000
echo progress=continue
echo out_time_us=2000000
echo progress=end
exit 0
`)
	e := &Executor{Bin: bin, Logger: zerolog.Nop()}
	var seen []float64
	err := e.Run(context.Background(), []string{"-i", "x"}, 4*time.Second, func(p float64) { seen = append(seen, p) })
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.5}, seen)
}

func TestExecutorReportsExitCode(t *testing.T) {
	requireShell(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bin := writeScript(t, "echo 'Conversion failed!' >&2\nexit 1\n")
	e := &Executor{Bin: bin, Logger: zerolog.Nop()}
	p, err := e.Start(context.Background(), nil, 0)
	require.NoError(t, err)

	var last Event
	for ev := range p.Events() {
		last = ev
	}
	assert.Equal(t, EventFailed, last.Type)
	var ee *ExitError
	require.True(t, errors.As(p.Wait(), &ee))
	assert.Equal(t, 1, ee.Code)
	assert.Contains(t, ee.Error(), "Conversion failed!")
}

func TestExecutorCancelKillsProcess(t *testing.T) {
	requireShell(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bin := writeScript(t, "sleep 30\n")
	e := &Executor{Bin: bin, KillGrace: 200 * time.Millisecond, Logger: zerolog.Nop()}
	ctx, cancel := context.WithCancel(context.Background())
	p, err := e.Start(ctx, nil, 0)
	require.NoError(t, err)

	cancel()
	err = p.Wait()
	assert.True(t, IsCanceled(err))
}
