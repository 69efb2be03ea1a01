// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/procgroup"
	"github.com/rs/zerolog"
)

// EventType distinguishes progress from terminal events.
type EventType int

const (
	EventProgress EventType = iota
	EventDone
	EventFailed
)

// Event is delivered on Process.Events. Exactly one terminal event (Done or
// Failed) is delivered, after which the channel is closed.
type Event struct {
	Type     EventType
	Progress Progress
	Percent  float64
	Err      error
}

const eventBuffer = 16

var errKilled = errors.New("killed")

// Executor starts long-running ffmpeg jobs with progress reporting.
type Executor struct {
	Bin       string
	KillGrace time.Duration
	Logger    zerolog.Logger
}

// Process is a running ffmpeg job.
type Process struct {
	cmd      *exec.Cmd
	events   chan Event
	exited   chan struct{}
	done     chan struct{}
	kill     chan struct{}
	killOnce sync.Once
	tail     *LineRing
	grace    time.Duration
	err      error
}

// Start launches ffmpeg with `-nostdin -progress pipe:1` prepended to args.
// expected is the output duration used to derive percentages; zero disables them.
// Cancelling ctx terminates the whole process group.
func (e *Executor) Start(ctx context.Context, args []string, expected time.Duration) (*Process, error) {
	full := append([]string{"-hide_banner", "-nostdin", "-progress", "pipe:1"}, args...)
	// #nosec G204 -- binary comes from operator config; args are built internally
	cmd := exec.Command(e.Bin, full...)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ExitError{Kind: ExitStart, Err: err}
	}
	tail := NewLineRing(40)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, &ExitError{Kind: ExitStart, Err: err}
	}
	e.Logger.Debug().Int("pid", cmd.Process.Pid).Strs("args", full).Msg("ffmpeg started")

	grace := e.KillGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	p := &Process{
		cmd:    cmd,
		events: make(chan Event, eventBuffer),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
		kill:   make(chan struct{}),
		tail:   tail,
		grace:  grace,
	}

	parsed := make(chan struct{})
	go func() {
		defer close(parsed)
		ParseProgress(stdout, func(pr Progress) {
			p.emitProgress(Event{Type: EventProgress, Progress: pr, Percent: pr.Percent(expected)})
		})
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-parsed
		err := cmd.Wait()
		close(p.exited)
		waitErr <- err
	}()

	go p.supervise(ctx, waitErr)
	return p, nil
}

func (p *Process) supervise(ctx context.Context, waitErr <-chan error) {
	var final error
	select {
	case err := <-waitErr:
		if err != nil {
			code := -1
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			}
			final = &ExitError{Kind: ExitCode, Code: code, Err: err, Tail: p.tail.LastN(5)}
		}
	case <-ctx.Done():
		p.terminate()
		<-waitErr
		final = &ExitError{Kind: ExitCanceled, Err: ctx.Err(), Tail: p.tail.LastN(5)}
	case <-p.kill:
		p.terminate()
		<-waitErr
		final = &ExitError{Kind: ExitCanceled, Err: errKilled, Tail: p.tail.LastN(5)}
	}

	p.err = final
	terminal := Event{Type: EventDone, Percent: 1}
	if final != nil {
		terminal = Event{Type: EventFailed, Err: final}
	}
	// Make room so the terminal event never blocks on a full buffer.
	if len(p.events) == cap(p.events) {
		select {
		case <-p.events:
		default:
		}
	}
	p.events <- terminal
	close(p.events)
	close(p.done)
}

func (p *Process) terminate() {
	_ = procgroup.Terminate(p.cmd, p.exited, p.grace, 5*time.Second)
}

// emitProgress never blocks; progress is dropped when the consumer lags.
func (p *Process) emitProgress(ev Event) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.events <- ev:
	default:
	}
}

// Events returns the event stream.
func (p *Process) Events() <-chan Event { return p.events }

// Kill terminates the process group. Safe to call multiple times.
func (p *Process) Kill() {
	p.killOnce.Do(func() { close(p.kill) })
}

// Wait blocks until the process has exited and returns its final error.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Run starts ffmpeg, forwards progress percentages to onProgress and waits
// for completion.
func (e *Executor) Run(ctx context.Context, args []string, expected time.Duration, onProgress func(float64)) error {
	p, err := e.Start(ctx, args, expected)
	if err != nil {
		return err
	}
	for ev := range p.Events() {
		if ev.Type == EventProgress && onProgress != nil {
			onProgress(ev.Percent)
		}
	}
	return p.Wait()
}
