// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hardware

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/infra/ffmpeg"
	xglog "github.com/jonnyreeves/lap-time-overlay/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Prober runs the device, listing and proof-encode checks.
type Prober struct {
	FFmpegBin    string
	RenderDevice string
	CardDevice   string
	Timeout      time.Duration
	Runner       ffmpeg.CommandRunner
	Logger       zerolog.Logger

	// Readable reports whether path can be opened for reading. Defaults to os.Open.
	Readable func(path string) bool
	Now      func() time.Time
}

// NewProber returns a Prober using the real ffmpeg binary.
func NewProber(bin, renderDevice, cardDevice string, timeout time.Duration) *Prober {
	return &Prober{
		FFmpegBin:    bin,
		RenderDevice: renderDevice,
		CardDevice:   cardDevice,
		Timeout:      timeout,
		Runner:       ffmpeg.ExecRunner{},
		Logger:       xglog.WithComponent("hardware"),
	}
}

// Probe never fails; problems are recorded in Result.Reasons and the backend
// degrades to none.
func (p *Prober) Probe(ctx context.Context) Result {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	res := Result{
		Backend:  BackendNone,
		Hwaccels: map[string]bool{},
		Encoders: map[string]bool{},
		Proven:   map[Backend]bool{},
		ProbedAt: now(),
	}

	res.Devices.RenderReadable = p.readable(p.RenderDevice)
	res.Devices.CardReadable = p.readable(p.CardDevice)
	res.Devices.DRIAvailable = res.Devices.RenderReadable || res.Devices.CardReadable
	if !res.Devices.RenderReadable {
		res.Reasons = append(res.Reasons, fmt.Sprintf("render device %s not readable", p.RenderDevice))
	}
	if !res.Devices.CardReadable {
		res.Reasons = append(res.Reasons, fmt.Sprintf("card device %s not readable", p.CardDevice))
	}

	if out, err := p.run(ctx, "-hide_banner", "-hwaccels"); err != nil {
		res.Reasons = append(res.Reasons, fmt.Sprintf("ffmpeg -hwaccels: %v", err))
	} else {
		res.Hwaccels = parseHwaccels(out)
	}
	if out, err := p.run(ctx, "-hide_banner", "-encoders"); err != nil {
		res.Reasons = append(res.Reasons, fmt.Sprintf("ffmpeg -encoders: %v", err))
	} else {
		res.Encoders = parseEncoders(out)
	}

	var candidates []Backend
	for _, b := range candidateOrder {
		switch {
		case !res.nominates(b):
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s: not listed by ffmpeg", b))
		case b == BackendVAAPI && !res.Devices.DRIAvailable:
			res.Reasons = append(res.Reasons, "vaapi: no readable DRI device")
		default:
			candidates = append(candidates, b)
		}
	}

	proofErrs := make([]error, len(candidates))
	var g errgroup.Group
	for i, b := range candidates {
		i, b := i, b
		g.Go(func() error {
			proofErrs[i] = p.prove(ctx, b, res.Encoders)
			return nil
		})
	}
	_ = g.Wait()

	for i, b := range candidates {
		if err := proofErrs[i]; err != nil {
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s proof encode: %v", b, err))
			continue
		}
		res.Proven[b] = true
		if res.Backend == BackendNone {
			res.Backend = b
		}
	}
	res.Available = res.Backend != BackendNone

	p.Logger.Info().
		Str(xglog.FieldEvent, "hardware.probed").
		Str(xglog.FieldBackend, string(res.Backend)).
		Bool("available", res.Available).
		Strs("reasons", res.Reasons).
		Msg("hardware probe complete")
	return res
}

func (p *Prober) prove(ctx context.Context, b Backend, encoders map[string]bool) error {
	codec := "h264"
	if !encoders[EncoderName(codec, b)] && encoders[EncoderName("hevc", b)] {
		codec = "hevc"
	}
	_, err := p.run(ctx, proofArgs(b, EncoderName(codec, b), p.RenderDevice)...)
	return err
}

// proofArgs encodes one second of a 320x240 test pattern and discards it.
func proofArgs(b Backend, encoder, renderDevice string) []string {
	args := []string{"-hide_banner", "-nostdin", "-v", "error"}
	switch b {
	case BackendVAAPI:
		args = append(args, "-vaapi_device", renderDevice)
	case BackendQSV:
		args = append(args, "-init_hw_device", "qsv=hw", "-filter_hw_device", "hw")
	}
	args = append(args, "-f", "lavfi", "-i", "testsrc2=size=320x240:rate=25", "-t", "1")
	switch b {
	case BackendVAAPI:
		args = append(args, "-vf", "format=nv12,hwupload")
	case BackendQSV:
		args = append(args, "-vf", "format=nv12")
	}
	return append(args, "-c:v", encoder, "-f", "null", "-")
}

func (p *Prober) run(ctx context.Context, args ...string) ([]byte, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return p.Runner.Run(ctx, timeout, p.FFmpegBin, args...)
}

func (p *Prober) readable(path string) bool {
	if path == "" {
		return false
	}
	if p.Readable != nil {
		return p.Readable(path)
	}
	// #nosec G304 -- device paths come from operator config
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
