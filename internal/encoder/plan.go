// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package encoder turns a hardware probe result into an ordered list of
// encoder plans with concrete ffmpeg arguments.
package encoder

import (
	"strconv"
	"strings"
	"time"

	"github.com/jonnyreeves/lap-time-overlay/internal/hardware"
	"github.com/jonnyreeves/lap-time-overlay/internal/resilience"
)

// Settings are the operator's encoding preferences.
type Settings struct {
	Codec       string // h264 or hevc
	Preset      string
	CRF         int
	VaapiDevice string
}

// Transform names a post-processing step applied to the overlay filter graph.
type Transform string

const (
	TransformNone Transform = ""
	// TransformVAAPIUpload converts to nv12 and uploads frames to the GPU.
	TransformVAAPIUpload Transform = "vaapi-upload"
	TransformQSVFormat   Transform = "qsv-nv12"
)

// Plan is one encoder attempt.
type Plan struct {
	Backend    hardware.Backend
	IsHardware bool
	Codec      string
	Encoder    string
	InputArgs  []string
	OutputArgs []string
	Transform  Transform
}

// ApplyTransform rewrites graph so the plan's transform runs immediately
// before the final outLabel. The label itself is unchanged.
func (p Plan) ApplyTransform(graph, outLabel string) string {
	var step string
	switch p.Transform {
	case TransformVAAPIUpload:
		step = ",format=nv12,hwupload"
	case TransformQSVFormat:
		step = ",format=nv12"
	default:
		return graph
	}
	tag := "[" + outLabel + "]"
	i := strings.LastIndex(graph, tag)
	if i < 0 {
		return graph
	}
	return graph[:i] + step + graph[i:]
}

// Decision is the planner output. Fallback is nil when Primary is already the
// software plan.
type Decision struct {
	Primary              Plan
	Fallback             *Plan
	AttemptedHardware    bool
	Backend              hardware.Backend
	CircuitBreakerActive bool
	DisabledUntil        time.Time
}

// Attempts returns plans in execution order.
func (d Decision) Attempts() []Plan {
	if d.Fallback == nil {
		return []Plan{d.Primary}
	}
	return []Plan{d.Primary, *d.Fallback}
}

var softwareEncoders = map[string]string{
	"h264": "libx264",
	"hevc": "libx265",
}

// SoftwarePlan is always constructible. Unknown codecs fall back to h264.
func SoftwarePlan(s Settings) Plan {
	codec := s.Codec
	enc, ok := softwareEncoders[codec]
	if !ok {
		codec, enc = "h264", "libx264"
	}
	preset := s.Preset
	if preset == "" {
		preset = "veryfast"
	}
	return Plan{
		Backend:    hardware.BackendNone,
		Codec:      codec,
		Encoder:    enc,
		OutputArgs: []string{"-c:v", enc, "-preset", preset, "-crf", strconv.Itoa(s.CRF), "-pix_fmt", "yuv420p"},
	}
}

// Build decides between hardware and software encoding.
func Build(probe hardware.Result, preferHardware bool, s Settings, breaker resilience.Snapshot, now time.Time) Decision {
	sw := SoftwarePlan(s)
	d := Decision{
		Primary:              sw,
		Backend:              hardware.BackendNone,
		CircuitBreakerActive: breaker.ActiveAt(now),
	}
	if d.CircuitBreakerActive {
		d.DisabledUntil = breaker.DisabledUntil
	}

	if !preferHardware || !probe.Available || d.CircuitBreakerActive || !probe.CodecAvailable(sw.Codec) {
		return d
	}

	var hw Plan
	switch probe.Backend {
	case hardware.BackendVAAPI:
		if !probe.Devices.RenderReadable {
			return d
		}
		hw = vaapiPlan(sw.Codec, s)
	case hardware.BackendQSV:
		hw = qsvPlan(sw.Codec, s)
	default:
		return d
	}

	d.Primary = hw
	d.Fallback = &sw
	d.AttemptedHardware = true
	d.Backend = probe.Backend
	return d
}

func vaapiPlan(codec string, s Settings) Plan {
	enc := hardware.EncoderName(codec, hardware.BackendVAAPI)
	device := s.VaapiDevice
	if device == "" {
		device = "/dev/dri/renderD128"
	}
	return Plan{
		Backend:    hardware.BackendVAAPI,
		IsHardware: true,
		Codec:      codec,
		Encoder:    enc,
		InputArgs:  []string{"-vaapi_device", device},
		OutputArgs: []string{"-c:v", enc, "-global_quality", strconv.Itoa(s.CRF)},
		Transform:  TransformVAAPIUpload,
	}
}

func qsvPlan(codec string, s Settings) Plan {
	enc := hardware.EncoderName(codec, hardware.BackendQSV)
	return Plan{
		Backend:    hardware.BackendQSV,
		IsHardware: true,
		Codec:      codec,
		Encoder:    enc,
		InputArgs:  []string{"-init_hw_device", "qsv=hw", "-filter_hw_device", "hw"},
		OutputArgs: []string{"-c:v", enc, "-preset", qsvPreset(s.Preset), "-global_quality", strconv.Itoa(s.CRF)},
		Transform:  TransformQSVFormat,
	}
}

// qsvPreset maps x264 preset names onto the subset QSV accepts.
func qsvPreset(preset string) string {
	switch preset {
	case "ultrafast", "superfast", "veryfast", "":
		return "veryfast"
	case "faster", "fast", "medium", "slow", "slower", "veryslow":
		return preset
	default:
		return "medium"
	}
}
