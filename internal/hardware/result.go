// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hardware detects hardware video encoders and tracks whether they may
// be used.
//
// Detection is two-tier: ffmpeg listing output only nominates a backend; a
// backend counts as available only after a real synthetic encode through it
// exits 0 within the probe timeout. Every failure degrades to BackendNone.
package hardware

import "time"

// Backend names a hardware acceleration path.
type Backend string

const (
	BackendNone  Backend = "none"
	BackendQSV   Backend = "qsv"
	BackendVAAPI Backend = "vaapi"
)

// candidateOrder is the preference order when several backends prove out.
var candidateOrder = []Backend{BackendQSV, BackendVAAPI}

// Devices reports DRI device node readability.
type Devices struct {
	RenderReadable bool `json:"renderReadable"`
	CardReadable   bool `json:"cardReadable"`
	DRIAvailable   bool `json:"driAvailable"`
}

// Result is the outcome of one probe. Maps are never mutated after Probe returns.
type Result struct {
	Available bool             `json:"available"`
	Backend   Backend          `json:"backend"`
	Devices   Devices          `json:"devices"`
	Hwaccels  map[string]bool  `json:"hwaccels"`
	Encoders  map[string]bool  `json:"encoders"`
	Proven    map[Backend]bool `json:"proven"`
	Reasons   []string         `json:"reasons"`
	ProbedAt  time.Time        `json:"probedAt"`
}

// EncoderName returns the ffmpeg encoder for codec on backend, e.g. h264_vaapi.
func EncoderName(codec string, b Backend) string {
	return codec + "_" + string(b)
}

// CodecAvailable reports whether codec can be encoded on the proven backend.
func (r Result) CodecAvailable(codec string) bool {
	if !r.Available || r.Backend == BackendNone {
		return false
	}
	return r.Encoders[EncoderName(codec, r.Backend)]
}

func (r Result) nominates(b Backend) bool {
	if r.Hwaccels[string(b)] {
		return true
	}
	return r.Encoders[EncoderName("h264", b)] || r.Encoders[EncoderName("hevc", b)]
}
