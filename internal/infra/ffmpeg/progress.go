// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Progress is one block of `-progress` output.
type Progress struct {
	Frame     int64
	OutTimeUs int64
	TotalSize int64
	Speed     string
	End       bool
}

// Percent returns how far OutTimeUs is through expected, clamped to [0,1].
// An unknown expected duration yields 0.
func (p Progress) Percent(expected time.Duration) float64 {
	if expected <= 0 {
		return 0
	}
	return Clamp01(float64(p.OutTimeUs) / float64(expected.Microseconds()))
}

// Clamp01 clamps v to [0,1]; NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ParseProgress reads key=value lines from r and calls emit once per block.
// A block ends with progress=continue or progress=end.
func ParseProgress(r io.Reader, emit func(Progress)) {
	scanner := bufio.NewScanner(r)
	var current Progress

	for scanner.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "frame":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.Frame = v
			}
		case "out_time_us", "out_time_ms":
			// ffmpeg reports microseconds under both keys.
			if v, err := strconv.ParseInt(val, 10, 64); err == nil && v >= 0 {
				current.OutTimeUs = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.TotalSize = v
			}
		case "speed":
			current.Speed = val
		case "progress":
			current.End = val == "end"
			emit(current)
		}
	}
}
