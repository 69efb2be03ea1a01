// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressBlocks(t *testing.T) {
	input := strings.Join([]string{
		"frame=10",
		"out_time_us=1000000",
		"total_size=2048",
		"speed=2.1x",
		"progress=continue",
		"garbage line",
		"frame=20",
		"out_time_us=2000000",
		"progress=end",
		"",
	}, "\n")

	var got []Progress
	ParseProgress(strings.NewReader(input), func(p Progress) { got = append(got, p) })

	require.Len(t, got, 2)
	assert.Equal(t, int64(1000000), got[0].OutTimeUs)
	assert.Equal(t, int64(2048), got[0].TotalSize)
	assert.Equal(t, "2.1x", got[0].Speed)
	assert.False(t, got[0].End)
	assert.Equal(t, int64(20), got[1].Frame)
	assert.True(t, got[1].End)
}

func TestProgressPercentClamped(t *testing.T) {
	tests := []struct {
		name     string
		outUs    int64
		expected time.Duration
		want     float64
	}{
		{"unknown duration", 1_000_000, 0, 0},
		{"halfway", 5_000_000, 10 * time.Second, 0.5},
		{"overshoot", 12_000_000, 10 * time.Second, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Progress{OutTimeUs: tt.outUs}.Percent(tt.expected), 1e-9)
		})
	}
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 0.25, Clamp01(0.25))
}

func TestLineRingKeepsLastLines(t *testing.T) {
	r := NewLineRing(3)
	_, _ = r.Write([]byte("one\ntwo\nthr"))
	_, _ = r.Write([]byte("ee\nfour\n"))
	_, _ = r.Write([]byte("partial"))

	assert.Equal(t, []string{"three", "four", "partial"}, r.LastN(3))
	assert.Equal(t, []string{"partial"}, r.LastN(1))
	assert.Equal(t, []string{"two", "three", "four", "partial"}, r.LastN(10))
}
