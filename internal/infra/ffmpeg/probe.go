// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MediaInfo is what the pipeline needs to know about a finished media file.
type MediaInfo struct {
	SizeBytes  int64
	DurationMs int64
	FPS        float64
	Width      int
	Height     int
	VideoCodec string
	HasAudio   bool
}

// Prober runs ffprobe.
type Prober struct {
	Bin     string
	Runner  CommandRunner
	Timeout time.Duration
}

// Probe executes ffprobe and returns media info.
func (p *Prober) Probe(ctx context.Context, path string) (MediaInfo, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	out, err := p.Runner.Run(ctx, timeout, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return ParseProbe(out)
}

// ParseProbe decodes ffprobe JSON output.
func ParseProbe(out []byte) (MediaInfo, error) {
	var data probeData
	if err := json.Unmarshal(out, &data); err != nil {
		return MediaInfo{}, fmt.Errorf("json decode: %w", err)
	}

	info := MediaInfo{}
	var videoDuration float64
	hasVideo := false
	for _, s := range data.Streams {
		switch s.CodecType {
		case "video":
			if hasVideo {
				continue
			}
			hasVideo = true
			info.VideoCodec = s.CodecName
			info.Width = s.Width
			info.Height = s.Height
			info.FPS = parseRate(s.AvgFrameRate)
			if info.FPS == 0 {
				info.FPS = parseRate(s.RFrameRate)
			}
			if d, err := strconv.ParseFloat(s.Duration, 64); err == nil {
				videoDuration = d
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !hasVideo {
		return MediaInfo{}, fmt.Errorf("ffprobe: no video stream")
	}

	// Format-level duration covers the whole container; fall back to the stream.
	duration := videoDuration
	if d, err := strconv.ParseFloat(data.Format.Duration, 64); err == nil && d > 0 {
		duration = d
	}
	info.DurationMs = int64(math.Round(duration * 1000))
	if sz, err := strconv.ParseInt(data.Format.Size, 10, 64); err == nil {
		info.SizeBytes = sz
	}
	return info, nil
}

func parseRate(rate string) float64 {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		v, _ := strconv.ParseFloat(rate, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

type probeData struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Duration     string `json:"duration,omitempty"`
		Width        int    `json:"width,omitempty"`
		Height       int    `json:"height,omitempty"`
		AvgFrameRate string `json:"avg_frame_rate,omitempty"`
		RFrameRate   string `json:"r_frame_rate,omitempty"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
}
