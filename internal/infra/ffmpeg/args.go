// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ffmpeg

import (
	"strconv"
	"strings"
)

// ConcatArgs builds a stream-copy concatenation of the files listed in manifest.
func ConcatArgs(manifest, output string) []string {
	return []string{
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-map", "0",
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", output,
	}
}

// ConcatManifest renders an ffconcat manifest for the given absolute paths.
func ConcatManifest(paths []string) []byte {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return []byte(b.String())
}

// FrameArgs extracts a single filtered frame at ts seconds into output.
// Timestamps are kept so time-based enable expressions see media time.
func FrameArgs(input string, ts float64, filterGraph, outLabel, output string) []string {
	return []string{
		"-ss", FormatSeconds(ts),
		"-copyts",
		"-i", input,
		"-filter_complex", filterGraph,
		"-map", "[" + outLabel + "]",
		"-frames:v", "1",
		"-y", output,
	}
}

// FormatSeconds formats seconds with millisecond precision.
func FormatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
