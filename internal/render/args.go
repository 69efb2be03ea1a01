// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package render

import (
	"strconv"
	"strings"

	"github.com/jonnyreeves/lap-time-overlay/internal/encoder"
	"github.com/jonnyreeves/lap-time-overlay/internal/overlay"
)

// BurnArgs builds the full re-encode through the overlay graph with plan's
// encoder. chapters may be empty.
func BurnArgs(p encoder.Plan, input, chapters string, g overlay.Graph, output string) []string {
	args := append([]string{}, p.InputArgs...)
	args = append(args, "-i", input)
	if chapters != "" {
		args = append(args, "-i", chapters, "-map_metadata", "1", "-map_chapters", "1")
	}
	args = append(args,
		"-filter_complex", p.ApplyTransform(g.FilterGraph, g.OutputLabel),
		"-map", "["+g.OutputLabel+"]",
		"-map", "0:a?",
	)
	args = append(args, p.OutputArgs...)
	return append(args, "-c:a", "copy", "-movflags", "+faststart", "-y", output)
}

// ChapterMetadata renders chapters as an FFMETADATA1 file.
func ChapterMetadata(chapters []overlay.Chapter) []byte {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	for _, c := range chapters {
		b.WriteString("\n[CHAPTER]\nTIMEBASE=1/1000\n")
		b.WriteString("START=" + strconv.FormatInt(c.StartMs, 10) + "\n")
		b.WriteString("END=" + strconv.FormatInt(c.EndMs, 10) + "\n")
		b.WriteString("title=" + escapeMetadata(c.Title) + "\n")
	}
	return []byte(b.String())
}

var metadataEscaper = strings.NewReplacer(`\`, `\\`, "=", `\=`, ";", `\;`, "#", `\#`, "\n", `\`+"\n")

func escapeMetadata(s string) string { return metadataEscaper.Replace(s) }
