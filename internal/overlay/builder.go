// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package overlay builds the ffmpeg filter graph that draws the lap timer.
package overlay

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	InputLabel       = "0:v"
	PassThroughLabel = "vout"

	margin   = 24
	paddingX = 16
	paddingY = 12
)

// Dimensions are the source video's pixel size.
type Dimensions struct {
	Width  int
	Height int
}

// Graph is a complete -filter_complex value and its final output label.
type Graph struct {
	FilterGraph string
	OutputLabel string
}

// PassThrough is the identity graph.
func PassThrough() Graph {
	return Graph{
		FilterGraph: "[" + InputLabel + "]null[" + PassThroughLabel + "]",
		OutputLabel: PassThroughLabel,
	}
}

// Build produces the overlay graph for laps. Times in laps are relative to the
// first lap; startOffset places lap one in the video. Laps without a positive
// duration are skipped.
func Build(dim Dimensions, laps []Lap, startOffset float64, style Style) Graph {
	style = style.clamped()
	info := style.ShowLapCounter || style.ShowPosition
	timer := style.ShowCurrentLapTime
	valid := make([]Lap, 0, len(laps))
	total := len(laps)
	for _, l := range laps {
		if l.DurationSeconds > 0 {
			valid = append(valid, l)
		}
		total = max(total, l.Number)
	}
	if (!info && !timer) || len(valid) == 0 {
		return PassThrough()
	}

	spacing := lineSpacing(style)
	var lines []int
	if info {
		lines = append(lines, style.DetailTextSize)
	}
	if timer {
		lines = append(lines, style.TextSize)
	}
	boxW := int(math.Round(float64(dim.Width) * style.BoxWidthRatio))
	boxH := 2*paddingY + (len(lines)-1)*spacing
	for _, size := range lines {
		boxH += size
	}
	boxX, boxY := place(dim, boxW, boxH, style.Position)

	last := valid[len(valid)-1]
	ops := []string{fmt.Sprintf("drawbox=x=%d:y=%d:w=%d:h=%d:color=%s@%.2f:t=fill:enable=%s",
		boxX, boxY, boxW, boxH, ffColor(style.BoxColor), style.BoxOpacity,
		window(startOffset, startOffset+last.EndSeconds()))}

	textX := boxX + paddingX
	for i, lap := range valid {
		lapStart := startOffset + lap.StartSeconds
		enable := window(lapStart, lapStart+lap.DurationSeconds)
		y := boxY + paddingY
		if info {
			ops = append(ops, fmt.Sprintf("drawtext=text=%s:fontcolor=%s:fontsize=%d:x=%d:y=%d:enable=%s",
				Escape(infoText(valid, i, total, style)), ffColor(style.TextColor), style.DetailTextSize, textX, y, enable))
			y += style.DetailTextSize + spacing
		}
		if timer {
			ops = append(ops, fmt.Sprintf("drawtext=text=%s:fontcolor=%s:fontsize=%d:x=%d:y=%d:enable=%s",
				lapTimeExpr(lapStart), ffColor(style.TextColor), style.TextSize, textX, y, enable))
		}
	}
	return chain(ops)
}

// chain links ops through sequential labels ov1, ov2, ...
func chain(ops []string) Graph {
	var b strings.Builder
	in := InputLabel
	out := ""
	for i, op := range ops {
		out = "ov" + strconv.Itoa(i+1)
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString("[" + in + "]" + op + "[" + out + "]")
		in = out
	}
	return Graph{FilterGraph: b.String(), OutputLabel: out}
}

func lineSpacing(s Style) int {
	if sp := s.TextSize / 4; sp > 4 {
		return sp
	}
	return 4
}

// place anchors the box to a corner. The far edge is used only when the box
// fits with a margin on both sides.
func place(dim Dimensions, w, h int, pos Position) (int, int) {
	x, y := margin, margin
	if pos == TopRight || pos == BottomRight {
		if rx := dim.Width - w - margin; rx >= margin {
			x = rx
		}
	}
	if pos == BottomLeft || pos == BottomRight {
		if by := dim.Height - h - margin; by >= margin {
			y = by
		}
	}
	return x, y
}

// window is an enable expression true on [from, to).
func window(from, to float64) string {
	return fmt.Sprintf(`gte(t\,%.3f)*lt(t\,%.3f)`, from, to)
}

// lapTimeExpr renders M:SS.mmm counting up from lapStart, evaluated per frame.
func lapTimeExpr(lapStart float64) string {
	s := fmt.Sprintf("%.3f", lapStart)
	return `%{eif\:floor((t-` + s + `)/60)\:d}\:` +
		`%{eif\:mod(floor(t-` + s + `)\,60)\:d\:2}.` +
		`%{eif\:mod(floor((t-` + s + `)*1000)\,1000)\:d\:3}`
}

// infoText counts skipped laps in the total so numbering never exceeds it.
func infoText(laps []Lap, i, total int, s Style) string {
	lap := laps[i]
	var parts []string
	if s.ShowLapCounter {
		parts = append(parts, fmt.Sprintf("Lap %d/%d", lap.Number, total))
	}
	if s.ShowPosition && lap.Position > 0 {
		parts = append(parts, "P"+strconv.Itoa(lap.Position))
	}
	if s.ShowLapDeltas {
		if d, ok := previousLapDelta(laps, i); ok {
			parts = append(parts, fmt.Sprintf("%+.3f", d))
		}
	}
	return strings.Join(parts, "  ")
}

// previousLapDelta compares the lap before i with the best lap before that.
func previousLapDelta(laps []Lap, i int) (float64, bool) {
	if i < 2 {
		return 0, false
	}
	best := laps[0].DurationSeconds
	for _, l := range laps[1 : i-1] {
		best = math.Min(best, l.DurationSeconds)
	}
	return laps[i-1].DurationSeconds - best, true
}

// Escape protects literal text from the filter graph's option syntax.
func Escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `,`, `\,`)
	return r.Replace(s)
}

func ffColor(c string) string {
	if strings.HasPrefix(c, "#") {
		return "0x" + c[1:]
	}
	return c
}
