// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package overlay

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Position is the corner the overlay box is anchored to.
type Position string

const (
	TopLeft     Position = "top-left"
	TopRight    Position = "top-right"
	BottomLeft  Position = "bottom-left"
	BottomRight Position = "bottom-right"
)

const (
	MinBoxWidthRatio = 0.15
	MaxBoxWidthRatio = 0.9
	MinTextSize      = 12
	MaxTextSize      = 192
)

// ErrInvalidStyle is wrapped by every Merge validation failure.
var ErrInvalidStyle = errors.New("invalid overlay style")

// Style is a fully populated overlay style.
type Style struct {
	TextColor          string   `json:"textColor"`
	BoxColor           string   `json:"boxColor"`
	BoxOpacity         float64  `json:"boxOpacity"`
	BoxWidthRatio      float64  `json:"boxWidthRatio"`
	Position           Position `json:"overlayPosition"`
	TextSize           int      `json:"textSize"`
	DetailTextSize     int      `json:"detailTextSize"`
	ShowLapCounter     bool     `json:"showLapCounter"`
	ShowPosition       bool     `json:"showPosition"`
	ShowCurrentLapTime bool     `json:"showCurrentLapTime"`
	ShowLapDeltas      bool     `json:"showLapDeltas"`
}

// DefaultStyle returns the built-in style.
func DefaultStyle() Style {
	return Style{
		TextColor:          "white",
		BoxColor:           "black",
		BoxOpacity:         0.6,
		BoxWidthRatio:      0.32,
		Position:           BottomLeft,
		TextSize:           48,
		DetailTextSize:     28,
		ShowLapCounter:     true,
		ShowPosition:       true,
		ShowCurrentLapTime: true,
	}
}

// Overrides carries optional per-request changes to a Style.
type Overrides struct {
	TextColor          *string   `json:"textColor,omitempty"`
	BoxColor           *string   `json:"boxColor,omitempty"`
	BoxOpacity         *float64  `json:"boxOpacity,omitempty"`
	BoxWidthRatio      *float64  `json:"boxWidthRatio,omitempty"`
	Position           *Position `json:"overlayPosition,omitempty"`
	TextSize           *int      `json:"textSize,omitempty"`
	DetailTextSize     *int      `json:"detailTextSize,omitempty"`
	ShowLapCounter     *bool     `json:"showLapCounter,omitempty"`
	ShowPosition       *bool     `json:"showPosition,omitempty"`
	ShowCurrentLapTime *bool     `json:"showCurrentLapTime,omitempty"`
	ShowLapDeltas      *bool     `json:"showLapDeltas,omitempty"`
}

var (
	hexColor    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	namedColors = map[string]bool{
		"white": true, "black": true, "red": true, "green": true, "blue": true,
		"yellow": true, "orange": true, "cyan": true, "magenta": true,
		"gray": true, "grey": true, "silver": true, "gold": true, "purple": true,
	}
)

// Merge applies o on top of base. Colors and position are validated;
// numeric fields are clamped into their allowed ranges.
func Merge(base Style, o Overrides) (Style, error) {
	s := base
	if o.TextColor != nil {
		c, err := normalizeColor(*o.TextColor)
		if err != nil {
			return Style{}, fmt.Errorf("textColor: %w", err)
		}
		s.TextColor = c
	}
	if o.BoxColor != nil {
		c, err := normalizeColor(*o.BoxColor)
		if err != nil {
			return Style{}, fmt.Errorf("boxColor: %w", err)
		}
		s.BoxColor = c
	}
	if o.Position != nil {
		switch *o.Position {
		case TopLeft, TopRight, BottomLeft, BottomRight:
			s.Position = *o.Position
		default:
			return Style{}, fmt.Errorf("%w: overlayPosition %q", ErrInvalidStyle, *o.Position)
		}
	}
	if o.BoxOpacity != nil {
		s.BoxOpacity = *o.BoxOpacity
	}
	if o.BoxWidthRatio != nil {
		s.BoxWidthRatio = *o.BoxWidthRatio
	}
	if o.TextSize != nil {
		s.TextSize = *o.TextSize
	}
	if o.DetailTextSize != nil {
		s.DetailTextSize = *o.DetailTextSize
	}
	if o.ShowLapCounter != nil {
		s.ShowLapCounter = *o.ShowLapCounter
	}
	if o.ShowPosition != nil {
		s.ShowPosition = *o.ShowPosition
	}
	if o.ShowCurrentLapTime != nil {
		s.ShowCurrentLapTime = *o.ShowCurrentLapTime
	}
	if o.ShowLapDeltas != nil {
		s.ShowLapDeltas = *o.ShowLapDeltas
	}
	return s.clamped(), nil
}

func (s Style) clamped() Style {
	s.BoxOpacity = clampFloat(s.BoxOpacity, 0, 1)
	s.BoxWidthRatio = clampFloat(s.BoxWidthRatio, MinBoxWidthRatio, MaxBoxWidthRatio)
	s.TextSize = clampInt(s.TextSize, MinTextSize, MaxTextSize)
	s.DetailTextSize = clampInt(s.DetailTextSize, MinTextSize, MaxTextSize)
	return s
}

func normalizeColor(c string) (string, error) {
	c = strings.TrimSpace(c)
	if hexColor.MatchString(c) {
		return strings.ToLower(c), nil
	}
	if namedColors[strings.ToLower(c)] {
		return strings.ToLower(c), nil
	}
	return "", fmt.Errorf("%w: color %q", ErrInvalidStyle, c)
}

// Key returns a short stable digest of the style, used to address cached previews.
func (s Style) Key() string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%.3f|%.3f|%s|%d|%d|%t|%t|%t|%t",
		s.TextColor, s.BoxColor, s.BoxOpacity, s.BoxWidthRatio, s.Position,
		s.TextSize, s.DetailTextSize,
		s.ShowLapCounter, s.ShowPosition, s.ShowCurrentLapTime, s.ShowLapDeltas)))
	return hex.EncodeToString(sum[:6])
}

func clampFloat(v, lo, hi float64) float64 {
	if v != v || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
