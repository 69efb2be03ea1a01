// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package overlay

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// LapRecord is a lap as stored by the session logbook.
type LapRecord struct {
	ID              string
	Number          int
	DurationSeconds float64
}

// LapEvent is a raw timing signal recorded during a lap.
type LapEvent struct {
	LapID         string
	OffsetSeconds float64
	EventType     string
	Value         string
}

// EventPosition is the event type carrying the driver's race position.
const EventPosition = "position"

// PositionChange is a position observed at an absolute session time.
type PositionChange struct {
	AtSeconds float64
	Position  int
}

// Lap is a lap with derived timing.
type Lap struct {
	ID              string
	Number          int
	DurationSeconds float64
	StartSeconds    float64 // cumulative from the first lap
	Position        int     // 0 when unknown
	PositionChanges []PositionChange
}

// EndSeconds is the exclusive end of the lap.
func (l Lap) EndSeconds() float64 { return l.StartSeconds + l.DurationSeconds }

// DeriveLaps orders laps by number, accumulates start times and derives
// positions from position events. A lap without its own position event keeps
// the previous lap's position.
func DeriveLaps(records []LapRecord, events []LapEvent) []Lap {
	sorted := append([]LapRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	byLap := make(map[string][]LapEvent)
	for _, ev := range events {
		if !strings.EqualFold(ev.EventType, EventPosition) {
			continue
		}
		byLap[ev.LapID] = append(byLap[ev.LapID], ev)
	}

	laps := make([]Lap, 0, len(sorted))
	start := 0.0
	carried := 0
	for _, r := range sorted {
		lap := Lap{
			ID:              r.ID,
			Number:          r.Number,
			DurationSeconds: r.DurationSeconds,
			StartSeconds:    start,
			Position:        carried,
		}
		evs := byLap[r.ID]
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].OffsetSeconds < evs[j].OffsetSeconds })
		for _, ev := range evs {
			pos, err := strconv.Atoi(strings.TrimSpace(ev.Value))
			if err != nil || pos <= 0 {
				continue
			}
			lap.PositionChanges = append(lap.PositionChanges, PositionChange{AtSeconds: start + ev.OffsetSeconds, Position: pos})
			lap.Position = pos
		}
		carried = lap.Position
		if r.DurationSeconds > 0 {
			start += r.DurationSeconds
		}
		laps = append(laps, lap)
	}
	return laps
}

// FindLap returns the lap with id.
func FindLap(laps []Lap, id string) (Lap, bool) {
	for _, l := range laps {
		if l.ID == id {
			return l, true
		}
	}
	return Lap{}, false
}

// Chapter is a chapter marker in milliseconds of output time.
type Chapter struct {
	Title   string
	StartMs int64
	EndMs   int64
}

// ChapterMarks returns one chapter per lap, shifted by startOffset seconds.
func ChapterMarks(laps []Lap, startOffset float64) []Chapter {
	out := make([]Chapter, 0, len(laps))
	for _, l := range laps {
		if l.DurationSeconds <= 0 {
			continue
		}
		out = append(out, Chapter{
			Title:   "Lap " + strconv.Itoa(l.Number),
			StartMs: int64(math.Round((startOffset + l.StartSeconds) * 1000)),
			EndMs:   int64(math.Round((startOffset + l.EndSeconds()) * 1000)),
		})
	}
	return out
}
