package estimate

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

// Sample is the schedule deviation of a vehicle on its current leg. A positive
// Deviation means the vehicle is ahead of schedule (early), negative means late.
type Sample struct {
	Deviation  time.Duration
	Progress   float64
	LegStart   int
	LegEnd     int
	LegStartID string
	LegEndID   string
}

// Millis returns the deviation in milliseconds.
func (s Sample) Millis() int64 { return s.Deviation.Milliseconds() }

// Deviation computes how far ahead of or behind schedule a vehicle at pos is,
// given that it has departed point `departed` (-1 before leaving the origin).
//
// The current leg runs from the last scheduled stop at or before the cursor (A)
// to the first scheduled stop after it (B). The position is projected onto the
// polyline A..B, waypoints included, and the expected time at that position is
// interpolated between A's and B's times. When A or B is missing, or their
// times do not increase, the deviation is taken directly against a single stop
// time: B's if there is one, otherwise A's.
func Deviation(g *route.Graph, departed int, pos geo.Point, now time.Time) Sample {
	cursor := max(departed, 0)
	a := g.ScheduledAtOrBefore(cursor)
	b := g.ScheduledAfter(cursor)

	s := Sample{LegStart: a, LegEnd: b}
	if a >= 0 {
		s.LegStartID = g.Point(a).ID
	}
	if b >= 0 {
		s.LegEndID = g.Point(b).ID
	}

	switch {
	case a < 0 && b < 0:
		return s
	case b < 0:
		s.Progress = 1
		s.Deviation = g.Point(a).Scheduled.Sub(now)
		return s
	case a < 0:
		s.Deviation = g.Point(b).Scheduled.Sub(now)
		return s
	}

	tA, tB := *g.Point(a).Scheduled, *g.Point(b).Scheduled
	span := tB.Sub(tA)
	if a == b || span <= 0 {
		s.Deviation = tB.Sub(now)
		return s
	}

	s.Progress = geo.Project(g.Path(a, b), pos).Fraction()
	expected := tA.Add(time.Duration(s.Progress * float64(span)))
	s.Deviation = expected.Sub(now)
	return s
}
