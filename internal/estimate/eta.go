package estimate

import (
	"fmt"
	"time"

	"bus-tracker/internal/route"
)

// ArrivingThreshold is the remaining time under which a stop shows ARRIVING.
const ArrivingThreshold = time.Minute

const (
	DisplayArriving  = "ARRIVING"
	DisplayNoService = "no service"
)

// ETA is the projected arrival at one remaining stop.
type ETA struct {
	StopIndex int
	StopID    string
	StopName  string
	Scheduled time.Time
	Remaining time.Duration
}

func (e ETA) Display() string { return FormatRemaining(e.Remaining) }

// FormatRemaining renders d as "N min", or ARRIVING under a minute.
func FormatRemaining(d time.Duration) string {
	if d < ArrivingThreshold {
		return DisplayArriving
	}
	return fmt.Sprintf("%d min", int64(d/time.Minute))
}

// Remaining is the time until a stop scheduled at `at`, corrected by the
// deviation. A vehicle waiting at the origin cannot leave early, so a positive
// deviation is ignored there. The result is never negative.
func Remaining(at time.Time, deviation time.Duration, waitingAtOrigin bool, now time.Time) time.Duration {
	eta := at.Sub(now)
	if !(waitingAtOrigin && deviation > 0) {
		eta -= deviation
	}
	return max(eta, 0)
}

// Upcoming lists the rider-visible stops that are still ahead of departed and
// carry a time. The origin is never upcoming.
func Upcoming(stops []route.ScheduledStop, departed int) []route.ScheduledStop {
	var out []route.ScheduledStop
	for _, s := range stops {
		if s.Index <= departed || s.Scheduled == nil {
			continue
		}
		if s.Kind != route.Intermediate && s.Kind != route.Destination {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Project computes the ETA of every upcoming stop of the active leg.
func Project(stops []route.ScheduledStop, departed int, deviation time.Duration, waitingAtOrigin bool, now time.Time) []ETA {
	upcoming := Upcoming(stops, departed)
	out := make([]ETA, 0, len(upcoming))
	for _, s := range upcoming {
		out = append(out, ETA{
			StopIndex: s.Index,
			StopID:    s.ID,
			StopName:  s.Name,
			Scheduled: *s.Scheduled,
			Remaining: Remaining(*s.Scheduled, deviation, waitingAtOrigin, now),
		})
	}
	return out
}

// TimeToFinish is the projected time until the active leg reaches its
// destination. A leg without a timed destination finishes now.
func TimeToFinish(stops []route.ScheduledStop, departed int, deviation time.Duration, waitingAtOrigin bool, now time.Time) time.Duration {
	for i := len(stops) - 1; i >= 0; i-- {
		s := stops[i]
		if s.Kind != route.Destination || s.Scheduled == nil {
			continue
		}
		if s.Index <= departed {
			return 0
		}
		return Remaining(*s.Scheduled, deviation, waitingAtOrigin, now)
	}
	return 0
}

// legSpan is the scheduled origin time and the leg-by-leg scheduled offset of
// every timed stop from it.
func legSpan(stops []route.ScheduledStop) (origin time.Time, offsets map[int]time.Duration, ok bool) {
	offsets = make(map[int]time.Duration)
	var prev time.Time
	var acc time.Duration
	for _, s := range stops {
		if s.Scheduled == nil {
			continue
		}
		if !ok {
			if s.Kind != route.Origin {
				return time.Time{}, nil, false
			}
			origin, prev, ok = *s.Scheduled, *s.Scheduled, true
			offsets[s.Index] = 0
			continue
		}
		acc += s.Scheduled.Sub(prev)
		prev = *s.Scheduled
		offsets[s.Index] = acc
	}
	return origin, offsets, ok
}

// ProjectQueued computes ETAs for a leg that has not started yet. finish is
// the projected time until the active leg ends. Legs queued between the active
// one and the target are chained first: each starts at the later of the
// previous finish and its own scheduled departure and takes its scheduled
// duration. Within the target leg the ETA of a stop is
//
//	max(finish, timeUntilOrigin) + sum of scheduled leg durations up to the stop
func ProjectQueued(finish time.Duration, between [][]route.ScheduledStop, target []route.ScheduledStop, now time.Time) []ETA {
	for _, leg := range between {
		origin, offsets, ok := legSpan(leg)
		if !ok {
			continue
		}
		var total time.Duration
		for _, off := range offsets {
			total = max(total, off)
		}
		finish = max(finish, max(origin.Sub(now), 0)) + total
	}

	origin, offsets, ok := legSpan(target)
	if !ok {
		return nil
	}
	start := max(finish, max(origin.Sub(now), 0))

	var out []ETA
	for _, s := range Upcoming(target, -1) {
		out = append(out, ETA{
			StopIndex: s.Index,
			StopID:    s.ID,
			StopName:  s.Name,
			Scheduled: *s.Scheduled,
			Remaining: start + offsets[s.Index],
		})
	}
	return out
}
