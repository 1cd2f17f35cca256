package estimate

import (
	"time"

	"bus-tracker/internal/status"
)

// StaleAfter is the default age after which a published status is ignored.
const StaleAfter = 60 * time.Second

// Mode is how an observer of one route interprets the published status.
type Mode int

const (
	// ModeUnavailable means there is no usable status: missing, stale,
	// erroring, not tracking, or not about the observed route.
	ModeUnavailable Mode = iota
	// ModeActive means the observed route is the one being driven.
	ModeActive
	// ModeQueued means the observed route is waiting later in the queue.
	ModeQueued
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeQueued:
		return "queued"
	}
	return "unavailable"
}

// SelectMode picks the mode for an observer of routeName. A status whose queue
// index is outside its queue is unusable.
func SelectMode(s *status.TrackingStatus, routeName string, now time.Time, staleAfter time.Duration) Mode {
	if s == nil || !s.IsTracking || s.HasError {
		return ModeUnavailable
	}
	if staleAfter <= 0 {
		staleAfter = StaleAfter
	}
	if s.Stale(now, staleAfter) {
		return ModeUnavailable
	}
	if s.CurrentRouteIndexInQueue < 0 || s.CurrentRouteIndexInQueue >= len(s.TrackingQueueNames) {
		return ModeUnavailable
	}
	if s.RouteName == routeName {
		return ModeActive
	}
	if s.QueuePositionAfter(routeName, s.CurrentRouteIndexInQueue) >= 0 {
		return ModeQueued
	}
	return ModeUnavailable
}
