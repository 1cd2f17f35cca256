package status

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

// StopKind is the rider-facing role of a flattened stop.
type StopKind string

const (
	KindStart        StopKind = "start"
	KindIntermediate StopKind = "intermediate"
	KindEnd          StopKind = "end"
)

// FlattenedStop is a rider-visible stop as published. Times are HH:MM
// service-day clocks whose hours may exceed 23; start stops carry only a departure, end stops only an
// arrival, and intermediate stops carry both when they have a time.
type FlattenedStop struct {
	ID            string   `json:"id"`
	PointIndex    int      `json:"pointIndex"`
	Name          string   `json:"name"`
	Kind          StopKind `json:"kind"`
	ArrivalTime   *string  `json:"arrivalTime"`
	DepartureTime *string  `json:"departureTime"`
}

// TrackingStatus is the snapshot the driver side publishes and the passenger
// side reads.
type TrackingStatus struct {
	IsTracking               bool            `json:"isTracking"`
	HasError                 bool            `json:"hasError"`
	ErrorReason              *string         `json:"errorReason"`
	RouteName                string          `json:"routeName"`
	CurrentRouteIndexInQueue int             `json:"currentRouteIndexInQueue"`
	TrackingQueueNames       []string        `json:"trackingQueueNames"`
	DepartedIndex            int             `json:"departedIndex"`
	HeadingToIndex           int             `json:"headingToIndex"`
	DeviationMillis          int64           `json:"deviationMillis"`
	LastKnownPosition        *geo.Point      `json:"lastKnownPosition"`
	LastUpdateTimeMillis     int64           `json:"lastUpdateTimeMillis"`
	RouteStops               []FlattenedStop `json:"routeStops"`
	ManualOverride           bool            `json:"manualOverride"`
	WaitingAtOrigin          bool            `json:"waitingAtOrigin"`
	ProgressFraction         float64         `json:"progressFraction"`
	SessionID                string          `json:"sessionId"`
}

// LastUpdate returns LastUpdateTimeMillis as a time.
func (s *TrackingStatus) LastUpdate() time.Time { return time.UnixMilli(s.LastUpdateTimeMillis) }

// Deviation returns DeviationMillis as a duration.
func (s *TrackingStatus) Deviation() time.Duration {
	return time.Duration(s.DeviationMillis) * time.Millisecond
}

// Stale reports whether the status is older than threshold at now.
func (s *TrackingStatus) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.LastUpdate()) > threshold
}

// QueuePositionAfter returns the first index of name in the tracking queue
// past after, or -1. A route driven twice in one duty is matched by its next
// occurrence.
func (s *TrackingStatus) QueuePositionAfter(name string, after int) int {
	for i := max(after+1, 0); i < len(s.TrackingQueueNames); i++ {
		if s.TrackingQueueNames[i] == name {
			return i
		}
	}
	return -1
}

func clock(day time.Time, t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := route.FormatClock(*t)
	if !day.IsZero() {
		s = route.ServiceClock(day, *t)
	}
	return &s
}

// Flatten converts the rider-visible stops of g into their published form.
// Times are service-day clocks counted from the origin's midnight, so a stop
// after midnight is published as 24:20 rather than 00:20.
func Flatten(g *route.Graph) []FlattenedStop {
	var day time.Time
	if o := g.Origin().Scheduled; o != nil {
		day = route.Midnight(*o)
	}
	stops := g.Stops()
	out := make([]FlattenedStop, 0, len(stops))
	for _, s := range stops {
		f := FlattenedStop{ID: s.ID, PointIndex: s.Index, Name: s.Name}
		switch s.Kind {
		case route.Origin:
			f.Kind = KindStart
			f.DepartureTime = clock(day, s.Scheduled)
		case route.Destination:
			f.Kind = KindEnd
			f.ArrivalTime = clock(day, s.Scheduled)
		default:
			f.Kind = KindIntermediate
			f.ArrivalTime = clock(day, s.Scheduled)
			f.DepartureTime = clock(day, s.Scheduled)
		}
		out = append(out, f)
	}
	return out
}

// Scheduled resolves the stop's time against the service day of day. The
// arrival time wins over the departure time. Unparseable or missing times
// yield nil.
func (f FlattenedStop) Scheduled(day time.Time) *time.Time {
	raw := f.ArrivalTime
	if raw == nil {
		raw = f.DepartureTime
	}
	if raw == nil {
		return nil
	}
	t, err := route.ResolveClock(day, *raw)
	if err != nil {
		return nil
	}
	return &t
}

func (k StopKind) routeKind() route.Kind {
	switch k {
	case KindStart:
		return route.Origin
	case KindEnd:
		return route.Destination
	}
	return route.Intermediate
}

// ServiceDay returns the midnight the published stops are counted from. It is
// the midnight of now unless the first timed stop then lies more than twelve
// hours away, in which case the service belongs to the neighbouring day.
func ServiceDay(stops []FlattenedStop, now time.Time) time.Time {
	day := route.Midnight(now)
	for _, f := range stops {
		t := f.Scheduled(day)
		if t == nil {
			continue
		}
		switch d := t.Sub(now); {
		case d > 12*time.Hour:
			return day.AddDate(0, 0, -1)
		case d < -12*time.Hour:
			return day.AddDate(0, 0, 1)
		}
		return day
	}
	return day
}

// ScheduledStops rebuilds the stop list of a published status so that ETAs can
// be projected without the route geometry. A time earlier than the one before
// it has crossed midnight and is moved to the next day.
func ScheduledStops(stops []FlattenedStop, day time.Time) []route.ScheduledStop {
	out := make([]route.ScheduledStop, 0, len(stops))
	var prev time.Time
	for _, f := range stops {
		t := f.Scheduled(day)
		if t != nil {
			for t.Before(prev) {
				next := t.Add(24 * time.Hour)
				t = &next
			}
			prev = *t
		}
		out = append(out, route.ScheduledStop{
			Index:     f.PointIndex,
			ID:        f.ID,
			Name:      f.Name,
			Kind:      f.Kind.routeKind(),
			Scheduled: t,
		})
	}
	return out
}
