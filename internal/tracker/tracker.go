package tracker

import (
	"errors"
	"math"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

// ErrManualOverrideOff is returned by Advance and Retreat while automatic
// advancement is in charge.
var ErrManualOverrideOff = errors.New("manual override is off")

type Config struct {
	// GeofenceRadius is used for departing the origin and arriving at the destination.
	GeofenceRadius float64
	// ProximityRadius is used for arriving at intermediate stops.
	ProximityRadius float64
}

func DefaultConfig() Config {
	return Config{GeofenceRadius: 100, ProximityRadius: 50}
}

// Event reports what a call changed.
type Event int

const (
	EventNone Event = iota
	// EventDeparted is emitted when the vehicle leaves the origin geofence.
	EventDeparted
	// EventArrived is emitted when a stop other than the origin is reached.
	EventArrived
	// EventRetreated is emitted by a manual retreat.
	EventRetreated
	// EventCompleted is emitted once, when the leg ends at the destination.
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventDeparted:
		return "departed"
	case EventArrived:
		return "arrived"
	case EventRetreated:
		return "retreated"
	case EventCompleted:
		return "completed"
	}
	return "none"
}

// State is a copy of the tracker's cursor.
type State struct {
	Departed       int
	ManualOverride bool
	Completed      bool
	Position       *geo.Point
}

// HeadingTo is the index the vehicle is travelling towards.
func (s State) HeadingTo() int { return s.Departed + 1 }

// Tracker is the progress cursor over one leg. Departed is -1 until the
// vehicle leaves the origin, then the index of the last point passed.
//
// A Tracker is not safe for concurrent use; the owning session serializes
// position samples and manual commands.
type Tracker struct {
	graph     *route.Graph
	cfg       Config
	departed  int
	manual    bool
	completed bool
	last      *geo.Point
}

func New(g *route.Graph, cfg Config) *Tracker {
	if cfg.GeofenceRadius <= 0 {
		cfg.GeofenceRadius = DefaultConfig().GeofenceRadius
	}
	if cfg.ProximityRadius <= 0 {
		cfg.ProximityRadius = DefaultConfig().ProximityRadius
	}
	return &Tracker{graph: g, cfg: cfg, departed: -1}
}

func (t *Tracker) Graph() *route.Graph { return t.graph }

func (t *Tracker) Departed() int { return t.departed }

func (t *Tracker) ManualOverride() bool { return t.manual }

func (t *Tracker) Completed() bool { return t.completed }

// LastPosition returns the most recent live position, if any.
func (t *Tracker) LastPosition() (geo.Point, bool) {
	if t.last == nil {
		return geo.Point{}, false
	}
	return *t.last, true
}

func (t *Tracker) State() State {
	s := State{Departed: t.departed, ManualOverride: t.manual, Completed: t.completed}
	if t.last != nil {
		p := *t.last
		s.Position = &p
	}
	return s
}

// WaitingAtOrigin reports whether the vehicle has not departed and is still
// inside the origin geofence. Without any position it is assumed to be waiting.
func (t *Tracker) WaitingAtOrigin() bool {
	if t.departed != -1 {
		return false
	}
	if t.last == nil {
		return true
	}
	return geo.Haversine(*t.last, t.graph.Origin().Position) <= t.cfg.GeofenceRadius
}

// OnPositionSample records p and, unless manual override is on, advances the
// cursor by at most one stop.
func (t *Tracker) OnPositionSample(p geo.Point) Event {
	t.last = &p
	if t.manual || t.completed {
		return EventNone
	}
	return t.checkAdvance()
}

func (t *Tracker) checkAdvance() Event {
	if t.last == nil || t.completed {
		return EventNone
	}
	pos := *t.last
	dest := t.graph.DestinationIndex()

	if t.departed == -1 {
		if geo.Haversine(pos, t.graph.Origin().Position) > t.cfg.GeofenceRadius {
			t.departed = 0
			return EventDeparted
		}
		return EventNone
	}
	if t.departed >= dest {
		t.completed = true
		return EventCompleted
	}

	target := t.graph.NextStop(t.departed)
	if target < 0 {
		return EventNone
	}
	radius := t.cfg.ProximityRadius
	if target == dest {
		radius = t.cfg.GeofenceRadius
	}
	if geo.Haversine(pos, t.graph.Point(target).Position) > radius {
		return EventNone
	}
	t.departed = target
	if target == dest {
		t.completed = true
		return EventCompleted
	}
	return EventArrived
}

// Advance moves the cursor to the next stop. At the destination it completes
// the leg.
func (t *Tracker) Advance() (Event, error) {
	if !t.manual {
		return EventNone, ErrManualOverrideOff
	}
	if t.completed {
		return EventNone, nil
	}
	dest := t.graph.DestinationIndex()
	if t.departed >= dest {
		t.completed = true
		return EventCompleted, nil
	}
	if t.departed == -1 {
		t.departed = 0
		return EventDeparted, nil
	}
	next := t.graph.NextStop(t.departed)
	if next < 0 {
		next = dest
	}
	t.departed = next
	return EventArrived, nil
}

// Retreat moves the cursor back to the previous stop, stopping at -1.
func (t *Tracker) Retreat() (Event, error) {
	if !t.manual {
		return EventNone, ErrManualOverrideOff
	}
	if t.completed || t.departed == -1 {
		return EventNone, nil
	}
	t.departed = t.graph.PrevStop(t.departed)
	return EventRetreated, nil
}

// SetManualOverride switches between manual and automatic advancement.
// Switching back to automatic resynchronizes the cursor against the last
// known position: the nearest point ahead of the cursor becomes the heading
// and the automatic check runs once.
func (t *Tracker) SetManualOverride(on bool) Event {
	if t.manual == on {
		return EventNone
	}
	t.manual = on
	if on || t.completed || t.last == nil {
		return EventNone
	}
	if idx := t.nearestAhead(*t.last); idx >= 0 {
		t.departed = idx - 1
	}
	return t.checkAdvance()
}

func (t *Tracker) nearestAhead(pos geo.Point) int {
	best, bestDist := -1, math.Inf(1)
	for i := t.departed + 1; i < t.graph.Len(); i++ {
		if d := geo.Haversine(pos, t.graph.Point(i).Position); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
