package route

import (
	"errors"
	"fmt"
	"time"

	"bus-tracker/internal/geo"
)

var (
	// ErrInvalidSchedule is returned when origin/destination times are missing or out of order.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrDataIntegrity is returned for structurally broken routes and out-of-range indices.
	ErrDataIntegrity = errors.New("route data integrity")
)

// Kind tags a StopPoint. Waypoints carry geometry only.
type Kind string

const (
	Origin       Kind = "origin"
	Intermediate Kind = "intermediate"
	Waypoint     Kind = "waypoint"
	Destination  Kind = "destination"
)

// IsStop reports whether riders can board or alight at points of this kind.
func (k Kind) IsStop() bool { return k == Origin || k == Intermediate || k == Destination }

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Origin, Intermediate, Waypoint, Destination:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown point kind %q", ErrDataIntegrity, s)
}

// StopPoint is a node of a route. Scheduled is nil for waypoints and for
// intermediate stops without an authored time.
type StopPoint struct {
	ID        string
	Name      string
	Kind      Kind
	Position  geo.Point
	Scheduled *time.Time
}

func NewOrigin(id, name string, pos geo.Point, departs time.Time) StopPoint {
	return StopPoint{ID: id, Name: name, Kind: Origin, Position: pos, Scheduled: &departs}
}

func NewDestination(id, name string, pos geo.Point, arrives time.Time) StopPoint {
	return StopPoint{ID: id, Name: name, Kind: Destination, Position: pos, Scheduled: &arrives}
}

// NewIntermediate builds a boarding stop; at may be nil.
func NewIntermediate(id, name string, pos geo.Point, at *time.Time) StopPoint {
	p := StopPoint{ID: id, Name: name, Kind: Intermediate, Position: pos}
	if at != nil {
		t := *at
		p.Scheduled = &t
	}
	return p
}

func NewWaypoint(id string, pos geo.Point) StopPoint {
	return StopPoint{ID: id, Kind: Waypoint, Position: pos}
}

// HasTime reports whether the point carries a scheduled time.
func (p StopPoint) HasTime() bool { return p.Scheduled != nil }

func (p StopPoint) clone() StopPoint {
	if p.Scheduled != nil {
		t := *p.Scheduled
		p.Scheduled = &t
	}
	return p
}

// Route is a named, ordered leg from Origin to Destination.
type Route struct {
	Name          string
	Points        []StopPoint
	AutoCalculate bool
}

// Clone returns a deep copy of r.
func (r Route) Clone() Route {
	out := Route{Name: r.Name, AutoCalculate: r.AutoCalculate, Points: make([]StopPoint, len(r.Points))}
	for i, p := range r.Points {
		out.Points[i] = p.clone()
	}
	return out
}

// Validate checks the structural invariants: at least two points, exactly one
// Origin in first position, exactly one Destination in last position and no
// scheduled time on waypoints.
func (r Route) Validate() error {
	n := len(r.Points)
	if n < 2 {
		return fmt.Errorf("%w: route %q has %d points, need origin and destination", ErrDataIntegrity, r.Name, n)
	}
	origins, destinations := 0, 0
	for i, p := range r.Points {
		switch p.Kind {
		case Origin:
			origins++
			if i != 0 {
				return fmt.Errorf("%w: route %q origin at position %d", ErrDataIntegrity, r.Name, i)
			}
		case Destination:
			destinations++
			if i != n-1 {
				return fmt.Errorf("%w: route %q destination at position %d", ErrDataIntegrity, r.Name, i)
			}
		case Waypoint:
			if p.Scheduled != nil {
				return fmt.Errorf("%w: route %q waypoint %d carries a scheduled time", ErrDataIntegrity, r.Name, i)
			}
		case Intermediate:
		default:
			return fmt.Errorf("%w: route %q point %d has unknown kind %q", ErrDataIntegrity, r.Name, i, p.Kind)
		}
	}
	if origins != 1 || destinations != 1 {
		return fmt.Errorf("%w: route %q has %d origins and %d destinations", ErrDataIntegrity, r.Name, origins, destinations)
	}
	return nil
}

// ValidateSchedule checks that origin and destination carry times and that the
// destination is strictly after the origin. Validate must pass first.
func (r Route) ValidateSchedule() error {
	o, d := r.Points[0], r.Points[len(r.Points)-1]
	if o.Scheduled == nil {
		return fmt.Errorf("%w: route %q origin has no time", ErrInvalidSchedule, r.Name)
	}
	if d.Scheduled == nil {
		return fmt.Errorf("%w: route %q destination has no time", ErrInvalidSchedule, r.Name)
	}
	if !d.Scheduled.After(*o.Scheduled) {
		return fmt.Errorf("%w: route %q destination %s is not after origin %s", ErrInvalidSchedule, r.Name,
			FormatClock(*d.Scheduled), FormatClock(*o.Scheduled))
	}
	return nil
}
