package route

import (
	"fmt"
	"time"

	"bus-tracker/internal/geo"
)

// ScheduledStop is a rider-visible stop with its index in the full point sequence.
type ScheduledStop struct {
	Index     int
	ID        string
	Name      string
	Kind      Kind
	Scheduled *time.Time
}

// Graph is the immutable, validated point sequence of one leg with effective
// times resolved. It is safe to share between goroutines.
type Graph struct {
	name   string
	points []StopPoint
	path   []geo.Point
	cum    []float64
}

// NewGraph validates r, resolves effective times and freezes the result.
// Tracking requires a valid origin/destination schedule.
func NewGraph(r Route) (*Graph, error) {
	resolved, err := ResolveEffectiveTimes(r)
	if err != nil {
		return nil, err
	}
	if err := resolved.ValidateSchedule(); err != nil {
		return nil, err
	}
	g := &Graph{
		name:   resolved.Name,
		points: resolved.Points,
		path:   make([]geo.Point, len(resolved.Points)),
	}
	for i, p := range resolved.Points {
		g.path[i] = p.Position
	}
	g.cum = geo.CumDistances(g.path)
	return g, nil
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Len() int { return len(g.points) }

// InRange reports whether i indexes a point.
func (g *Graph) InRange(i int) bool { return i >= 0 && i < len(g.points) }

// Point returns a copy of point i.
func (g *Graph) Point(i int) StopPoint {
	if !g.InRange(i) {
		panic(fmt.Sprintf("route %q: point index %d out of range [0,%d)", g.name, i, len(g.points)))
	}
	return g.points[i].clone()
}

func (g *Graph) Origin() StopPoint { return g.Point(0) }

func (g *Graph) DestinationIndex() int { return len(g.points) - 1 }

func (g *Graph) Destination() StopPoint { return g.Point(g.DestinationIndex()) }

// NextStop returns the first non-waypoint index after i, or -1.
func (g *Graph) NextStop(i int) int {
	for j := max(i+1, 0); j < len(g.points); j++ {
		if g.points[j].Kind.IsStop() {
			return j
		}
	}
	return -1
}

// PrevStop returns the last non-waypoint index before i, or -1.
func (g *Graph) PrevStop(i int) int {
	for j := min(i-1, len(g.points)-1); j >= 0; j-- {
		if g.points[j].Kind.IsStop() {
			return j
		}
	}
	return -1
}

// ScheduledAtOrBefore returns the last stop with a time at or before i, or -1.
func (g *Graph) ScheduledAtOrBefore(i int) int {
	for j := min(i, len(g.points)-1); j >= 0; j-- {
		if g.points[j].Kind.IsStop() && g.points[j].Scheduled != nil {
			return j
		}
	}
	return -1
}

// ScheduledAfter returns the first stop with a time strictly after i, or -1.
func (g *Graph) ScheduledAfter(i int) int {
	for j := max(i+1, 0); j < len(g.points); j++ {
		if g.points[j].Kind.IsStop() && g.points[j].Scheduled != nil {
			return j
		}
	}
	return -1
}

// Path returns the geometry of points from..to inclusive.
func (g *Graph) Path(from, to int) []geo.Point {
	if from > to || !g.InRange(from) || !g.InRange(to) {
		return nil
	}
	out := make([]geo.Point, to-from+1)
	copy(out, g.path[from:to+1])
	return out
}

// Distance is the along-path distance between points from and to.
func (g *Graph) Distance(from, to int) float64 {
	if !g.InRange(from) || !g.InRange(to) {
		return 0
	}
	return g.cum[to] - g.cum[from]
}

// TotalDistance is the along-path length of the whole leg.
func (g *Graph) TotalDistance() float64 { return g.cum[len(g.cum)-1] }

// Stops lists every rider-visible point (waypoints excluded) in order.
func (g *Graph) Stops() []ScheduledStop {
	var out []ScheduledStop
	for i, p := range g.points {
		if !p.Kind.IsStop() {
			continue
		}
		p = p.clone()
		out = append(out, ScheduledStop{Index: i, ID: p.ID, Name: p.Name, Kind: p.Kind, Scheduled: p.Scheduled})
	}
	return out
}

// Route returns a deep copy of the resolved route.
func (g *Graph) Route() Route {
	return Route{Name: g.name, Points: g.points}.Clone()
}
