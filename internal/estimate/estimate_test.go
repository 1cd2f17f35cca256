package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
	"bus-tracker/internal/status"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hhmm string) time.Time {
	t, err := route.ResolveClock(day, hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

func tp(t time.Time) *time.Time { return &t }

func mustGraph(t *testing.T, auto bool, points ...route.StopPoint) *route.Graph {
	t.Helper()
	g, err := route.NewGraph(route.Route{Name: "r", Points: points, AutoCalculate: auto})
	require.NoError(t, err)
	return g
}

// Origin 08:00 at (0,0), Stop1 08:10 at (0,0.1), Destination 08:20 at (0,0.2).
func straight(t *testing.T) *route.Graph {
	return mustGraph(t, true,
		route.NewOrigin("o", "Origin", geo.Point{}, at("08:00")),
		route.NewIntermediate("s1", "Stop1", geo.Point{Lng: 0.1}, nil),
		route.NewDestination("d", "Dest", geo.Point{Lng: 0.2}, at("08:20")),
	)
}

func ms(d time.Duration) float64 { return float64(d.Milliseconds()) }

func TestDeviationAtPointA(t *testing.T) {
	g := straight(t)
	now := at("08:03")
	s := Deviation(g, 0, geo.Point{}, now)
	assert.Equal(t, 0, s.LegStart)
	assert.Equal(t, 1, s.LegEnd)
	assert.Equal(t, "o", s.LegStartID)
	assert.Equal(t, "s1", s.LegEndID)
	assert.InDelta(t, 0, s.Progress, 1e-9)
	assert.InDelta(t, ms(at("08:00").Sub(now)), ms(s.Deviation), 1)
	assert.Equal(t, int64(-180000), s.Millis())
}

func TestDeviationAtPointB(t *testing.T) {
	g := straight(t)
	now := at("08:03")
	s := Deviation(g, 0, geo.Point{Lng: 0.1}, now)
	assert.InDelta(t, 1, s.Progress, 1e-6)
	assert.InDelta(t, ms(at("08:10").Sub(now)), ms(s.Deviation), 1)
	assert.Positive(t, s.Deviation, "ahead of schedule is positive")
}

func TestDeviationBeforeDepartureUsesFirstLeg(t *testing.T) {
	g := straight(t)
	now := at("08:05")
	assert.Equal(t, Deviation(g, 0, geo.Point{Lng: 0.05}, now), Deviation(g, -1, geo.Point{Lng: 0.05}, now))
}

func TestDeviationFollowsWaypoints(t *testing.T) {
	// north then east; the waypoint is half way along the path but far from
	// the straight line between the stops
	g := mustGraph(t, false,
		route.NewOrigin("o", "Origin", geo.Point{}, at("08:00")),
		route.NewWaypoint("w", geo.Point{Lat: 0.05}),
		route.NewDestination("d", "Dest", geo.Point{Lat: 0.05, Lng: 0.05}, at("08:20")),
	)
	now := at("08:10")
	s := Deviation(g, 0, geo.Point{Lat: 0.05}, now)
	assert.InDelta(t, 0.5, s.Progress, 1e-3)
	assert.InDelta(t, 0, s.Deviation.Seconds(), 2)
}

func TestDeviationWithoutIntermediatesInterpolatesOriginToDestination(t *testing.T) {
	o := geo.Point{Lat: 41.38, Lng: 2.17}
	d := geo.Point{Lat: 41.40, Lng: 2.19}
	g := mustGraph(t, false,
		route.NewOrigin("o", "Origin", o, at("09:00")),
		route.NewDestination("d", "Dest", d, at("09:30")),
	)
	now := at("09:12")
	for i := 0; i <= 10; i++ {
		f := float64(i) / 10
		pos := geo.Point{Lat: o.Lat + (d.Lat-o.Lat)*f, Lng: o.Lng + (d.Lng-o.Lng)*f}
		s := Deviation(g, 0, pos, now)
		assert.Equal(t, 0, s.LegStart)
		assert.Equal(t, 1, s.LegEnd)

		frac := geo.Project([]geo.Point{o, d}, pos).Fraction()
		want := at("09:00").Add(time.Duration(frac * float64(30*time.Minute))).Sub(now)
		assert.InDelta(t, ms(want), ms(s.Deviation), 1)
	}
}

func TestProgressMonotonic(t *testing.T) {
	g := straight(t)
	now := at("08:05")
	prev := -1.0
	for i := 0; i <= 100; i++ {
		pos := geo.Point{Lng: 0.1 * float64(i) / 100}
		p := Deviation(g, 0, pos, now).Progress
		assert.GreaterOrEqual(t, p, prev)
		prev = p
	}
	assert.InDelta(t, 1, prev, 1e-6)
}

func TestDeviationAtDestination(t *testing.T) {
	g := straight(t)
	now := at("08:25")
	s := Deviation(g, 2, geo.Point{Lng: 0.2}, now)
	assert.Equal(t, -1, s.LegEnd)
	assert.Equal(t, 1.0, s.Progress)
	assert.Equal(t, -5*time.Minute, s.Deviation)
}

func TestDeviationNonIncreasingTimes(t *testing.T) {
	g := mustGraph(t, false,
		route.NewOrigin("o", "Origin", geo.Point{}, at("08:00")),
		route.NewIntermediate("s1", "Stop1", geo.Point{Lng: 0.1}, tp(at("08:30"))),
		route.NewDestination("d", "Dest", geo.Point{Lng: 0.2}, at("08:20")),
	)
	now := at("08:15")
	s := Deviation(g, 1, geo.Point{Lng: 0.15}, now)
	assert.Equal(t, 5*time.Minute, s.Deviation)
	assert.Equal(t, 0.0, s.Progress)
}

func TestDeviationSkipsUntimedStops(t *testing.T) {
	g := mustGraph(t, false,
		route.NewOrigin("o", "Origin", geo.Point{}, at("08:00")),
		route.NewIntermediate("s1", "Stop1", geo.Point{Lng: 0.1}, nil),
		route.NewDestination("d", "Dest", geo.Point{Lng: 0.2}, at("08:20")),
	)
	s := Deviation(g, 1, geo.Point{Lng: 0.1}, at("08:10"))
	assert.Equal(t, 0, s.LegStart)
	assert.Equal(t, 2, s.LegEnd)
	assert.InDelta(t, 0.5, s.Progress, 1e-6)
	assert.InDelta(t, 0, ms(s.Deviation), 1)
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "ARRIVING"},
		{59999 * time.Millisecond, "ARRIVING"},
		{time.Minute, "1 min"},
		{7*time.Minute + 59*time.Second, "7 min"},
		{95 * time.Minute, "95 min"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, FormatRemaining(tc.in), tc.in.String())
	}
}

func TestRemaining(t *testing.T) {
	now := at("08:00")
	stop := at("08:10")

	assert.Equal(t, 8*time.Minute, Remaining(stop, 2*time.Minute, false, now))
	assert.Equal(t, 10*time.Minute, Remaining(stop, 2*time.Minute, true, now), "early at origin cannot leave early")
	assert.Equal(t, 13*time.Minute, Remaining(stop, -3*time.Minute, true, now))
	assert.Equal(t, time.Duration(0), Remaining(stop, 20*time.Minute, false, now))
	assert.Equal(t, time.Duration(0), Remaining(at("07:00"), 0, false, now))
}

func TestProjectNeverNegative(t *testing.T) {
	g := straight(t)
	for _, dev := range []time.Duration{-time.Hour, -time.Minute, 0, time.Minute, time.Hour} {
		for _, now := range []time.Time{at("07:00"), at("08:10"), at("09:00")} {
			for _, e := range Project(g.Stops(), 0, dev, false, now) {
				assert.GreaterOrEqual(t, e.Remaining, time.Duration(0))
			}
		}
	}
	etas := Project(g.Stops(), 0, 0, false, at("09:00"))
	require.NotEmpty(t, etas)
	assert.Equal(t, DisplayArriving, etas[0].Display())
}

func TestProjectSelectsRemainingStops(t *testing.T) {
	g := mustGraph(t, false,
		route.NewOrigin("o", "Origin", geo.Point{}, at("08:00")),
		route.NewIntermediate("s1", "Stop1", geo.Point{Lng: 0.05}, tp(at("08:05"))),
		route.NewWaypoint("w", geo.Point{Lng: 0.07}),
		route.NewIntermediate("s2", "Stop2", geo.Point{Lng: 0.1}, nil),
		route.NewDestination("d", "Dest", geo.Point{Lng: 0.2}, at("08:20")),
	)
	now := at("08:00")

	etas := Project(g.Stops(), -1, 0, true, now)
	require.Len(t, etas, 2)
	assert.Equal(t, "s1", etas[0].StopID)
	assert.Equal(t, "5 min", etas[0].Display())
	assert.Equal(t, "d", etas[1].StopID)

	etas = Project(g.Stops(), 1, -time.Minute, false, now)
	require.Len(t, etas, 1)
	assert.Equal(t, 4, etas[0].StopIndex)
	assert.Equal(t, 21*time.Minute, etas[0].Remaining)

	assert.Empty(t, Project(g.Stops(), 4, 0, false, now))
}

func TestTimeToFinish(t *testing.T) {
	g := straight(t)
	now := at("08:00")
	assert.Equal(t, 22*time.Minute, TimeToFinish(g.Stops(), 0, -2*time.Minute, false, now))
	assert.Equal(t, 20*time.Minute, TimeToFinish(g.Stops(), -1, 5*time.Minute, true, now))
	assert.Equal(t, time.Duration(0), TimeToFinish(g.Stops(), 2, 0, false, now))
}

func queued(t *testing.T, origin, mid, dest string) *route.Graph {
	return mustGraph(t, false,
		route.NewOrigin("qo", "Q Origin", geo.Point{Lat: 1}, at(origin)),
		route.NewIntermediate("qs", "Q Stop", geo.Point{Lat: 1, Lng: 0.1}, tp(at(mid))),
		route.NewWaypoint("qw", geo.Point{Lat: 1, Lng: 0.15}),
		route.NewDestination("qd", "Q Dest", geo.Point{Lat: 1, Lng: 0.2}, at(dest)),
	)
}

func TestProjectQueuedWaitsForActiveLeg(t *testing.T) {
	now := at("08:00")
	q := queued(t, "08:05", "08:15", "08:30")

	// active leg still needs 20 min, later than the queued departure
	etas := ProjectQueued(20*time.Minute, nil, q.Stops(), now)
	require.Len(t, etas, 2)
	assert.Equal(t, "qs", etas[0].StopID)
	assert.Equal(t, 30*time.Minute, etas[0].Remaining)
	assert.Equal(t, 45*time.Minute, etas[1].Remaining)
}

func TestProjectQueuedWaitsForScheduledDeparture(t *testing.T) {
	now := at("08:00")
	q := queued(t, "08:40", "08:50", "09:05")

	etas := ProjectQueued(20*time.Minute, nil, q.Stops(), now)
	require.Len(t, etas, 2)
	assert.Equal(t, 50*time.Minute, etas[0].Remaining)
	assert.Equal(t, 65*time.Minute, etas[1].Remaining)
}

func TestProjectQueuedChainsIntermediateLegs(t *testing.T) {
	now := at("08:00")
	next := queued(t, "08:10", "08:15", "08:25")
	target := queued(t, "08:20", "08:30", "08:40")

	// active ends in 20 min, next leg starts then and takes 15 min, target starts at 35
	etas := ProjectQueued(20*time.Minute, [][]route.ScheduledStop{next.Stops()}, target.Stops(), now)
	require.Len(t, etas, 2)
	assert.Equal(t, 45*time.Minute, etas[0].Remaining)
	assert.Equal(t, 55*time.Minute, etas[1].Remaining)
}

func TestSelectMode(t *testing.T) {
	now := at("08:00")
	fresh := func() *status.TrackingStatus {
		return &status.TrackingStatus{
			IsTracking:               true,
			RouteName:                "B",
			CurrentRouteIndexInQueue: 1,
			TrackingQueueNames:       []string{"A", "B", "C"},
			LastUpdateTimeMillis:     now.Add(-10 * time.Second).UnixMilli(),
		}
	}

	assert.Equal(t, ModeActive, SelectMode(fresh(), "B", now, StaleAfter))
	assert.Equal(t, ModeQueued, SelectMode(fresh(), "C", now, StaleAfter))
	assert.Equal(t, ModeUnavailable, SelectMode(fresh(), "A", now, StaleAfter))
	assert.Equal(t, ModeUnavailable, SelectMode(fresh(), "Z", now, StaleAfter))
	assert.Equal(t, ModeUnavailable, SelectMode(nil, "B", now, StaleAfter))

	s := fresh()
	s.HasError = true
	assert.Equal(t, ModeUnavailable, SelectMode(s, "B", now, StaleAfter))

	s = fresh()
	s.IsTracking = false
	assert.Equal(t, ModeUnavailable, SelectMode(s, "B", now, StaleAfter))

	s = fresh()
	s.LastUpdateTimeMillis = now.Add(-61 * time.Second).UnixMilli()
	assert.Equal(t, ModeUnavailable, SelectMode(s, "B", now, 0))
	assert.Equal(t, "unavailable", SelectMode(s, "B", now, 0).String())

	// out and back: A is driven again after B
	s = fresh()
	s.TrackingQueueNames = []string{"A", "B", "A"}
	assert.Equal(t, ModeQueued, SelectMode(s, "A", now, StaleAfter))
	s.CurrentRouteIndexInQueue = 2
	s.RouteName = "A"
	assert.Equal(t, ModeActive, SelectMode(s, "A", now, StaleAfter))
	assert.Equal(t, ModeUnavailable, SelectMode(s, "B", now, StaleAfter))

	for _, idx := range []int{-1, 3} {
		s = fresh()
		s.CurrentRouteIndexInQueue = idx
		assert.Equal(t, ModeUnavailable, SelectMode(s, "B", now, StaleAfter))
		assert.Equal(t, ModeUnavailable, SelectMode(s, "C", now, StaleAfter))
	}
}
