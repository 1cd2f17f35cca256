package sim

import (
	"time"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/route"
)

// buildSchedule joins the legs into one path and builds time->distance
// keyframes from every stop with an effective time. Keyframes that go back
// in time, or repeat the previous one, are dropped.
func buildSchedule(legs []*route.Graph) (path []geo.Point, cum []float64, times []time.Time, dists []float64) {
	type stopAt struct {
		point int
		at    time.Time
	}
	var stops []stopAt
	for _, g := range legs {
		base := len(path)
		for i := 0; i < g.Len(); i++ {
			p := g.Point(i)
			path = append(path, p.Position)
			if p.Kind.IsStop() && p.Scheduled != nil {
				stops = append(stops, stopAt{point: base + i, at: *p.Scheduled})
			}
		}
	}
	cum = geo.CumDistances(path)

	var lastT time.Time
	var lastD float64
	for i, s := range stops {
		d := cum[s.point]
		if i > 0 {
			if s.at.Before(lastT) {
				continue
			}
			if s.at.Equal(lastT) && d == lastD {
				continue
			}
		}
		times = append(times, s.at)
		dists = append(dists, d)
		lastT, lastD = s.at, d
	}
	return path, cum, times, dists
}

func interpolateDistAtTime(times []time.Time, dists []float64, at time.Time) float64 {
	n := len(times)
	if n == 0 {
		return 0
	}
	if !at.After(times[0]) {
		return dists[0]
	}
	if !at.Before(times[n-1]) {
		return dists[n-1]
	}
	// find segment i s.t. times[i] <= at < times[i+1]
	i := 0
	for i+1 < n && at.After(times[i+1]) {
		i++
	}
	if i+1 >= n {
		return dists[n-1]
	}
	t0, t1 := times[i], times[i+1]
	d0, d1 := dists[i], dists[i+1]
	dt := t1.Sub(t0)
	if dt <= 0 {
		return d0
	}
	frac := geo.Clamp(float64(at.Sub(t0))/float64(dt), 0, 1)
	return d0 + (d1-d0)*frac
}
