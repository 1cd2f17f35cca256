package route

import (
	"time"

	"bus-tracker/internal/geo"
)

// ResolveEffectiveTimes returns a copy of r whose Intermediate points carry their
// effective scheduled time. Without auto-calculation the stored times are kept.
// With it, every intermediate time is interpolated along cumulative path distance
// (waypoints included) between the origin and destination times, rounded to the
// second. A zero-length path collapses every intermediate time onto the origin.
//
// When the schedule is invalid the copy keeps its stored intermediate times and
// the returned error wraps ErrInvalidSchedule.
func ResolveEffectiveTimes(r Route) (Route, error) {
	out := r.Clone()
	if err := out.Validate(); err != nil {
		return out, err
	}
	if !out.AutoCalculate {
		return out, nil
	}
	if err := out.ValidateSchedule(); err != nil {
		return out, err
	}

	pts := make([]geo.Point, len(out.Points))
	for i, p := range out.Points {
		pts[i] = p.Position
	}
	cum := geo.CumDistances(pts)
	total := cum[len(cum)-1]

	originTime := *out.Points[0].Scheduled
	span := out.Points[len(out.Points)-1].Scheduled.Sub(originTime)

	for i := range out.Points {
		if out.Points[i].Kind != Intermediate {
			continue
		}
		at := originTime
		if total > 0 {
			offset := time.Duration(cum[i] / total * float64(span)).Round(time.Second)
			at = originTime.Add(offset)
		}
		out.Points[i].Scheduled = &at
	}
	return out, nil
}
