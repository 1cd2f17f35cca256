package geo

import "math"

// EarthRadiusMeters is the mean earth radius used for every distance in the tracker.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees (0-360).
func Bearing(a, b Point) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Clamp constrains v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CumDistances returns the cumulative haversine distance at every vertex of pts.
func CumDistances(pts []Point) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Haversine(pts[i-1], pts[i])
		cum[i] = sum
	}
	return cum
}

// Length returns the total length of the polyline in meters.
func Length(pts []Point) float64 {
	cum := CumDistances(pts)
	if len(cum) == 0 {
		return 0
	}
	return cum[len(cum)-1]
}

// Interpolate returns the point dist meters along the polyline together with the
// bearing of the segment it falls on. dist is clamped to the polyline.
func Interpolate(pts []Point, cum []float64, dist float64) (Point, float64) {
	n := len(pts)
	if n == 0 {
		return Point{}, 0
	}
	if n == 1 {
		return pts[0], 0
	}
	total := cum[n-1]
	if total == 0 {
		return pts[0], 0
	}
	if dist <= 0 {
		return pts[0], Bearing(pts[0], pts[1])
	}
	if dist >= total {
		return pts[n-1], Bearing(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	if i >= n {
		i = n - 1
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0, Bearing(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	return Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}, Bearing(p0, p1)
}

// Projection is where a live position lands on a polyline.
type Projection struct {
	Segment  int     // index of the first vertex of the selected sub-segment
	Along    float64 // meters from the start of the polyline to the projected point
	OffTrace float64 // perpendicular distance from the live position to the projected point
	Total    float64 // polyline length
}

// Fraction is Along/Total clamped to [0,1]; a zero-length polyline yields 0.
func (p Projection) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return Clamp(p.Along/p.Total, 0, 1)
}

// Project places pos on the polyline. Every sub-segment is projected with the
// law-of-cosines form t = (len² + d1² - d2²) / (2·len) using haversine sides,
// clamped to [0, len]; the sub-segment with the smallest off-trace distance wins.
func Project(pts []Point, pos Point) Projection {
	n := len(pts)
	if n == 0 {
		return Projection{}
	}
	if n == 1 {
		return Projection{OffTrace: Haversine(pts[0], pos)}
	}

	best := Projection{OffTrace: math.MaxFloat64}
	cum := 0.0
	for i := 0; i < n-1; i++ {
		p1, p2 := pts[i], pts[i+1]
		segLen := Haversine(p1, p2)
		d1 := Haversine(p1, pos)
		d2 := Haversine(p2, pos)

		var t, off float64
		if segLen == 0 {
			t, off = 0, d1
		} else {
			t = (segLen*segLen + d1*d1 - d2*d2) / (2 * segLen)
			switch {
			case t <= 0:
				t, off = 0, d1
			case t >= segLen:
				t, off = segLen, d2
			default:
				off = math.Sqrt(math.Max(d1*d1-t*t, 0))
			}
		}

		if off < best.OffTrace {
			best.Segment = i
			best.Along = cum + t
			best.OffTrace = off
		}
		cum += segLen
	}
	best.Total = cum
	return best
}
