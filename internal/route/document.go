package route

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"bus-tracker/internal/geo"
)

// PointDocument is the stored and exchanged form of a StopPoint. Time is a
// service-day clock (HH:MM, hours may exceed 23).
type PointDocument struct {
	ID   string  `json:"id,omitempty"`
	Name string  `json:"name,omitempty"`
	Kind string  `json:"kind"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Time string  `json:"time,omitempty"`
}

// Document is the day-independent form of a Route.
type Document struct {
	Name          string          `json:"name"`
	AutoCalculate bool            `json:"autoCalculate"`
	Points        []PointDocument `json:"points"`
}

// ServiceClock renders t as HH:MM relative to the midnight of day; times on
// the following day keep counting hours past 23.
func ServiceClock(day, t time.Time) string {
	mins := int(t.Sub(Midnight(day)) / time.Minute)
	if mins < 0 {
		mins = 0
	}
	return fmt.Sprintf("%02d:%02d", mins/60, mins%60)
}

// NewDocument converts r, taking the origin's day as the service day.
func NewDocument(r Route) Document {
	doc := Document{Name: r.Name, AutoCalculate: r.AutoCalculate, Points: make([]PointDocument, len(r.Points))}
	var day time.Time
	if len(r.Points) > 0 && r.Points[0].Scheduled != nil {
		day = *r.Points[0].Scheduled
	}
	for i, p := range r.Points {
		pd := PointDocument{ID: p.ID, Name: p.Name, Kind: string(p.Kind), Lat: p.Position.Lat, Lng: p.Position.Lng}
		if p.Scheduled != nil {
			if day.IsZero() {
				day = *p.Scheduled
			}
			pd.Time = ServiceClock(day, *p.Scheduled)
		}
		doc.Points[i] = pd
	}
	return doc
}

// Route resolves the document against the service day of day. Points without
// an id get a fresh uuid. The result is validated structurally.
func (d Document) Route(day time.Time) (Route, error) {
	r := Route{Name: d.Name, AutoCalculate: d.AutoCalculate, Points: make([]StopPoint, len(d.Points))}
	for i, pd := range d.Points {
		kind, err := ParseKind(pd.Kind)
		if err != nil {
			return Route{}, fmt.Errorf("route %q point %d: %w", d.Name, i, err)
		}
		p := StopPoint{ID: pd.ID, Name: pd.Name, Kind: kind, Position: geo.Point{Lat: pd.Lat, Lng: pd.Lng}}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if pd.Time != "" {
			at, err := ResolveClock(day, pd.Time)
			if err != nil {
				return Route{}, fmt.Errorf("%w: route %q point %d: %v", ErrInvalidSchedule, d.Name, i, err)
			}
			p.Scheduled = &at
		}
		r.Points[i] = p
	}
	if d.Name == "" {
		return Route{}, fmt.Errorf("%w: route has no name", ErrDataIntegrity)
	}
	return r, r.Validate()
}
