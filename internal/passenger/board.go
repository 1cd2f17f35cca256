package passenger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"bus-tracker/internal/estimate"
	"bus-tracker/internal/route"
	"bus-tracker/internal/status"
)

// RouteLoader resolves a route name against a service day.
type RouteLoader interface {
	LoadRoute(ctx context.Context, name string, day time.Time) (route.Route, error)
}

type Config struct {
	Refresh    time.Duration
	StaleAfter time.Duration
	Location   *time.Location
	Now        func() time.Time
}

// Line is one rendered stop of the board.
type Line struct {
	StopIndex int    `json:"stopIndex"`
	StopID    string `json:"stopId"`
	StopName  string `json:"stopName"`
	Scheduled string `json:"scheduled,omitempty"`
	// RemainingSec is -1 when there is no service.
	RemainingSec int64  `json:"remainingSec"`
	Display      string `json:"display"`
}

// View is what a passenger of one route sees at one instant.
type View struct {
	Route           string    `json:"route"`
	Mode            string    `json:"mode"`
	DeviationMillis int64     `json:"deviationMillis"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Lines           []Line    `json:"stops"`
}

// Board computes ETAs for one route from the shared tracking status. Route
// geometry is never needed for the active leg; queued and idle routes are
// read through the loader.
type Board struct {
	consumer status.Consumer
	loader   RouteLoader
	route    string
	cfg      Config
}

func NewBoard(consumer status.Consumer, loader RouteLoader, routeName string, cfg Config) *Board {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = estimate.StaleAfter
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Board{consumer: consumer, loader: loader, route: routeName, cfg: cfg}
}

func (b *Board) stops(ctx context.Context, name string, day time.Time) ([]route.ScheduledStop, error) {
	r, err := b.loader.LoadRoute(ctx, name, day)
	if err != nil {
		return nil, err
	}
	g, err := route.NewGraph(r)
	if err != nil {
		return nil, err
	}
	return g.Stops(), nil
}

// View reads the status once and renders the board.
func (b *Board) View(ctx context.Context) (View, error) {
	now := b.cfg.Now().In(b.cfg.Location)
	v := View{Route: b.route, Mode: estimate.ModeUnavailable.String()}

	st, err := b.consumer.Read(ctx)
	if err != nil && !errors.Is(err, status.ErrNotFound) {
		return v, fmt.Errorf("read tracking status: %w", err)
	}
	if st != nil {
		v.UpdatedAt = st.LastUpdate()
	}

	mode := estimate.SelectMode(st, b.route, now, b.cfg.StaleAfter)
	v.Mode = mode.String()
	day := route.Midnight(now)
	if mode != estimate.ModeUnavailable {
		day = status.ServiceDay(st.RouteStops, now)
	}
	switch mode {
	case estimate.ModeActive:
		v.DeviationMillis = st.DeviationMillis
		stops := status.ScheduledStops(st.RouteStops, day)
		v.Lines = lines(estimate.Project(stops, st.DepartedIndex, st.Deviation(), st.WaitingAtOrigin, now))
		return v, nil
	case estimate.ModeQueued:
		etas, err := b.queued(ctx, st, now, day)
		if err != nil {
			return v, err
		}
		v.DeviationMillis = st.DeviationMillis
		v.Lines = lines(etas)
		return v, nil
	}

	stops, err := b.stops(ctx, b.route, day)
	if err != nil {
		// nothing to list; the route may not exist on this device
		log.Debug().Err(err).Str("route", b.route).Msg("route stops unavailable")
		return v, nil
	}
	for _, s := range estimate.Upcoming(stops, -1) {
		v.Lines = append(v.Lines, Line{
			StopIndex:    s.Index,
			StopID:       s.ID,
			StopName:     s.Name,
			Scheduled:    route.FormatClock(*s.Scheduled),
			RemainingSec: -1,
			Display:      estimate.DisplayNoService,
		})
	}
	return v, nil
}

// queued chains the active leg, any legs queued before this route and this
// route's own schedule.
func (b *Board) queued(ctx context.Context, st *status.TrackingStatus, now, day time.Time) ([]estimate.ETA, error) {
	active := status.ScheduledStops(st.RouteStops, day)
	finish := estimate.TimeToFinish(active, st.DepartedIndex, st.Deviation(), st.WaitingAtOrigin, now)

	target := st.QueuePositionAfter(b.route, st.CurrentRouteIndexInQueue)
	if target < 0 {
		return nil, nil
	}
	names := st.TrackingQueueNames[st.CurrentRouteIndexInQueue+1 : target+1]
	legs := make([][]route.ScheduledStop, len(names))

	p := pool.New().WithErrors().WithContext(ctx)
	for i, name := range names {
		p.Go(func(ctx context.Context) error {
			stops, err := b.stops(ctx, name, day)
			if err != nil {
				return fmt.Errorf("load queued route %q: %w", name, err)
			}
			legs[i] = stops
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return estimate.ProjectQueued(finish, legs[:len(legs)-1], legs[len(legs)-1], now), nil
}

func lines(etas []estimate.ETA) []Line {
	out := make([]Line, 0, len(etas))
	for _, e := range etas {
		out = append(out, Line{
			StopIndex:    e.StopIndex,
			StopID:       e.StopID,
			StopName:     e.StopName,
			Scheduled:    route.FormatClock(e.Scheduled),
			RemainingSec: int64(e.Remaining / time.Second),
			Display:      e.Display(),
		})
	}
	return out
}

// Render writes the board as "stop: display" lines.
func (v View) Render(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s [%s]\n", v.Route, v.Mode); err != nil {
		return err
	}
	for _, l := range v.Lines {
		if _, err := fmt.Fprintf(w, "%s: %s\n", l.StopName, l.Display); err != nil {
			return err
		}
	}
	return nil
}

// Run refreshes the board every Refresh interval until ctx is done. Read
// errors are logged and the board keeps refreshing.
func (b *Board) Run(ctx context.Context, w io.Writer) error {
	ticker := time.NewTicker(b.cfg.Refresh)
	defer ticker.Stop()
	for {
		v, err := b.View(ctx)
		if err != nil {
			log.Warn().Err(err).Str("route", b.route).Msg("refresh passenger board")
		} else if err := v.Render(w); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
