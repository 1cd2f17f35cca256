package sim

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/route"
)

type Options struct {
	VehicleID string
	// Interval between emitted positions in wall-clock time.
	Interval time.Duration
	// SpeedMultiplier scales how fast schedule time passes relative to the
	// wall clock, measured from Anchor.
	SpeedMultiplier float64
	// Delay shifts the vehicle behind its schedule (negative runs early).
	Delay time.Duration
	// Anchor is the wall-clock instant where schedule time equals wall time.
	// Zero means the moment the simulation starts.
	Anchor time.Time
	Now    func() time.Time
}

// Position is the simulated vehicle at one instant.
type Position struct {
	At       time.Time
	Point    geo.Point
	Bearing  float64
	Progress float64
	SpeedMps float64
	Done     bool
}

// Simulator drives a virtual vehicle through one or more legs back to back,
// following each leg's effective schedule.
type Simulator struct {
	opts  Options
	path  []geo.Point
	cum   []float64
	times []time.Time
	dists []float64
	total float64
}

func New(legs []*route.Graph, opts Options) (*Simulator, error) {
	if len(legs) == 0 {
		return nil, errors.New("simulator needs at least one route")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.SpeedMultiplier <= 0 {
		opts.SpeedMultiplier = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.VehicleID == "" {
		opts.VehicleID = "sim"
	}
	s := &Simulator{opts: opts}
	s.path, s.cum, s.times, s.dists = buildSchedule(legs)
	s.total = s.cum[len(s.cum)-1]
	return s, nil
}

// Start and End are the first and last keyframe times.
func (s *Simulator) Start() time.Time { return s.times[0] }

func (s *Simulator) End() time.Time { return s.times[len(s.times)-1] }

// scheduleTime maps a wall-clock instant onto schedule time.
func (s *Simulator) scheduleTime(now, anchor time.Time) time.Time {
	elapsed := time.Duration(float64(now.Sub(anchor)) * s.opts.SpeedMultiplier)
	return anchor.Add(elapsed).Add(-s.opts.Delay)
}

// PositionAt returns where the vehicle is at schedule time t.
func (s *Simulator) PositionAt(t time.Time) Position {
	dist := interpolateDistAtTime(s.times, s.dists, t)
	pt, bearing := geo.Interpolate(s.path, s.cum, dist)
	p := Position{At: t, Point: pt, Bearing: bearing, Done: !t.Before(s.End())}
	if s.total > 0 {
		p.Progress = dist / s.total
	}
	return p
}

// Run emits a position every interval until the vehicle reaches the end of
// the last leg or ctx is done.
func (s *Simulator) Run(ctx context.Context, emit func(Position) error) error {
	anchor := s.opts.Anchor
	if anchor.IsZero() {
		anchor = s.opts.Now()
	}
	tick := time.NewTicker(s.opts.Interval)
	defer tick.Stop()

	var last *Position
	nextLogIdx := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		now := s.opts.Now()
		target := s.scheduleTime(now, anchor)
		for nextLogIdx < len(s.times) && target.After(s.times[nextLogIdx]) {
			log.Debug().Str("vehicle", s.opts.VehicleID).Int("keyframe", nextLogIdx+1).Int("of", len(s.times)).
				Time("at", s.times[nextLogIdx]).Float64("dist", s.dists[nextLogIdx]).Msg("passed keyframe")
			nextLogIdx++
		}

		pos := s.PositionAt(target)
		if last != nil {
			if dt := pos.At.Sub(last.At).Seconds(); dt > 0 {
				pos.SpeedMps = geo.Haversine(last.Point, pos.Point) / dt
			}
		}
		last = &pos
		if err := emit(pos); err != nil {
			log.Warn().Err(err).Str("vehicle", s.opts.VehicleID).Msg("emit simulated position")
		}
		if pos.Done {
			log.Info().Str("vehicle", s.opts.VehicleID).Time("at", target).Msg("simulation finished")
			return nil
		}
	}
}

// Subscribe implements geoloc.Source.
func (s *Simulator) Subscribe(ctx context.Context) (<-chan geoloc.Fix, error) {
	feed := geoloc.NewFeed()
	go func() {
		defer feed.Close()
		_ = s.Run(ctx, func(p Position) error {
			feed.Push(geoloc.SampleFix(geoloc.Sample{
				Position:  p.Point,
				Speed:     p.SpeedMps,
				Accuracy:  5,
				Timestamp: p.At,
			}))
			return nil
		})
	}()
	return feed.C(), nil
}

// Publish runs the simulation and publishes every position to NATS.
func (s *Simulator) Publish(ctx context.Context, pub *publisher.NATS, subjectPattern, routeName string) error {
	subject := publisher.PositionSubject(subjectPattern, routeName, s.opts.VehicleID)
	log.Info().Str("subject", subject).Time("start", s.Start()).Time("end", s.End()).Msg("publishing simulated positions")
	return s.Run(ctx, func(p Position) error {
		return pub.PublishPosition(subject, publisher.PositionMessage{
			VehicleID: s.opts.VehicleID,
			RouteName: routeName,
			Timestamp: p.At,
			Lat:       p.Point.Lat,
			Lon:       p.Point.Lng,
			Accuracy:  5,
			Bearing:   p.Bearing,
			Progress:  p.Progress,
			SpeedMps:  p.SpeedMps,
		})
	})
}
