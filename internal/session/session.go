package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"bus-tracker/internal/estimate"
	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
	"bus-tracker/internal/status"
	"bus-tracker/internal/tracker"
)

// RouteLoader resolves a route name against a service day.
type RouteLoader interface {
	LoadRoute(ctx context.Context, name string, day time.Time) (route.Route, error)
}

type Config struct {
	Tracker         tracker.Config
	PublishInterval time.Duration
	// AutoCalculate forces intermediate auto-calculation on every loaded route.
	AutoCalculate bool
	Location      *time.Location
	Now           func() time.Time
}

func (c *Config) defaults() {
	if c.PublishInterval <= 0 {
		c.PublishInterval = 3 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Session is the state of one "start tracking" to "stop tracking" run over
// a queue of routes. It is owned by a single goroutine in Controller.
type Session struct {
	id      string
	queue   []string
	index   int
	cfg     Config
	loader  RouteLoader
	pub     status.Publisher
	metrics *metrics.Collector

	tracker *tracker.Tracker
	sample  estimate.Sample
	geoErr  *geoloc.Error
	ended   bool
	failure error
}

// loadGraph loads, validates and resolves one queued route.
func loadGraph(ctx context.Context, loader RouteLoader, cfg Config, name string) (*route.Graph, error) {
	day := route.Midnight(cfg.Now().In(cfg.Location))
	r, err := loader.LoadRoute(ctx, name, day)
	if err != nil {
		return nil, fmt.Errorf("load route %q: %w", name, err)
	}
	if cfg.AutoCalculate {
		r.AutoCalculate = true
	}
	return route.NewGraph(r)
}

func (s *Session) routeName() string { return s.queue[s.index] }

func (s *Session) now() time.Time { return s.cfg.Now().In(s.cfg.Location) }

// estimate recomputes the deviation from the last position. Before any
// position arrives the vehicle is taken to be at the origin.
func (s *Session) estimate() {
	if s.tracker == nil || s.ended {
		return
	}
	start := time.Now()
	pos, ok := s.tracker.LastPosition()
	if !ok {
		pos = s.tracker.Graph().Origin().Position
	}
	s.sample = estimate.Deviation(s.tracker.Graph(), s.tracker.Departed(), pos, s.now())
	if m := s.metrics; m != nil {
		m.TickDuration.Observe(time.Since(start).Seconds())
		m.Deviation.Set(s.sample.Deviation.Seconds())
		m.Progress.Set(s.sample.Progress)
		m.DepartedIndex.Set(float64(s.tracker.Departed()))
	}
}

func (s *Session) onFix(ctx context.Context, fix geoloc.Fix) {
	if s.ended {
		return
	}
	if fix.Err != nil {
		if s.geoErr == nil || s.geoErr.Reason != fix.Err.Reason {
			log.Warn().Str("session", s.id).Str("reason", string(fix.Err.Reason)).Msg(fix.Err.Error())
		}
		s.geoErr = fix.Err
		if s.metrics != nil {
			s.metrics.GeolocationErrors.WithLabelValues(string(fix.Err.Reason)).Inc()
		}
		return
	}
	if s.geoErr != nil {
		log.Info().Str("session", s.id).Msg("live position recovered")
	}
	s.geoErr = nil
	if s.metrics != nil {
		s.metrics.PositionSamples.Inc()
	}
	ev := s.tracker.OnPositionSample(fix.Sample.Position)
	s.handle(ctx, ev)
	s.estimate()
}

func (s *Session) handle(ctx context.Context, ev tracker.Event) {
	if ev == tracker.EventNone {
		return
	}
	log.Info().Str("session", s.id).Str("route", s.routeName()).Str("event", ev.String()).
		Int("departed", s.tracker.Departed()).Msg("tracker event")
	if ev == tracker.EventCompleted {
		s.nextLeg(ctx)
	}
}

// nextLeg moves to the next queued route, or ends the session after the last.
func (s *Session) nextLeg(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.LegCompletions.Inc()
	}
	if s.index+1 >= len(s.queue) {
		log.Info().Str("session", s.id).Str("route", s.routeName()).Msg("last leg completed")
		s.ended = true
		return
	}
	g, err := loadGraph(ctx, s.loader, s.cfg, s.queue[s.index+1])
	if err != nil {
		s.fail(err)
		return
	}
	prev := s.tracker
	s.index++
	s.tracker = tracker.New(g, s.cfg.Tracker)
	s.tracker.SetManualOverride(prev.ManualOverride())
	if pos, ok := prev.LastPosition(); ok {
		s.handle(ctx, s.tracker.OnPositionSample(pos))
	}
	log.Info().Str("session", s.id).Str("route", s.routeName()).Int("queue_index", s.index).Msg("next leg")
}

// fail ends the session because its data cannot be tracked.
func (s *Session) fail(err error) {
	log.Error().Err(err).Str("session", s.id).Msg("tracking stopped")
	s.failure = err
	s.ended = true
}

var errSessionEnded = errors.New("session ended")

func (s *Session) advance(ctx context.Context) error {
	if s.ended {
		return errSessionEnded
	}
	ev, err := s.tracker.Advance()
	if err != nil {
		return err
	}
	s.handle(ctx, ev)
	s.estimate()
	return nil
}

func (s *Session) retreat(ctx context.Context) error {
	if s.ended {
		return errSessionEnded
	}
	ev, err := s.tracker.Retreat()
	if err != nil {
		return err
	}
	s.handle(ctx, ev)
	s.estimate()
	return nil
}

func (s *Session) setManualOverride(ctx context.Context, on bool) error {
	if s.ended {
		return errSessionEnded
	}
	s.handle(ctx, s.tracker.SetManualOverride(on))
	s.estimate()
	return nil
}

// Status builds the published snapshot at now.
func (s *Session) Status(now time.Time) *status.TrackingStatus {
	st := &status.TrackingStatus{
		IsTracking:               !s.ended,
		RouteName:                s.routeName(),
		CurrentRouteIndexInQueue: s.index,
		TrackingQueueNames:       append([]string(nil), s.queue...),
		DeviationMillis:          s.sample.Millis(),
		ProgressFraction:         s.sample.Progress,
		LastUpdateTimeMillis:     now.UnixMilli(),
		SessionID:                s.id,
	}
	switch {
	case s.failure != nil:
		reason := s.failure.Error()
		st.HasError, st.ErrorReason = true, &reason
	case s.geoErr != nil:
		reason := string(s.geoErr.Reason)
		st.HasError, st.ErrorReason = true, &reason
	}
	if s.tracker != nil {
		st.DepartedIndex = s.tracker.Departed()
		st.HeadingToIndex = st.DepartedIndex + 1
		st.ManualOverride = s.tracker.ManualOverride()
		st.WaitingAtOrigin = s.tracker.WaitingAtOrigin()
		if pos, ok := s.tracker.LastPosition(); ok {
			st.LastKnownPosition = &pos
		}
		st.RouteStops = status.Flatten(s.tracker.Graph())
	}
	return st
}

func (s *Session) publish(ctx context.Context) {
	st := s.Status(s.now())
	start := time.Now()
	err := s.pub.Publish(ctx, st)
	if m := s.metrics; m != nil {
		m.PublishDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			m.StatusPublishErrs.Inc()
		} else {
			m.StatusPublishes.Inc()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("publish tracking status")
		return
	}
	log.Debug().Str("session", s.id).Str("route", st.RouteName).Int("departed", st.DepartedIndex).
		Dur("deviation", s.sample.Deviation).Bool("tracking", st.IsTracking).Msg("status published")
}
