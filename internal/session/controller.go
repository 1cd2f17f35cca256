package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"bus-tracker/internal/geoloc"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/route"
	"bus-tracker/internal/status"
	"bus-tracker/internal/tracker"
)

var (
	ErrAlreadyTracking = errors.New("a tracking session is already running")
	ErrNotTracking     = errors.New("no tracking session is running")
	ErrEmptyQueue      = errors.New("route queue is empty")
)

type command struct {
	fn    func(context.Context, *Session) error
	reply chan error
	// readOnly commands are not followed by a publish
	readOnly bool
}

type run struct {
	session *Session
	cancel  context.CancelFunc
	cmds    chan command
	done    chan struct{}
	wg      conc.WaitGroup
}

// Controller owns at most one tracking session. Every read and write of the
// session state happens on the session's own goroutine; the exported
// methods hand work to it and wait for the reply.
type Controller struct {
	loader  RouteLoader
	pub     status.Publisher
	cfg     Config
	metrics *metrics.Collector

	mu     sync.Mutex
	active *run
}

func NewController(loader RouteLoader, pub status.Publisher, cfg Config, m *metrics.Collector) *Controller {
	cfg.defaults()
	return &Controller{loader: loader, pub: pub, cfg: cfg, metrics: m}
}

// Start loads the first route of queue and starts tracking it against src.
// The first route is validated before anything runs, so a bad schedule is
// returned here rather than published. The route is loaded without holding
// the controller lock.
func (c *Controller) Start(ctx context.Context, queue []string, src geoloc.Source) (string, error) {
	if len(queue) == 0 {
		return "", ErrEmptyQueue
	}
	if !c.idle() {
		return "", ErrAlreadyTracking
	}

	g, err := loadGraph(ctx, c.loader, c.cfg, queue[0])
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reapLocked() {
		return "", ErrAlreadyTracking
	}

	runCtx, cancel := context.WithCancel(context.Background())
	fixes, err := src.Subscribe(runCtx)
	if err != nil {
		cancel()
		return "", fmt.Errorf("subscribe to live position: %w", err)
	}

	s := &Session{
		id:      uuid.NewString(),
		queue:   append([]string(nil), queue...),
		cfg:     c.cfg,
		loader:  c.loader,
		pub:     c.pub,
		metrics: c.metrics,
		tracker: tracker.New(g, c.cfg.Tracker),
	}
	r := &run{session: s, cancel: cancel, cmds: make(chan command), done: make(chan struct{})}
	c.active = r
	r.wg.Go(func() { c.loop(runCtx, r, fixes) })

	log.Info().Str("session", s.id).Strs("queue", s.queue).Msg("tracking started")
	return s.id, nil
}

func (c *Controller) loop(ctx context.Context, r *run, fixes <-chan geoloc.Fix) {
	s := r.session
	defer close(r.done)
	if c.metrics != nil {
		c.metrics.ActiveSessions.Inc()
		defer c.metrics.ActiveSessions.Dec()
	}

	ticker := time.NewTicker(c.cfg.PublishInterval)
	defer ticker.Stop()

	// a panic here is an index or data integrity bug in one route; the
	// session ends with an error instead of taking the process down
	var pc panics.Catcher
	pc.Try(func() {
		s.estimate()
		s.publish(ctx)
		for !s.ended {
			select {
			case <-ctx.Done():
				return
			case fix, ok := <-fixes:
				if !ok {
					fixes = nil
					continue
				}
				s.onFix(ctx, fix)
			case cmd := <-r.cmds:
				// published before the reply so callers observe their own change
				err := cmd.fn(ctx, s)
				if !s.ended && !cmd.readOnly {
					s.publish(ctx)
				}
				cmd.reply <- err
				continue
			case <-ticker.C:
				if s.geoErr == nil {
					s.estimate()
				}
			}
			if !s.ended {
				s.publish(ctx)
			}
		}
	})
	if rec := pc.Recovered(); rec != nil {
		s.fail(fmt.Errorf("%w: %v", route.ErrDataIntegrity, rec.Value))
		log.Error().Str("session", s.id).Bytes("stack", rec.Stack).Msg("tracking loop panicked")
	}

	s.ended = true
	// the final status is written even when the caller already cancelled
	fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.publish(fctx)
	log.Info().Str("session", s.id).Msg("tracking stopped")
}

func (c *Controller) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reapLocked()
}

// reapLocked clears a run whose loop has exited and reports whether the slot
// is free. c.mu must be held.
func (c *Controller) reapLocked() bool {
	r := c.active
	if r == nil {
		return true
	}
	select {
	case <-r.done:
		r.wg.Wait()
		c.active = nil
		return true
	default:
		return false
	}
}

// Stop cancels the running session and waits for its goroutine to exit. The
// session keeps its slot until the final status is written, so a Start racing
// with Stop cannot be overwritten by it. No estimation runs after Stop returns.
func (c *Controller) Stop() error {
	r := c.current()
	if r == nil {
		return ErrNotTracking
	}
	r.cancel()
	r.wg.Wait()

	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
	return nil
}

// Done is closed when the current session ends. It is nil when no session
// was ever started.
func (c *Controller) Done() <-chan struct{} {
	if r := c.current(); r != nil {
		return r.done
	}
	return nil
}

func (c *Controller) do(ctx context.Context, fn func(context.Context, *Session) error) error {
	return c.send(ctx, command{fn: fn, reply: make(chan error, 1)})
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	r := c.current()
	if r == nil {
		return ErrNotTracking
	}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrNotTracking
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-r.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrNotTracking
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) SetManualOverride(ctx context.Context, on bool) error {
	return c.do(ctx, func(ctx context.Context, s *Session) error {
		return s.setManualOverride(ctx, on)
	})
}

func (c *Controller) Advance(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, s *Session) error { return s.advance(ctx) })
}

func (c *Controller) Retreat(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, s *Session) error { return s.retreat(ctx) })
}

// Push feeds a position sample or a geolocation error into the session as if
// it came from the live position source.
func (c *Controller) Push(ctx context.Context, fix geoloc.Fix) error {
	return c.do(ctx, func(ctx context.Context, s *Session) error {
		s.onFix(ctx, fix)
		return nil
	})
}

// Status returns the snapshot the session would publish now.
func (c *Controller) Status(ctx context.Context) (*status.TrackingStatus, error) {
	var st *status.TrackingStatus
	err := c.send(ctx, command{
		fn: func(_ context.Context, s *Session) error {
			st = s.Status(s.now())
			return nil
		},
		reply:    make(chan error, 1),
		readOnly: true,
	})
	return st, err
}
