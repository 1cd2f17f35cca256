package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"bus-tracker/internal/config"
	"bus-tracker/internal/db"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/route"
	"bus-tracker/internal/session"
	"bus-tracker/internal/status"
	"bus-tracker/internal/tracker"
)

// runtime holds what the subcommands share. Everything is opened on demand
// and released by close.
type runtime struct {
	cfg     *config.Config
	db      *db.DB
	nats    *publisher.NATS
	metrics *metrics.Collector
	closers []func()
}

// setup loads configuration and returns a context cancelled on SIGINT/SIGTERM.
func setup() (context.Context, context.CancelFunc, *runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config error: %w", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, &runtime{cfg: cfg}, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func (rt *runtime) openDB(ctx context.Context) (*db.DB, error) {
	if rt.db != nil {
		return rt.db, nil
	}
	dsn, err := db.WithDBName(rt.cfg.DatabaseURL, rt.cfg.RoutesDatabase)
	if err != nil {
		return nil, fmt.Errorf("compose DSN: %w", err)
	}
	d, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.Ping(ctx, d, 30*time.Second); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if err := d.EnsureSchema(ctx); err != nil {
		d.Close()
		return nil, err
	}
	rt.db = d
	rt.closers = append(rt.closers, func() { _ = d.Close() })
	return d, nil
}

// startMetrics serves /metrics when METRICS_ADDR is set.
func (rt *runtime) startMetrics() {
	if rt.cfg.MetricsAddr == "" || rt.metrics != nil {
		return
	}
	rt.metrics = metrics.NewCollector(rt.cfg.PublishInterval, rt.cfg.SpeedMultiplier)
	srv := rt.metrics.Serve(rt.cfg.MetricsAddr)
	rt.closers = append(rt.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
}

func (rt *runtime) connectNATS() (*publisher.NATS, error) {
	if rt.nats != nil {
		return rt.nats, nil
	}
	var pm publisher.PublisherMetrics
	if rt.metrics != nil {
		pm = rt.metrics
	}
	pub, err := publisher.Connect(rt.cfg.NATSURL, "bus-tracker", rt.cfg.LogNATSSubjects, pm)
	if err != nil {
		return nil, fmt.Errorf("nats error: %w", err)
	}
	rt.nats = pub
	rt.closers = append(rt.closers, pub.Close)
	return pub, nil
}

// statusStore opens the backend selected by STATUS_BACKEND.
func (rt *runtime) statusStore(ctx context.Context) (status.Store, error) {
	var store status.Store
	switch rt.cfg.StatusBackend {
	case "memory":
		store = status.NewMemoryStore()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     rt.cfg.RedisAddr,
			Password: rt.cfg.RedisPassword,
			DB:       rt.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping error: %w", err)
		}
		store = status.NewRedisStore(client, rt.cfg.StatusKey, 10*rt.cfg.StaleAfter)
	case "nats":
		pub, err := rt.connectNATS()
		if err != nil {
			return nil, err
		}
		s, err := status.NewNATSStore(pub, rt.cfg.NATSStatusSubject, rt.cfg.StatusKey)
		if err != nil {
			return nil, fmt.Errorf("subscribe to status: %w", err)
		}
		store = s
	default:
		d, err := rt.openDB(ctx)
		if err != nil {
			return nil, err
		}
		store = status.NewKVStore(d, rt.cfg.StatusKey)
	}
	log.Info().Str("backend", rt.cfg.StatusBackend).Str("key", rt.cfg.StatusKey).Msg("status store ready")
	rt.closers = append(rt.closers, func() { _ = store.Close() })
	return store, nil
}

func (rt *runtime) controller(d *db.DB, store status.Publisher) *session.Controller {
	return session.NewController(d, store, session.Config{
		Tracker: tracker.Config{
			GeofenceRadius:  rt.cfg.GeofenceRadius,
			ProximityRadius: rt.cfg.ProximityRadius,
		},
		PublishInterval: rt.cfg.PublishInterval,
		AutoCalculate:   rt.cfg.AutoCalculate,
		Location:        rt.cfg.Location,
	}, rt.metrics)
}

// graphs loads every named route resolved against today.
func (rt *runtime) graphs(ctx context.Context, d *db.DB, names []string) ([]*route.Graph, error) {
	day := route.Midnight(time.Now().In(rt.cfg.Location))
	legs := make([]*route.Graph, 0, len(names))
	for _, name := range names {
		r, err := d.LoadRoute(ctx, name, day)
		if err != nil {
			return nil, err
		}
		if rt.cfg.AutoCalculate {
			r.AutoCalculate = true
		}
		g, err := route.NewGraph(r)
		if err != nil {
			return nil, err
		}
		legs = append(legs, g)
	}
	return legs, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "vehicle"
	}
	return h
}
