package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions prometheus.Gauge

	Deviation     prometheus.Gauge // seconds, positive is early
	Progress      prometheus.Gauge
	DepartedIndex prometheus.Gauge

	PositionSamples   prometheus.Counter
	GeolocationErrors *prometheus.CounterVec // reason label
	LegCompletions    prometheus.Counter
	StatusPublishes   prometheus.Counter
	StatusPublishErrs prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	PublishInterval prometheus.Gauge // seconds
	SpeedMultiplier prometheus.Gauge
}

func NewCollector(publishInterval time.Duration, speedMultiplier float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_sessions",
			Help: "Number of running tracking sessions.",
		}),
		Deviation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_deviation_seconds",
			Help: "Latest schedule deviation in seconds. Positive means early.",
		}),
		Progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_progress_fraction",
			Help: "Progress between the bracketing timed stops.",
		}),
		DepartedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_departed_index",
			Help: "Index of the last point the vehicle passed, -1 before departure.",
		}),
		PositionSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_position_samples_total",
			Help: "Total live position samples processed.",
		}),
		GeolocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_geolocation_errors_total",
			Help: "Total live position errors by reason.",
		}, []string{"reason"}),
		LegCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_leg_completions_total",
			Help: "Total route legs completed.",
		}),
		StatusPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_status_published_total",
			Help: "Total tracking status writes.",
		}),
		StatusPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_status_publish_errors_total",
			Help: "Total failed tracking status writes.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_estimate_duration_seconds",
			Help:    "Duration of deviation estimation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to encode and write a status or position message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_publish_interval_seconds",
			Help: "Status re-publication interval in seconds.",
		}),
		SpeedMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_speed_multiplier",
			Help: "Simulator speed multiplier.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.Deviation, c.Progress, c.DepartedIndex,
		c.PositionSamples, c.GeolocationErrors, c.LegCompletions,
		c.StatusPublishes, c.StatusPublishErrs,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TickDuration, c.PublishDuration,
		c.PublishInterval, c.SpeedMultiplier,
	)

	c.PublishInterval.Set(publishInterval.Seconds())
	c.SpeedMultiplier.Set(speedMultiplier)

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}

// NATSPublishedInc and the methods below let a Collector be handed to the
// NATS publisher.
func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(b bool) {
	if b {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
