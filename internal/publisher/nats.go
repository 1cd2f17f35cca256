package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATS wraps a connection used to publish positions and tracking status.
type NATS struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func Connect(url, name string, logSubjects bool, m PublisherMetrics) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATS{nc: nc, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATS) Conn() *nats.Conn { return p.nc }

func (p *NATS) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is a live position on the wire. Error is set instead of the
// coordinates when the device could not produce a fix.
type PositionMessage struct {
	VehicleID string    `json:"vehicleId"`
	RouteName string    `json:"routeName"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Bearing   float64   `json:"bearing"`
	Progress  float64   `json:"progress"`
	SpeedMps  float64   `json:"speedMps"`
	Error     string    `json:"error,omitempty"`
}

// PositionSubject builds <prefix>.<route>.<vehicle> from a subscription
// pattern such as "positions.>".
func PositionSubject(pattern, routeName, vehicleID string) string {
	prefix := strings.TrimSuffix(strings.TrimSuffix(pattern, ">"), ".")
	prefix = strings.TrimSuffix(strings.TrimSuffix(prefix, "*"), ".")
	if prefix == "" {
		prefix = "positions"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, SubjectToken(routeName), SubjectToken(vehicleID))
}

func (p *NATS) PublishPosition(subject string, msg PositionMessage) error {
	return p.PublishJSON(subject, msg)
}

func (p *NATS) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
