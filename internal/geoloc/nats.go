package geoloc

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/publisher"
)

// NATSSource reads position messages from a subject pattern. When vehicleID
// is set, messages for other vehicles are ignored.
type NATSSource struct {
	conn      *nats.Conn
	subject   string
	vehicleID string
}

func NewNATSSource(conn *nats.Conn, subject, vehicleID string) *NATSSource {
	return &NATSSource{conn: conn, subject: subject, vehicleID: vehicleID}
}

func (s *NATSSource) Subscribe(ctx context.Context) (<-chan Fix, error) {
	feed := NewFeed()
	sub, err := s.conn.Subscribe(s.subject, func(m *nats.Msg) {
		if fix, ok := s.decode(m.Data); ok {
			feed.Push(fix)
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.Debug().Err(err).Str("subject", s.subject).Msg("unsubscribe positions")
		}
		feed.Close()
	}()
	return feed.C(), nil
}

func (s *NATSSource) decode(data []byte) (Fix, bool) {
	var msg publisher.PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("subject", s.subject).Msg("dropping undecodable position")
		return Fix{}, false
	}
	if s.vehicleID != "" && msg.VehicleID != s.vehicleID {
		return Fix{}, false
	}
	if msg.Error != "" {
		return ErrorFix(ParseReason(msg.Error), msg.Error), true
	}
	return SampleFix(Sample{
		Position:  geo.Point{Lat: msg.Lat, Lng: msg.Lon},
		Accuracy:  msg.Accuracy,
		Speed:     msg.SpeedMps,
		Timestamp: msg.Timestamp,
	}), true
}
