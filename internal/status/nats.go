package status

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"bus-tracker/internal/publisher"
)

// NATSStore publishes the status on a subject and remembers the last status
// seen on it, so the same value can serve both sides.
type NATSStore struct {
	pub     *publisher.NATS
	subject string
	sub     *nats.Subscription
	latest  MemoryStore
}

// StatusSubject is <base>.<key>.
func StatusSubject(base, key string) string {
	return base + "." + publisher.SubjectToken(key)
}

func NewNATSStore(pub *publisher.NATS, base, key string) (*NATSStore, error) {
	s := &NATSStore{pub: pub, subject: StatusSubject(base, key)}
	sub, err := pub.Conn().Subscribe(s.subject, func(m *nats.Msg) { s.handle(m.Data) })
	if err != nil {
		return nil, err
	}
	s.sub = sub
	return s, nil
}

func (s *NATSStore) handle(data []byte) {
	st, err := decode(data)
	if err != nil {
		log.Warn().Err(err).Str("subject", s.subject).Msg("dropping undecodable status")
		return
	}
	_ = s.latest.Publish(context.Background(), st)
}

func (s *NATSStore) Publish(_ context.Context, st *TrackingStatus) error {
	if _, err := encode(st); err != nil {
		return err
	}
	if err := s.pub.PublishJSON(s.subject, st); err != nil {
		return err
	}
	// keep our own write visible even before the subscription delivers it
	return s.latest.Publish(context.Background(), st)
}

func (s *NATSStore) Read(ctx context.Context) (*TrackingStatus, error) {
	return s.latest.Read(ctx)
}

func (s *NATSStore) Close() error {
	if s.sub != nil {
		return s.sub.Unsubscribe()
	}
	return nil
}
