package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned by Read when nothing has been published yet.
var ErrNotFound = errors.New("tracking status not found")

type Publisher interface {
	Publish(ctx context.Context, s *TrackingStatus) error
}

type Consumer interface {
	Read(ctx context.Context) (*TrackingStatus, error)
}

// Store is a status backend both sides can share.
type Store interface {
	Publisher
	Consumer
	Close() error
}

func encode(s *TrackingStatus) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil tracking status")
	}
	return json.Marshal(s)
}

func decode(b []byte) (*TrackingStatus, error) {
	var s TrackingStatus
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MemoryStore keeps the last published status in process. Reads return an
// independent copy.
type MemoryStore struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Publish(_ context.Context, s *TrackingStatus) error {
	b, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Read(_ context.Context) (*TrackingStatus, error) {
	m.mu.RLock()
	b := m.data
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotFound
	}
	return decode(b)
}

func (m *MemoryStore) Close() error { return nil }

// KV is an opaque key-value table, such as the one in internal/db.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// KVStore publishes the status as a JSON record under a single key.
type KVStore struct {
	kv  KV
	key string
}

func NewKVStore(kv KV, key string) *KVStore { return &KVStore{kv: kv, key: key} }

func (s *KVStore) Publish(ctx context.Context, st *TrackingStatus) error {
	b, err := encode(st)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, s.key, b)
}

func (s *KVStore) Read(ctx context.Context) (*TrackingStatus, error) {
	b, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

// Close leaves the underlying table open; its owner closes it.
func (s *KVStore) Close() error { return nil }
