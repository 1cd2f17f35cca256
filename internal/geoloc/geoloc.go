package geoloc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bus-tracker/internal/geo"
)

// Reason classifies a failed position acquisition.
type Reason string

const (
	PermissionDenied    Reason = "PermissionDenied"
	PositionUnavailable Reason = "PositionUnavailable"
	Timeout             Reason = "Timeout"
	Unknown             Reason = "Unknown"
)

// ParseReason maps free-form reasons onto the known set, case-insensitively.
// Anything unrecognized is Unknown.
func ParseReason(s string) Reason {
	switch strings.ToLower(strings.NewReplacer("_", "", " ", "", "-", "").Replace(strings.TrimSpace(s))) {
	case "permissiondenied":
		return PermissionDenied
	case "positionunavailable", "unavailable":
		return PositionUnavailable
	case "timeout":
		return Timeout
	}
	return Unknown
}

// Error is a geolocation failure reported by the device.
type Error struct {
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("geolocation: %s", e.Reason)
	}
	return fmt.Sprintf("geolocation: %s: %s", e.Reason, e.Message)
}

// Sample is one live position.
type Sample struct {
	Position  geo.Point
	Accuracy  float64
	Speed     float64
	Timestamp time.Time
}

// Fix is what a source delivers: either a sample or an error.
type Fix struct {
	Sample Sample
	Err    *Error
}

func SampleFix(s Sample) Fix { return Fix{Sample: s} }

func ErrorFix(reason Reason, msg string) Fix { return Fix{Err: &Error{Reason: reason, Message: msg}} }

// Source is an ongoing position subscription. The channel is closed when ctx
// is done or the source ends.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Fix, error)
}

// Feed delivers fixes to a single reader without buffering: a new fix
// replaces one the reader has not picked up yet.
type Feed struct {
	mu     sync.Mutex
	ch     chan Fix
	closed bool
}

func NewFeed() *Feed { return &Feed{ch: make(chan Fix, 1)} }

func (f *Feed) C() <-chan Fix { return f.ch }

// Push never blocks. It reports false once the feed is closed.
func (f *Feed) Push(fix Fix) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	for {
		select {
		case f.ch <- fix:
			return true
		default:
		}
		select {
		case <-f.ch:
		default:
		}
	}
}

func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.ch)
	}
}

// Subscribe makes a Feed usable as a Source. The feed outlives ctx so it can
// serve consecutive sessions.
func (f *Feed) Subscribe(context.Context) (<-chan Fix, error) { return f.ch, nil }
