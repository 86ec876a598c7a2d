// Package throttle rate-limits how often inbound frame events reach the live view.
//
// A Throttle never queues. Each event is either applied now or dropped for good,
// so the view always shows the most recent accepted frame and intermediate frames
// are discarded when the service emits faster than the interval. An event is
// applied only when strictly more than one interval has passed since the last
// applied event.
package throttle

import (
	"sync"
	"time"

	"github.com/hubenschmidt/traffic-vision/client/internal/metrics"
)

// Default minimum intervals between applied events, per inbound source.
const (
	DefaultVideoInterval  = 50 * time.Millisecond  // ≤20 updates/sec
	DefaultCameraInterval = 100 * time.Millisecond // ≤10 updates/sec
)

// Source labels used for the two inbound streams.
const (
	SourceVideo  = "video"
	SourceCamera = "camera"
)

// Stats counts decisions since construction or the last Reset.
type Stats struct {
	Applied uint64 `json:"applied"`
	Dropped uint64 `json:"dropped"`
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// Throttle admits at most one event per interval.
// Safe for concurrent use.
type Throttle struct {
	source   string
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	hasLast bool
	stats   Stats
}

// New creates a throttle for source with the given minimum interval.
// A non-positive interval admits every event.
func New(source string, interval time.Duration, opts ...Option) *Throttle {
	t := &Throttle{
		source:   source,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allow reports whether the event arriving now should be applied.
// A false result means the event must be discarded, not deferred.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.interval <= 0 || !t.hasLast || now.Sub(t.last) > t.interval {
		t.last = now
		t.hasLast = true
		t.stats.Applied++
		metrics.FramesApplied.WithLabelValues(t.source).Inc()
		return true
	}
	t.stats.Dropped++
	metrics.FramesDropped.WithLabelValues(t.source).Inc()
	return false
}

// Reset forgets the last applied event so the next one is admitted immediately.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Time{}
	t.hasLast = false
	t.stats = Stats{}
}

// Stats returns a snapshot of the decision counters.
func (t *Throttle) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Interval returns the configured minimum interval.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Source returns the source label.
func (t *Throttle) Source() string { return t.source }
