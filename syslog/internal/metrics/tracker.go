// Package metrics aggregates pipeline counters. A Tracker is the shared,
// synchronized state every stage reports into; it exposes Prometheus series
// and emits a periodic drop-reason summary to the log.
package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
)

// Reason names why a message was not persisted.
type Reason string

const (
	ReasonSize             Reason = "size"
	ReasonRateGlobal       Reason = "rate_global"
	ReasonRateSource       Reason = "rate_source"
	ReasonSourceNotAllowed Reason = "source_not_allowed"
	ReasonBackpressure     Reason = "backpressure"
	ReasonParseError       Reason = "parse_error"
	ReasonShutdown         Reason = "shutdown_discarded"
	ReasonStoreError       Reason = "store_error"
)

// DropReasons are the reasons reported in every periodic summary, in order.
var DropReasons = []Reason{
	ReasonSize,
	ReasonRateGlobal,
	ReasonRateSource,
	ReasonSourceNotAllowed,
	ReasonBackpressure,
	ReasonParseError,
	ReasonShutdown,
	ReasonStoreError,
}

// Summary is one reporting window, or the lifetime totals.
type Summary struct {
	Received  int64            `json:"received"`
	Persisted int64            `json:"persisted"`
	Filtered  int64            `json:"filtered"`
	Dropped   map[Reason]int64 `json:"dropped"`
	Since     time.Time        `json:"since"`
}

// TotalDropped sums every drop reason.
func (s Summary) TotalDropped() int64 {
	var n int64
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

type counters struct {
	received  atomic.Int64
	persisted atomic.Int64
	filtered  atomic.Int64
	drops     map[Reason]*atomic.Int64
	since     atomic.Int64
}

func newCounters(now time.Time) *counters {
	c := &counters{drops: make(map[Reason]*atomic.Int64, len(DropReasons))}
	for _, r := range DropReasons {
		c.drops[r] = &atomic.Int64{}
	}
	c.since.Store(now.UnixNano())
	return c
}

// Tracker is safe for concurrent use by every pipeline goroutine.
type Tracker struct {
	registry *prometheus.Registry
	prom     *collectors
	window   *counters
	total    *counters
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

// NewTracker creates a Tracker with its own Prometheus registry.
func NewTracker(interval time.Duration, logger *logging.Logger) *Tracker {
	if interval <= 0 {
		interval = time.Minute
	}
	reg := prometheus.NewRegistry()
	now := time.Now()
	return &Tracker{
		registry: reg,
		prom:     newCollectors(reg),
		window:   newCounters(now),
		total:    newCounters(now),
		interval: interval,
		logger:   logging.OrNop(logger).Component("metrics"),
		now:      time.Now,
	}
}

// Registry returns the registry for the /metrics handler.
func (t *Tracker) Registry() *prometheus.Registry {
	return t.registry
}

// Received counts a message read from the wire, before admission.
func (t *Tracker) Received(transport string, size int) {
	t.window.received.Add(1)
	t.total.received.Add(1)
	t.prom.received.WithLabelValues(transport).Inc()
	t.prom.receivedBytes.Add(float64(size))
}

// Drop counts a message discarded for reason.
func (t *Tracker) Drop(reason Reason) {
	t.DropN(reason, 1)
}

// DropN counts n messages discarded for reason.
func (t *Tracker) DropN(reason Reason, n int) {
	if n <= 0 {
		return
	}
	if c, ok := t.window.drops[reason]; ok {
		c.Add(int64(n))
		t.total.drops[reason].Add(int64(n))
	}
	t.prom.dropped.WithLabelValues(string(reason)).Add(float64(n))
}

// Persisted counts events written to the store.
func (t *Tracker) Persisted(n int) {
	t.window.persisted.Add(int64(n))
	t.total.persisted.Add(int64(n))
	t.prom.persisted.Add(float64(n))
}

// Filtered counts events suppressed by a drop filter.
func (t *Tracker) Filtered() {
	t.window.filtered.Add(1)
	t.total.filtered.Add(1)
	t.prom.filtered.Inc()
}

// StoreError counts a failed batch write.
func (t *Tracker) StoreError() {
	t.prom.storeErrors.Inc()
}

// ObserveWrite records the duration of a batch write.
func (t *Tracker) ObserveWrite(d time.Duration) {
	t.prom.writeDuration.Observe(d.Seconds())
}

// Forward records one delivery outcome for a target.
func (t *Tracker) Forward(target, result string) {
	t.prom.forwards.WithLabelValues(target, result).Inc()
}

// FilterMatch records a filter match by action.
func (t *Tracker) FilterMatch(action string) {
	t.prom.filterMatches.WithLabelValues(action).Inc()
}

// Evicted records events removed by retention.
func (t *Tracker) Evicted(cause string, n int64) {
	if n > 0 {
		t.prom.evicted.WithLabelValues(cause).Add(float64(n))
	}
}

// SetQueue publishes the write queue depth and capacity.
func (t *Tracker) SetQueue(depth, capacity int) {
	t.prom.queueDepth.Set(float64(depth))
	t.prom.queueCapacity.Set(float64(capacity))
}

// SetBufferUsage publishes the retention buffer payload size.
func (t *Tracker) SetBufferUsage(bytes int64) {
	t.prom.bufferUsage.Set(float64(bytes))
}

// Snapshot returns the current window without resetting it.
func (t *Tracker) Snapshot() Summary {
	return read(t.window, false)
}

// Totals returns lifetime counts.
func (t *Tracker) Totals() Summary {
	return read(t.total, false)
}

// Run emits a summary every interval until ctx is done. A final summary is
// emitted on the way out so shutdown drops are reported.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Emit()
			return
		case <-ticker.C:
			t.Emit()
		}
	}
}

// Emit logs the current window and resets it. Windows with drops are logged
// at WARN, quiet ones at DEBUG.
func (t *Tracker) Emit() Summary {
	s := read(t.window, true)
	t.window.since.Store(t.now().UnixNano())

	attrs := []any{
		slog.Int64("received", s.Received),
		slog.Int64("persisted", s.Persisted),
		slog.Int64("filtered", s.Filtered),
	}
	for _, r := range DropReasons {
		attrs = append(attrs, slog.Int64("dropped_"+string(r), s.Dropped[r]))
	}
	attrs = append(attrs, slog.Duration("window", t.now().Sub(s.Since)))

	if s.TotalDropped() > 0 {
		t.logger.Warn("syslog drop summary", attrs...)
	} else {
		t.logger.Debug("syslog drop summary", attrs...)
	}
	return s
}

func read(c *counters, reset bool) Summary {
	load := func(v *atomic.Int64) int64 {
		if reset {
			return v.Swap(0)
		}
		return v.Load()
	}
	s := Summary{
		Received:  load(&c.received),
		Persisted: load(&c.persisted),
		Filtered:  load(&c.filtered),
		Dropped:   make(map[Reason]int64, len(c.drops)),
		Since:     time.Unix(0, c.since.Load()).UTC(),
	}
	for r, v := range c.drops {
		s.Dropped[r] = load(v)
	}
	return s
}
