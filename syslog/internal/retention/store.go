// Package retention owns the asynchronous write path into the event store
// and the eviction policy that bounds it.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/filter"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

// StoreResult is the outcome of Append.
type StoreResult int

const (
	Queued StoreResult = iota
	Dropped
)

func (r StoreResult) String() string {
	if r == Queued {
		return "queued"
	}
	return "dropped"
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var ErrStopped = errors.New("store stopped")

// Evaluator decides what the filter rules do with an event.
type Evaluator interface {
	Evaluate(ev *models.Event) filter.Result
}

// Forwarder takes forward candidates. Submit must not block; release is
// called once delivery has finished, or immediately by the store when
// Submit returns false.
type Forwarder interface {
	Submit(ev *models.Event, release func()) bool
}

// Persisted is an event that was written, with the filter outcome that
// shaped it.
type Persisted struct {
	Event  *models.Event
	Result filter.Result
}

// Observer is notified of every written batch on the writer goroutine.
type Observer interface {
	Observe(ctx context.Context, batch []Persisted)
}

type Config struct {
	MaxBufferSize int
	BatchSize     int
	FlushInterval time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Store is the retention buffer front end. Append is non-blocking: when
// the write queue is full the event is dropped with reason backpressure.
// A single writer goroutine dequeues in order, runs the filter rules,
// batches inserts and hands persisted events on.
type Store struct {
	repo      repository.EventRepository
	cfg       Config
	eval      Evaluator
	forwarder Forwarder
	observers []Observer
	tracker   *metrics.Tracker
	logger    *logging.Logger
	pins      *Pins
	usage     *Usage
	horizon   func(context.Context) (time.Time, bool)

	queue chan *models.Event

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// discarded is written by the writer goroutine and read after done.
	discarded int64

	errLog rate.Sometimes
}

// Option configures a Store.
type Option func(*Store)

func WithEvaluator(e Evaluator) Option { return func(s *Store) { s.eval = e } }

func WithForwarder(f Forwarder) Option { return func(s *Store) { s.forwarder = f } }

func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

func WithTracker(t *metrics.Tracker) Option { return func(s *Store) { s.tracker = t } }

func WithLogger(l *logging.Logger) Option { return func(s *Store) { s.logger = l } }

// WithPins shares pin state with an Evictor.
func WithPins(p *Pins) Option { return func(s *Store) { s.pins = p } }

// WithUsage shares size accounting with an Evictor.
func WithUsage(u *Usage) Option { return func(s *Store) { s.usage = u } }

func NewStore(repo repository.EventRepository, cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		repo:   repo,
		cfg:    cfg,
		queue:  make(chan *models.Event, cfg.MaxBufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		errLog: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracker == nil {
		s.tracker = metrics.NewTracker(0, nil)
	}
	if s.pins == nil {
		s.pins = NewPins()
	}
	if s.usage == nil {
		s.usage = &Usage{}
	}
	s.logger = logging.OrNop(s.logger).Component("retention")
	return s
}

func (s *Store) Pins() *Pins { return s.pins }

func (s *Store) Usage() *Usage { return s.usage }

// Calibrate loads the current buffer usage from the repository.
func (s *Store) Calibrate(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	used, err := s.repo.UsageBytes(ctx)
	if err != nil {
		return fmt.Errorf("failed to read buffer usage: %w", err)
	}
	s.usage.Set(used)
	s.tracker.SetBufferUsage(used)
	return nil
}

// Start launches the writer goroutine.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.tracker.SetQueue(0, cap(s.queue))
	go s.run()
}

// Append enqueues ev for persistence.
func (s *Store) Append(ev *models.Event) StoreResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.tracker.Drop(metrics.ReasonShutdown)
		return Dropped
	}
	select {
	case s.queue <- ev:
		return Queued
	default:
		s.tracker.Drop(metrics.ReasonBackpressure)
		return Dropped
	}
}

// Depth is the number of queued, unwritten events.
func (s *Store) Depth() int {
	return len(s.queue)
}

// Stop closes intake and drains the queue within the shutdown grace period.
// Events still queued after the grace period are discarded and counted. It
// returns the number discarded.
func (s *Store) Stop(ctx context.Context) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return 0
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.mu.Unlock()

	if !started {
		n := s.discardQueue()
		close(s.done)
		return n
	}

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-s.done:
		s.logger.Info("retention store drained")
		return 0
	case <-grace.C:
	case <-ctx.Done():
	}

	s.cancel()
	<-s.done
	n := int(s.discarded)
	if n > 0 {
		s.logger.Warn("discarded queued events at shutdown", logging.Count(n))
	}
	return n
}

func (s *Store) run() {
	defer close(s.done)
	defer s.cancel()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Persisted, 0, s.cfg.BatchSize)
	for {
		select {
		case <-s.ctx.Done():
			s.discarded += int64(len(batch) + s.discardQueue())
			s.tracker.DropN(metrics.ReasonShutdown, len(batch))
			return
		case ev, ok := <-s.queue:
			if !ok {
				s.flush(batch)
				return
			}
			if p, keep := s.prepare(ev); keep {
				batch = append(batch, p)
			}
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = make([]Persisted, 0, s.cfg.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]Persisted, 0, s.cfg.BatchSize)
			}
			s.tracker.SetQueue(len(s.queue), cap(s.queue))
		}
	}
}

// discardQueue empties a closed queue and counts what it held.
func (s *Store) discardQueue() int {
	n := 0
	for range s.queue {
		n++
	}
	s.tracker.DropN(metrics.ReasonShutdown, n)
	return n
}

func (s *Store) prepare(ev *models.Event) (Persisted, bool) {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	var res filter.Result
	if s.eval != nil {
		res = s.eval.Evaluate(ev)
	}
	if res.Drop {
		s.tracker.Filtered()
		return Persisted{}, false
	}
	for _, tag := range res.Tags {
		ev.AddTag(tag)
	}
	return Persisted{Event: ev, Result: res}, true
}

func (s *Store) flush(batch []Persisted) {
	if len(batch) == 0 {
		return
	}

	events := make([]*models.Event, len(batch))
	releases := make([]func(), len(batch))
	var size int64
	for i, p := range batch {
		events[i] = p.Event
		size += p.Event.StoredBytes()
		if p.Result.Forward && s.forwarder != nil {
			releases[i] = s.pins.Pin(p.Event.ID)
		}
	}

	ctx, cancel := database.WriteContext(s.ctx)
	start := time.Now()
	err := s.repo.InsertBatch(ctx, events)
	cancel()
	s.tracker.ObserveWrite(time.Since(start))

	if err != nil {
		for _, release := range releases {
			if release != nil {
				release()
			}
		}
		s.tracker.StoreError()
		if s.ctx.Err() != nil {
			s.tracker.DropN(metrics.ReasonShutdown, len(batch))
			s.discarded += int64(len(batch))
			return
		}
		s.tracker.DropN(metrics.ReasonStoreError, len(batch))
		s.errLog.Do(func() {
			s.logger.Error("failed to persist event batch",
				logging.Count(len(batch)),
				logging.Error(err),
			)
		})
		return
	}

	s.tracker.Persisted(len(batch))
	s.tracker.SetBufferUsage(s.usage.Add(size))

	for i, release := range releases {
		if release == nil {
			continue
		}
		if !s.forwarder.Submit(batch[i].Event, release) {
			release()
		}
	}
	for _, o := range s.observers {
		o.Observe(s.ctx, batch)
	}
}

// QueryRecent returns matching events newest first. The limit defaults to
// DefaultQueryLimit and is capped at MaxQueryLimit. Once an Evictor is
// attached, events older than its retention window are not returned even
// before the next eviction pass.
func (s *Store) QueryRecent(ctx context.Context, q models.EventQuery) ([]*models.Event, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		q.Limit = MaxQueryLimit
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	if s.horizon != nil {
		if cutoff, ok := s.horizon(ctx); ok && (q.Since == nil || q.Since.Before(cutoff)) {
			q.Since = &cutoff
		}
	}
	return s.repo.QueryRecent(ctx, q)
}
