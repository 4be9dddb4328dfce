package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

// DeadLetter receives events whose delivery was abandoned.
type DeadLetter interface {
	DeadLetter(ctx context.Context, ev *models.Event, target *models.Target, cause error) error
}

type DispatcherConfig struct {
	QueueSize     int
	DegradedAfter int
	FailedAfter   int
}

// TargetState is a point-in-time view of one target for the read API.
type TargetState struct {
	models.Target
	Queued              int `json:"queued"`
	ConsecutiveFailures int `json:"consecutive_failures"`
}

type job struct {
	ev   *models.Event
	done func()
}

type worker struct {
	target  atomic.Pointer[models.Target]
	matcher atomic.Pointer[match.Matcher]
	queue   chan job
	quit    chan struct{}

	mu          sync.Mutex
	status      models.TargetStatus
	consecutive int
	delta       int64
	lastErr     string
	lastErrAt   *time.Time

	// forwarded counts deliveries not yet reflected in target.EventsForwarded.
	forwarded int64
}

// Dispatcher fans forward candidates out to one bounded queue and worker per
// active target, so a slow target never holds up the others.
type Dispatcher struct {
	fwd     *Forwarder
	repo    repository.TargetRepository
	dlq     DeadLetter
	cfg     DispatcherConfig
	tracker *metrics.Tracker
	logger  *logging.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	order   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(fwd *Forwarder, repo repository.TargetRepository, cfg DispatcherConfig, dlq DeadLetter, tracker *metrics.Tracker, logger *logging.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 1
	}
	if cfg.FailedAfter < cfg.DegradedAfter {
		cfg.FailedAfter = cfg.DegradedAfter
	}
	if tracker == nil {
		tracker = metrics.NewTracker(0, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		fwd:     fwd,
		repo:    repo,
		dlq:     dlq,
		cfg:     cfg,
		tracker: tracker,
		logger:  logging.OrNop(logger).Component("dispatcher"),
		workers: make(map[string]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit queues ev for every active target whose criteria match. It never
// blocks: a full target queue drops the event for that target only. release
// runs once every matching target is done with ev. It returns false when no
// target matched, in which case release is not called.
func (d *Dispatcher) Submit(ev *models.Event, release func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matched []*worker
	for _, id := range d.order {
		w := d.workers[id]
		if w.matcher.Load().Match(ev) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		return false
	}

	var pending atomic.Int32
	pending.Store(int32(len(matched)))
	done := func() {
		if pending.Add(-1) == 0 && release != nil {
			release()
		}
	}

	for _, w := range matched {
		select {
		case w.queue <- job{ev: ev, done: done}:
		default:
			d.tracker.Forward(w.target.Load().Name, "queue_full")
			done()
		}
	}
	return true
}

// Reload syncs workers with the active targets in the repository and writes
// delivery stats back.
func (d *Dispatcher) Reload(ctx context.Context) error {
	qctx, cancel := database.QueryContext(ctx)
	targets, err := d.repo.ListActiveTargets(qctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	d.Apply(targets)
	return d.FlushStats(ctx)
}

// Apply replaces the set of targets. Workers of unchanged targets keep their
// queues; changed targets reconnect on next use.
func (d *Dispatcher) Apply(targets []*models.Target) {
	next := make(map[string]*models.Target, len(targets))
	var order []string
	for _, t := range targets {
		if !t.IsActive {
			continue
		}
		if err := t.Validate(); err != nil {
			d.logger.Warn("ignoring invalid target", logging.Target(t.Name), logging.Error(err))
			continue
		}
		m, err := match.Compile(t.Criteria)
		if err != nil {
			d.logger.Warn("ignoring target with invalid criteria", logging.Target(t.Name), logging.Error(err))
			continue
		}
		next[t.ID] = t
		order = append(order, t.ID)

		d.mu.Lock()
		w, ok := d.workers[t.ID]
		if !ok {
			w = d.startWorker(t, m)
			d.workers[t.ID] = w
			d.logger.Info("forward target added", logging.Target(t.Name), logging.Addr(t.Addr()))
		} else {
			if prev := w.target.Load(); !sameConfig(prev, t) {
				d.fwd.Drop(t.ID)
				d.logger.Info("forward target updated", logging.Target(t.Name), logging.Addr(t.Addr()))
			}
			w.target.Store(t)
			w.matcher.Store(m)
			// t.EventsForwarded now includes everything already flushed.
			w.mu.Lock()
			w.forwarded = w.delta
			w.mu.Unlock()
		}
		d.mu.Unlock()
	}

	d.mu.Lock()
	for id, w := range d.workers {
		if _, keep := next[id]; !keep {
			delete(d.workers, id)
			close(w.quit)
			d.fwd.Drop(id)
			d.logger.Info("forward target removed", logging.Target(w.target.Load().Name))
		}
	}
	d.order = order
	d.mu.Unlock()
}

func sameConfig(a, b *models.Target) bool {
	return a.Host == b.Host && a.Port == b.Port && a.Protocol == b.Protocol &&
		a.TLSEnabled == b.TLSEnabled && a.TLSVerify == b.TLSVerify &&
		a.CACertRef == b.CACertRef && a.Framing == b.Framing &&
		a.RetryCount == b.RetryCount && a.RetryDelay == b.RetryDelay &&
		reflect.DeepEqual(a.Criteria, b.Criteria)
}

// startWorker must be called with d.mu held.
func (d *Dispatcher) startWorker(t *models.Target, m *match.Matcher) *worker {
	w := &worker{
		queue:  make(chan job, d.cfg.QueueSize),
		quit:   make(chan struct{}),
		status: t.Status,
	}
	if w.status == "" {
		w.status = models.TargetHealthy
	}
	w.target.Store(t)
	w.matcher.Store(m)

	d.wg.Add(1)
	go d.runWorker(w)
	return w
}

func (d *Dispatcher) runWorker(w *worker) {
	defer d.wg.Done()
	for {
		select {
		case j := <-w.queue:
			d.deliver(w, j)
		case <-w.quit:
			d.drain(w)
			return
		case <-d.ctx.Done():
			d.drain(w)
			return
		}
	}
}

// drain delivers what is still queued until the dispatcher context ends,
// then releases the rest undelivered.
func (d *Dispatcher) drain(w *worker) {
	for {
		select {
		case j := <-w.queue:
			if d.ctx.Err() != nil {
				d.tracker.Forward(w.target.Load().Name, "discarded")
				j.done()
				continue
			}
			d.deliver(w, j)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(w *worker, j job) {
	defer j.done()
	target := w.target.Load()

	res := d.fwd.Forward(d.ctx, j.ev, target)
	if res.Delivered {
		d.tracker.Forward(target.Name, "delivered")
		d.recordSuccess(w, target)
		return
	}

	d.tracker.Forward(target.Name, "failed")
	d.recordFailure(w, target, res.Err)
	if d.dlq != nil {
		if err := d.dlq.DeadLetter(d.ctx, j.ev, target, res.Err); err != nil {
			d.logger.Warn("failed to dead-letter event", logging.Target(target.Name), logging.Error(err))
		}
	}
}

func (d *Dispatcher) recordSuccess(w *worker, target *models.Target) {
	w.mu.Lock()
	prev := w.status
	w.status = models.TargetHealthy
	w.consecutive = 0
	w.delta++
	w.forwarded++
	w.mu.Unlock()

	if prev != models.TargetHealthy {
		d.logger.Info("forward target recovered", logging.Target(target.Name))
	}
}

func (d *Dispatcher) recordFailure(w *worker, target *models.Target, err error) {
	now := time.Now().UTC()
	w.mu.Lock()
	prev := w.status
	w.consecutive++
	switch {
	case w.consecutive >= d.cfg.FailedAfter:
		w.status = models.TargetFailed
	case w.consecutive >= d.cfg.DegradedAfter:
		w.status = models.TargetDegraded
	}
	if err != nil {
		w.lastErr = err.Error()
	}
	w.lastErrAt = &now
	status, consecutive := w.status, w.consecutive
	w.mu.Unlock()

	if status == prev {
		return
	}
	attrs := []any{
		logging.Target(target.Name),
		slog.String("status", string(status)),
		slog.Int("consecutive_failures", consecutive),
		logging.Error(err),
	}
	if status == models.TargetFailed {
		d.logger.Error("forward target failed", attrs...)
	} else {
		d.logger.Warn("forward target degraded", attrs...)
	}
}

// FlushStats writes per-target status and forwarded counts to the
// repository. Deltas that fail to write are kept for the next flush.
func (d *Dispatcher) FlushStats(ctx context.Context) error {
	if d.repo == nil {
		return nil
	}
	d.mu.RLock()
	workers := make(map[string]*worker, len(d.workers))
	for id, w := range d.workers {
		workers[id] = w
	}
	d.mu.RUnlock()

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var firstErr error
	for id, w := range workers {
		w.mu.Lock()
		stats := repository.TargetStats{
			Status:         w.status,
			ForwardedDelta: w.delta,
			LastError:      w.lastErr,
			LastErrorAt:    w.lastErrAt,
		}
		w.delta = 0
		w.mu.Unlock()

		if err := d.repo.UpdateTargetStats(ctx, id, stats); err != nil {
			w.mu.Lock()
			w.delta += stats.ForwardedDelta
			w.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to update stats of target %s: %w", id, err)
			}
		}
	}
	return firstErr
}

// Targets returns the live state of every active target.
func (d *Dispatcher) Targets() []TargetState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]TargetState, 0, len(d.order))
	for _, id := range d.order {
		w := d.workers[id]
		t := *w.target.Load()
		w.mu.Lock()
		t.Status = w.status
		t.EventsForwarded += w.forwarded
		t.LastError = w.lastErr
		t.LastErrorAt = w.lastErrAt
		consecutive := w.consecutive
		w.mu.Unlock()
		out = append(out, TargetState{Target: t, Queued: len(w.queue), ConsecutiveFailures: consecutive})
	}
	return out
}

// Run reloads targets immediately and then every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Reload(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("target reload failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop lets workers deliver what is queued until ctx is done, then abandons
// the rest, closes connections and writes final stats.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	stopped := d.workers
	d.workers = make(map[string]*worker)
	d.order = nil
	for _, w := range stopped {
		close(w.quit)
	}
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		d.cancel()
		<-finished
	}
	d.cancel()
	_ = d.fwd.Close()

	for id, w := range stopped {
		d.flushFinal(id, w)
	}
}

func (d *Dispatcher) flushFinal(id string, w *worker) {
	if d.repo == nil {
		return
	}
	w.mu.Lock()
	stats := repository.TargetStats{Status: w.status, ForwardedDelta: w.delta, LastError: w.lastErr, LastErrorAt: w.lastErrAt}
	w.delta = 0
	w.mu.Unlock()

	ctx, cancel := database.WriteContext(context.Background())
	defer cancel()
	if err := d.repo.UpdateTargetStats(ctx, id, stats); err != nil {
		d.logger.Warn("failed to write final target stats", logging.Target(w.target.Load().Name), logging.Error(err))
	}
}
