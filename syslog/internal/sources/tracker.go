// Package sources accumulates per-device counters off the write path and
// flushes them to the source repository in batches.
package sources

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
)

// Tracker accumulates source observations and flushes them periodically.
// Safe for concurrent use.
type Tracker struct {
	repo          repository.SourceRepository
	mirror        *RedisMirror
	flushInterval time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	pending map[models.SourceKey]*models.Observation

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. mirror may be nil.
func NewTracker(repo repository.SourceRepository, mirror *RedisMirror, flushInterval time.Duration, logger *logging.Logger) *Tracker {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		repo:          repo,
		mirror:        mirror,
		flushInterval: flushInterval,
		logger:        logging.OrNop(logger).Component("sources"),
		pending:       make(map[models.SourceKey]*models.Observation),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Observe records every persisted event of a batch.
func (t *Tracker) Observe(_ context.Context, batch []retention.Persisted) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range batch {
		t.recordLocked(p.Event)
	}
}

// Record adds one event to the pending deltas.
func (t *Tracker) Record(ev *models.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(ev)
}

func (t *Tracker) recordLocked(ev *models.Event) {
	key := models.SourceKey{IP: ev.SourceIP, Port: ev.ListenerPort}
	obs, ok := t.pending[key]
	if !ok {
		obs = &models.Observation{Key: key, Protocol: ev.Transport}
		t.pending[key] = obs
	}
	obs.Count++
	if ev.Hostname != "" {
		obs.Hostname = ev.Hostname
	}
	if ev.DeviceType != nil {
		obs.DeviceType = ev.DeviceType
	}
	if ev.ReceivedAt.After(obs.LastEventAt) {
		obs.LastEventAt = ev.ReceivedAt
	}
}

// Start launches the background flush loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.flushLoop()
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			_ = t.Flush(context.Background())
			return
		case <-ticker.C:
			_ = t.Flush(t.ctx)
		}
	}
}

// Flush writes all pending observations. Observations that fail to write
// are merged back for the next flush.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[models.SourceKey]*models.Observation)
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	obs := make([]models.Observation, 0, len(batch))
	var events int64
	for _, o := range batch {
		obs = append(obs, *o)
		events += o.Count
	}

	wctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if err := t.repo.UpsertObserved(wctx, obs); err != nil {
		t.logger.Error("failed to flush source stats",
			logging.Count(len(obs)),
			slog.Int64("events", events),
			logging.Error(err),
		)
		t.mergeBack(batch)
		return err
	}

	if t.mirror != nil {
		if err := t.mirror.Write(wctx, obs); err != nil {
			t.logger.Warn("failed to mirror source stats to redis", logging.Error(err))
		}
	}

	t.logger.Debug("flushed source stats", logging.Count(len(obs)), slog.Int64("events", events))
	return nil
}

func (t *Tracker) mergeBack(batch map[models.SourceKey]*models.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, o := range batch {
		existing, ok := t.pending[key]
		if !ok {
			t.pending[key] = o
			continue
		}
		existing.Count += o.Count
		if existing.Hostname == "" {
			existing.Hostname = o.Hostname
		}
		if existing.DeviceType == nil {
			existing.DeviceType = o.DeviceType
		}
		if o.LastEventAt.After(existing.LastEventAt) {
			existing.LastEventAt = o.LastEventAt
		}
	}
}

// Pending returns the unflushed count per source.
func (t *Tracker) Pending() map[models.SourceKey]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[models.SourceKey]int64, len(t.pending))
	for key, o := range t.pending {
		out[key] = o.Count
	}
	return out
}

// Stats returns per-source totals from the repository with unflushed
// observations folded in.
func (t *Tracker) Stats(ctx context.Context) ([]models.SourceStats, error) {
	qctx, cancel := database.QueryContext(ctx)
	defer cancel()
	stored, err := t.repo.SourceStats(qctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	pending := make(map[models.SourceKey]models.Observation, len(t.pending))
	for key, o := range t.pending {
		pending[key] = *o
	}
	t.mu.Unlock()

	for i := range stored {
		key := models.SourceKey{IP: stored[i].IPAddress, Port: stored[i].Port}
		o, ok := pending[key]
		if !ok {
			continue
		}
		delete(pending, key)
		stored[i].EventsReceived += o.Count
		if stored[i].LastEventAt == nil || o.LastEventAt.After(*stored[i].LastEventAt) {
			at := o.LastEventAt
			stored[i].LastEventAt = &at
		}
	}
	for _, o := range pending {
		at := o.LastEventAt
		name := o.Hostname
		if name == "" {
			name = o.Key.IP
		}
		stored = append(stored, models.SourceStats{
			Name:           name,
			IPAddress:      o.Key.IP,
			Port:           o.Key.Port,
			EventsReceived: o.Count,
			LastEventAt:    &at,
		})
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].IPAddress == stored[j].IPAddress {
			return stored[i].Port < stored[j].Port
		}
		return stored[i].IPAddress < stored[j].IPAddress
	})
	return stored, nil
}

// Stop ends the flush loop after a final flush.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}
