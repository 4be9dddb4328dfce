package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

// EvictionReport summarizes one eviction pass.
type EvictionReport struct {
	Expired    int64
	Evicted    int64
	FreedBytes int64
	UsageBytes int64
	Settings   models.BufferSettings
}

// Evictor enforces retentionDays and maxSizeGb on the event repository.
// Settings are read from the repository on each pass so edits take effect
// without a restart; defaults apply when none are stored.
type Evictor struct {
	events   repository.EventRepository
	settings repository.BufferSettingsRepository
	defaults models.BufferSettings
	pins     *Pins
	usage    *Usage
	batch    int
	tracker  *metrics.Tracker
	logger   *logging.Logger
	now      func() time.Time
}

func NewEvictor(
	events repository.EventRepository,
	settings repository.BufferSettingsRepository,
	defaults models.BufferSettings,
	store *Store,
	batch int,
) *Evictor {
	if batch <= 0 {
		batch = 5000
	}
	e := &Evictor{
		events:   events,
		settings: settings,
		defaults: defaults,
		pins:     store.Pins(),
		usage:    store.Usage(),
		batch:    batch,
		tracker:  store.tracker,
		logger:   store.logger.Component("evictor"),
		now:      time.Now,
	}
	store.horizon = e.Horizon
	return e
}

// Horizon returns the oldest receive time inside the retention window. It
// reports false when no window is configured.
func (e *Evictor) Horizon(ctx context.Context) (time.Time, bool) {
	return e.cutoff(e.Settings(ctx))
}

func (e *Evictor) cutoff(settings models.BufferSettings) (time.Time, bool) {
	if settings.RetentionDays <= 0 {
		return time.Time{}, false
	}
	return e.now().UTC().Add(-time.Duration(settings.RetentionDays) * 24 * time.Hour), true
}

// Settings returns the stored buffer settings, or the defaults.
func (e *Evictor) Settings(ctx context.Context) models.BufferSettings {
	if e.settings == nil {
		return e.defaults
	}
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	s, err := e.settings.GetBufferSettings(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("using default buffer settings", logging.Error(err))
		}
		return e.defaults
	}
	return s
}

// BufferStatus returns the effective settings with live usage.
func (e *Evictor) BufferStatus(ctx context.Context) models.BufferSettings {
	return e.Settings(ctx).WithUsage(e.usage.Load())
}

// Evict purges events older than the retention window, then removes the
// oldest events while usage is above the cleanup threshold. Pinned events
// are never removed.
func (e *Evictor) Evict(ctx context.Context) (EvictionReport, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	settings := e.Settings(ctx)
	report := EvictionReport{Settings: settings}

	if cutoff, ok := e.cutoff(settings); ok {
		d, err := e.events.DeleteOlderThan(ctx, cutoff, e.pins.IDs())
		if err != nil {
			return report, fmt.Errorf("failed to purge expired events: %w", err)
		}
		report.Expired = d.Count
		report.FreedBytes += d.Bytes
		e.tracker.Evicted("age", d.Count)
	}

	used, err := e.recalibrate(ctx)
	if err != nil {
		return report, err
	}

	threshold := settings.ThresholdBytes()
	if threshold > 0 && used > threshold {
		for used > threshold {
			d, err := e.events.DeleteOldest(ctx, e.batch, e.pins.IDs())
			if err != nil {
				return report, fmt.Errorf("failed to evict oldest events: %w", err)
			}
			if d.Count == 0 {
				break
			}
			report.Evicted += d.Count
			report.FreedBytes += d.Bytes
			e.tracker.Evicted("size", d.Count)
			used -= d.Bytes
		}
		if used, err = e.recalibrate(ctx); err != nil {
			return report, err
		}
	}

	report.UsageBytes = used
	report.Settings = settings.WithUsage(used)
	if report.Expired > 0 || report.Evicted > 0 {
		e.logger.Info("retention eviction",
			slog.Int64("expired", report.Expired),
			slog.Int64("evicted", report.Evicted),
			slog.Int64("freed_bytes", report.FreedBytes),
			slog.Float64("usage_percent", report.Settings.UsagePercent),
		)
	}
	return report, nil
}

func (e *Evictor) recalibrate(ctx context.Context) (int64, error) {
	used, err := e.events.UsageBytes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer usage: %w", err)
	}
	e.usage.Set(used)
	e.tracker.SetBufferUsage(used)
	return used, nil
}

// Run evicts once immediately and then every interval until ctx is done.
func (e *Evictor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Evict(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("eviction pass failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
