package repository

import (
	"context"
	"errors"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

var ErrNotFound = errors.New("not found")

// Deleted reports what an eviction statement removed.
type Deleted struct {
	Count int64
	Bytes int64
}

// EventRepository persists the retention buffer.
type EventRepository interface {
	InsertBatch(ctx context.Context, events []*models.Event) error
	QueryRecent(ctx context.Context, q models.EventQuery) ([]*models.Event, error)
	// DeleteOlderThan removes events received before cutoff, except exclude.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, exclude []string) (Deleted, error)
	// DeleteOldest removes up to n events in receivedAt order, except exclude.
	DeleteOldest(ctx context.Context, n int, exclude []string) (Deleted, error)
	// UsageBytes is the payload size currently held.
	UsageBytes(ctx context.Context) (int64, error)
}

// SourceRepository tracks known and auto-discovered devices.
type SourceRepository interface {
	// UpsertObserved registers unseen (ip, port) pairs and adds the observed
	// counts to known ones.
	UpsertObserved(ctx context.Context, obs []models.Observation) error
	UpsertSource(ctx context.Context, s *models.Source) error
	ListSources(ctx context.Context) ([]*models.Source, error)
	SourceStats(ctx context.Context) ([]models.SourceStats, error)
}

// FilterRepository holds routing and alerting rules.
type FilterRepository interface {
	ListActiveFilters(ctx context.Context) ([]*models.Filter, error)
	// IncrementMatchCounts adds deltas keyed by filter ID.
	IncrementMatchCounts(ctx context.Context, deltas map[string]int64) error
	UpsertFilter(ctx context.Context, f *models.Filter) error
}

// TargetStats is the delivery state written back by the forwarder.
type TargetStats struct {
	Status         models.TargetStatus
	ForwardedDelta int64
	LastError      string
	LastErrorAt    *time.Time
}

// TargetRepository holds forwarder destinations.
type TargetRepository interface {
	ListActiveTargets(ctx context.Context) ([]*models.Target, error)
	UpdateTargetStats(ctx context.Context, id string, stats TargetStats) error
	UpsertTarget(ctx context.Context, t *models.Target) error
}

// BufferSettingsRepository holds the singleton retention settings.
type BufferSettingsRepository interface {
	GetBufferSettings(ctx context.Context) (models.BufferSettings, error)
	UpdateBufferSettings(ctx context.Context, s models.BufferSettings) error
}

// Store is the full persistence surface of the syslog service.
type Store interface {
	EventRepository
	SourceRepository
	FilterRepository
	TargetRepository
	BufferSettingsRepository

	Ping(ctx context.Context) error
	Close() error
}

// EnsureBufferSettings stores defaults when no settings row exists yet and
// returns the effective settings.
func EnsureBufferSettings(ctx context.Context, repo BufferSettingsRepository, defaults models.BufferSettings) (models.BufferSettings, error) {
	current, err := repo.GetBufferSettings(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.BufferSettings{}, err
	}
	defaults.UpdatedAt = time.Now().UTC()
	if err := repo.UpdateBufferSettings(ctx, defaults); err != nil {
		return models.BufferSettings{}, err
	}
	return defaults, nil
}
