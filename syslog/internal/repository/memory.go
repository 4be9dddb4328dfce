package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// MemoryRepository implements Store in process memory. It backs
// storage.driver=memory and the tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	events   []*models.Event
	eventIDs map[string]struct{}
	sources  map[models.SourceKey]*models.Source
	filters  map[string]*models.Filter
	targets  map[string]*models.Target
	settings *models.BufferSettings
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		eventIDs: make(map[string]struct{}),
		sources:  make(map[models.SourceKey]*models.Source),
		filters:  make(map[string]*models.Filter),
		targets:  make(map[string]*models.Target),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *MemoryRepository) Close() error { return nil }

func cloneEvent(ev *models.Event) *models.Event {
	c := *ev
	if ev.Tags != nil {
		c.Tags = append([]string(nil), ev.Tags...)
	}
	return &c
}

func (r *MemoryRepository) InsertBatch(ctx context.Context, events []*models.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if _, dup := r.eventIDs[ev.ID]; dup {
			continue
		}
		r.eventIDs[ev.ID] = struct{}{}
		r.events = append(r.events, cloneEvent(ev))
	}
	return nil
}

// QueryRecent returns matching events newest first.
func (r *MemoryRepository) QueryRecent(ctx context.Context, q models.EventQuery) ([]*models.Event, error) {
	m, err := match.Compile(q.Criteria)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Event
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if q.Since != nil && ev.ReceivedAt.Before(*q.Since) {
			continue
		}
		if !m.Match(ev) {
			continue
		}
		out = append(out, cloneEvent(ev))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, exclude []string) (Deleted, error) {
	skip := toSet(exclude)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteWhere(func(ev *models.Event) bool {
		_, pinned := skip[ev.ID]
		return !pinned && ev.ReceivedAt.Before(cutoff)
	}), ctx.Err()
}

func (r *MemoryRepository) DeleteOldest(ctx context.Context, n int, exclude []string) (Deleted, error) {
	if n <= 0 {
		return Deleted{}, nil
	}
	skip := toSet(exclude)
	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*models.Event, 0, len(r.events))
	for _, ev := range r.events {
		if _, pinned := skip[ev.ID]; !pinned {
			ordered = append(ordered, ev)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ReceivedAt.Equal(ordered[j].ReceivedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})
	if len(ordered) > n {
		ordered = ordered[:n]
	}
	victims := make(map[string]struct{}, len(ordered))
	for _, ev := range ordered {
		victims[ev.ID] = struct{}{}
	}
	return r.deleteWhere(func(ev *models.Event) bool {
		_, ok := victims[ev.ID]
		return ok
	}), ctx.Err()
}

// deleteWhere must be called with r.mu held.
func (r *MemoryRepository) deleteWhere(drop func(*models.Event) bool) Deleted {
	var d Deleted
	kept := r.events[:0]
	for _, ev := range r.events {
		if drop(ev) {
			d.Count++
			d.Bytes += ev.StoredBytes()
			delete(r.eventIDs, ev.ID)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(r.events); i++ {
		r.events[i] = nil
	}
	r.events = kept
	return d
}

func (r *MemoryRepository) UsageBytes(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, ev := range r.events {
		total += ev.StoredBytes()
	}
	return total, ctx.Err()
}

// Len returns the number of stored events.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *MemoryRepository) UpsertObserved(ctx context.Context, obs []models.Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range obs {
		src, ok := r.sources[o.Key]
		if !ok {
			src = &models.Source{
				ID:        uuid.NewString(),
				Name:      discoveredName(o),
				IPAddress: o.Key.IP,
				Port:      o.Key.Port,
				Protocol:  o.Protocol,
				IsActive:  true,
				CreatedAt: time.Now().UTC(),
			}
			r.sources[o.Key] = src
		}
		src.EventsReceived += o.Count
		if o.Hostname != "" {
			src.Hostname = o.Hostname
		}
		if o.DeviceType != nil && src.DeviceType == nil {
			src.DeviceType = models.String(*o.DeviceType)
		}
		if src.LastEventAt == nil || o.LastEventAt.After(*src.LastEventAt) {
			at := o.LastEventAt
			src.LastEventAt = &at
		}
	}
	return ctx.Err()
}

func (r *MemoryRepository) UpsertSource(ctx context.Context, s *models.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := models.SourceKey{IP: s.IPAddress, Port: s.Port}
	if existing, ok := r.sources[key]; ok {
		existing.Name = s.Name
		existing.Protocol = s.Protocol
		existing.IsActive = s.IsActive
		if s.Hostname != "" {
			existing.Hostname = s.Hostname
		}
		if s.DeviceType != nil {
			existing.DeviceType = s.DeviceType
		}
		s.ID = existing.ID
		return ctx.Err()
	}
	c := *s
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.ID = c.ID
	r.sources[key] = &c
	return ctx.Err()
}

func (r *MemoryRepository) ListSources(ctx context.Context) ([]*models.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Source, 0, len(r.sources))
	for _, s := range r.sources {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IPAddress == out[j].IPAddress {
			return out[i].Port < out[j].Port
		}
		return out[i].IPAddress < out[j].IPAddress
	})
	return out, ctx.Err()
}

func (r *MemoryRepository) SourceStats(ctx context.Context) ([]models.SourceStats, error) {
	sources, err := r.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.SourceStats, 0, len(sources))
	for _, s := range sources {
		out = append(out, models.SourceStats{
			Name:           s.Name,
			IPAddress:      s.IPAddress,
			Port:           s.Port,
			EventsReceived: s.EventsReceived,
			LastEventAt:    s.LastEventAt,
		})
	}
	return out, nil
}

func (r *MemoryRepository) ListActiveFilters(ctx context.Context) ([]*models.Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Filter
	for _, f := range r.filters {
		if !f.IsActive {
			continue
		}
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, ctx.Err()
}

func (r *MemoryRepository) IncrementMatchCounts(ctx context.Context, deltas map[string]int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range deltas {
		for _, f := range r.filters {
			if f.ID == id {
				f.MatchCount += n
			}
		}
	}
	return ctx.Err()
}

// UpsertFilter inserts f or replaces the definition of the filter with the
// same name. The existing ID and match count are kept.
func (r *MemoryRepository) UpsertFilter(ctx context.Context, f *models.Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	c := *f
	if existing, ok := r.filters[f.Name]; ok {
		c.ID = existing.ID
		c.MatchCount = existing.MatchCount
		c.CreatedAt = existing.CreatedAt
	} else {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
	}
	c.UpdatedAt = now
	f.ID = c.ID
	r.filters[f.Name] = &c
	return ctx.Err()
}

// Filter returns the stored filter with the given name.
func (r *MemoryRepository) Filter(name string) (*models.Filter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.filters[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *f
	return &c, nil
}

func (r *MemoryRepository) ListActiveTargets(ctx context.Context) ([]*models.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Target
	for _, t := range r.targets {
		if !t.IsActive {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, ctx.Err()
}

func (r *MemoryRepository) UpdateTargetStats(ctx context.Context, id string, stats TargetStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.targets {
		if t.ID != id {
			continue
		}
		t.Status = stats.Status
		t.EventsForwarded += stats.ForwardedDelta
		if stats.LastErrorAt != nil {
			t.LastError = stats.LastError
			at := *stats.LastErrorAt
			t.LastErrorAt = &at
		}
		return ctx.Err()
	}
	return ErrNotFound
}

func (r *MemoryRepository) UpsertTarget(ctx context.Context, t *models.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *t
	if existing, ok := r.targets[t.Name]; ok {
		c.ID = existing.ID
		c.Status = existing.Status
		c.EventsForwarded = existing.EventsForwarded
		c.LastError = existing.LastError
		c.LastErrorAt = existing.LastErrorAt
	} else if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.TargetHealthy
	}
	t.ID = c.ID
	r.targets[t.Name] = &c
	return ctx.Err()
}

// Target returns the stored target with the given name.
func (r *MemoryRepository) Target(name string) (*models.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[name]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *MemoryRepository) GetBufferSettings(ctx context.Context) (models.BufferSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.settings == nil {
		return models.BufferSettings{}, ErrNotFound
	}
	return *r.settings, ctx.Err()
}

func (r *MemoryRepository) UpdateBufferSettings(ctx context.Context, s models.BufferSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	s.CurrentSizeGB, s.UsagePercent = 0, 0
	r.settings = &s
	return ctx.Err()
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func discoveredName(o models.Observation) string {
	if o.Hostname != "" {
		return o.Hostname
	}
	return o.Key.IP
}

var _ Store = (*MemoryRepository)(nil)
