package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
)

func event(ip string, srcPort, listenerPort int, at time.Time) *models.Event {
	return &models.Event{
		SourceIP:     ip,
		SourcePort:   srcPort,
		ListenerPort: listenerPort,
		Transport:    models.TransportUDP,
		Hostname:     "fw-" + ip,
		ReceivedAt:   at,
	}
}

// flakyRepo fails UpsertObserved until fail is cleared.
type flakyRepo struct {
	*repository.MemoryRepository
	fail bool
}

func (f *flakyRepo) UpsertObserved(ctx context.Context, obs []models.Observation) error {
	if f.fail {
		return errors.New("database unavailable")
	}
	return f.MemoryRepository.UpsertObserved(ctx, obs)
}

func TestTracker_KeysByListenerPort(t *testing.T) {
	repo := repository.NewMemoryRepository()
	tr := NewTracker(repo, nil, time.Hour, nil)
	now := time.Now().UTC()

	// Ephemeral UDP source ports must not fragment one device.
	tr.Observe(context.Background(), []retention.Persisted{
		{Event: event("10.0.0.1", 40001, 514, now)},
		{Event: event("10.0.0.1", 40002, 514, now.Add(time.Second))},
		{Event: event("10.0.0.2", 40003, 514, now)},
	})
	assert.Equal(t, map[models.SourceKey]int64{
		{IP: "10.0.0.1", Port: 514}: 2,
		{IP: "10.0.0.2", Port: 514}: 1,
	}, tr.Pending())

	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, tr.Pending())

	stats, err := repo.SourceStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "fw-10.0.0.1", stats[0].Name)
	assert.Equal(t, int64(2), stats[0].EventsReceived)
	require.NotNil(t, stats[0].LastEventAt)
	assert.True(t, stats[0].LastEventAt.Equal(now.Add(time.Second)))
}

func TestTracker_MergesBackOnFailure(t *testing.T) {
	repo := &flakyRepo{MemoryRepository: repository.NewMemoryRepository(), fail: true}
	tr := NewTracker(repo, nil, time.Hour, nil)
	now := time.Now().UTC()

	tr.Record(event("10.0.0.1", 1, 514, now))
	tr.Record(event("10.0.0.1", 1, 514, now))
	require.Error(t, tr.Flush(context.Background()))

	tr.Record(event("10.0.0.1", 1, 514, now))
	assert.Equal(t, int64(3), tr.Pending()[models.SourceKey{IP: "10.0.0.1", Port: 514}])

	repo.fail = false
	require.NoError(t, tr.Flush(context.Background()))
	stats, err := repo.SourceStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(3), stats[0].EventsReceived)
}

func TestTracker_StatsIncludePending(t *testing.T) {
	repo := repository.NewMemoryRepository()
	tr := NewTracker(repo, nil, time.Hour, nil)
	now := time.Now().UTC()

	tr.Record(event("10.0.0.1", 1, 514, now))
	require.NoError(t, tr.Flush(context.Background()))
	tr.Record(event("10.0.0.1", 1, 514, now.Add(time.Minute)))
	tr.Record(event("10.0.0.9", 1, 6514, now))

	stats, err := tr.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(2), stats[0].EventsReceived)
	assert.True(t, stats[0].LastEventAt.Equal(now.Add(time.Minute)))
	assert.Equal(t, "10.0.0.9", stats[1].IPAddress)
	assert.Equal(t, 6514, stats[1].Port)
	assert.Equal(t, int64(1), stats[1].EventsReceived)
}

func TestTracker_StopFlushes(t *testing.T) {
	repo := repository.NewMemoryRepository()
	tr := NewTracker(repo, nil, time.Hour, nil)
	tr.Start()
	tr.Record(event("10.0.0.1", 1, 514, time.Now().UTC()))
	tr.Stop()

	sources, err := repo.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, int64(1), sources[0].EventsReceived)
	assert.True(t, sources[0].IsActive)
}

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	repo := repository.NewMemoryRepository()
	tr := NewTracker(repo, NewRedisMirror(client, "node-a"), time.Hour, nil)
	now := time.Now().UTC().Truncate(time.Millisecond)

	tr.Record(event("10.0.0.1", 1, 514, now))
	tr.Record(event("10.0.0.1", 1, 514, now))
	require.NoError(t, tr.Flush(context.Background()))

	// A second instance adds to the same hash.
	other := NewRedisMirror(client, "node-b")
	require.NoError(t, other.Write(context.Background(), []models.Observation{{
		Key: models.SourceKey{IP: "10.0.0.1", Port: 514}, Count: 5, LastEventAt: now,
	}}))

	stats, err := other.Stats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(7), stats[0].EventsReceived)
	assert.Equal(t, "fw-10.0.0.1", stats[0].Name)
	require.NotNil(t, stats[0].LastEventAt)
	assert.True(t, stats[0].LastEventAt.Equal(now))

	instances, err := other.Instances(context.Background(), models.SourceKey{IP: "10.0.0.1", Port: 514})
	require.NoError(t, err)
	assert.Contains(t, instances, "node-a")
	assert.Contains(t, instances, "node-b")
}
