package filter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

func seed(t *testing.T, repo *repository.MemoryRepository, filters ...*models.Filter) {
	t.Helper()
	for _, f := range filters {
		f.IsActive = true
		require.NoError(t, repo.UpsertFilter(context.Background(), f))
	}
}

func authEvent() *models.Event {
	return &models.Event{
		Severity:  models.Int(4),
		Facility:  models.Int(4),
		Hostname:  "bastion",
		Message:   "authentication failure for admin",
		EventType: models.String("authentication"),
	}
}

func TestEvaluate_TagAndForwardAccumulate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seed(t, repo,
		&models.Filter{Name: "auth", Action: models.ActionTag, Criteria: models.FilterCriteria{EventType: "authentication"}},
		&models.Filter{Name: "to-siem", Action: models.ActionForward, Criteria: models.FilterCriteria{Severities: []int{3, 4}}},
		&models.Filter{Name: "other-host", Action: models.ActionAlert, Criteria: models.FilterCriteria{Hostname: "core"}},
	)
	e := NewEngine(repo, nil, nil)
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, 3, e.Rules())

	res := e.Evaluate(authEvent())
	assert.False(t, res.Drop)
	assert.True(t, res.Forward)
	assert.False(t, res.Alert)
	assert.Equal(t, []string{"auth"}, res.Tags)
	assert.ElementsMatch(t, []string{"auth", "to-siem"}, res.Matched)
}

func TestEvaluate_DropWins(t *testing.T) {
	repo := repository.NewMemoryRepository()
	drop := &models.Filter{Name: "drop-bastion", Action: models.ActionDrop, Criteria: models.FilterCriteria{Hostname: "bastion"}}
	fwd := &models.Filter{Name: "fwd-all", Action: models.ActionForward}
	seed(t, repo, fwd, drop)

	tracker := metrics.NewTracker(0, nil)
	e := NewEngine(repo, tracker, nil)
	require.NoError(t, e.Refresh(context.Background()))

	res := e.Evaluate(authEvent())
	assert.True(t, res.Drop)
	assert.False(t, res.Forward, "drop suppresses forwarding")
	assert.Equal(t, []string{"drop-bastion"}, res.Matched)

	counts := e.PendingCounts()
	assert.Equal(t, int64(1), counts[drop.ID])
	assert.Zero(t, counts[fwd.ID], "non-drop rules are not counted when an event is dropped")

	res = e.Evaluate(&models.Event{Hostname: "web-1", Message: "GET /"})
	assert.False(t, res.Drop)
	assert.True(t, res.Forward)
}

func TestEvaluate_EmptyRulesetPassesThrough(t *testing.T) {
	e := NewEngine(repository.NewMemoryRepository(), nil, nil)
	res := e.Evaluate(authEvent())
	assert.Equal(t, Result{}, res)
}

func TestLoad_SkipsInvalid(t *testing.T) {
	e := NewEngine(repository.NewMemoryRepository(), nil, nil)
	err := e.Load([]*models.Filter{
		{ID: "1", Name: "ok", Action: models.ActionTag, IsActive: true},
		{ID: "2", Name: "bad-regex", Action: models.ActionTag, IsActive: true, Criteria: models.FilterCriteria{Message: "("}},
		{ID: "3", Name: "bad-action", Action: "explode", IsActive: true},
		{ID: "4", Name: "inactive", Action: models.ActionDrop},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, e.Rules())
}

func TestRefresh_PicksUpNewFilters(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	e := NewEngine(repo, nil, nil)
	require.NoError(t, e.Refresh(ctx))
	assert.False(t, e.Evaluate(authEvent()).Drop)

	seed(t, repo, &models.Filter{Name: "drop-all", Action: models.ActionDrop})
	require.NoError(t, e.Refresh(ctx))
	assert.True(t, e.Evaluate(authEvent()).Drop)
}

type failingRepo struct {
	repository.FilterRepository
	err error
}

func (f *failingRepo) ListActiveFilters(context.Context) ([]*models.Filter, error) {
	return nil, f.err
}

func (f *failingRepo) IncrementMatchCounts(context.Context, map[string]int64) error {
	return f.err
}

func TestRefresh_ErrorKeepsRules(t *testing.T) {
	repo := &failingRepo{err: errors.New("db down")}
	e := NewEngine(repo, nil, nil)
	require.NoError(t, e.Load([]*models.Filter{{ID: "x", Name: "drop", Action: models.ActionDrop, IsActive: true}}))
	assert.Error(t, e.Refresh(context.Background()))
	assert.Equal(t, 1, e.Rules())
}

func TestFlushCounts(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	f := &models.Filter{Name: "tag-all", Action: models.ActionTag}
	seed(t, repo, f)
	e := NewEngine(repo, nil, nil)
	require.NoError(t, e.Refresh(ctx))

	for i := 0; i < 3; i++ {
		e.Evaluate(authEvent())
	}
	require.NoError(t, e.FlushCounts(ctx))
	assert.Empty(t, e.PendingCounts())

	stored, err := repo.Filter("tag-all")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.MatchCount)
}

func TestFlushCounts_FailureMergesBack(t *testing.T) {
	repo := &failingRepo{err: errors.New("db down")}
	e := NewEngine(repo, nil, nil)
	require.NoError(t, e.Load([]*models.Filter{{ID: "t", Name: "tag", Action: models.ActionTag, IsActive: true}}))
	e.Evaluate(authEvent())
	e.Evaluate(authEvent())

	assert.Error(t, e.FlushCounts(context.Background()))
	assert.Equal(t, int64(2), e.PendingCounts()["t"])
}
