package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/common/middleware"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/forwarder"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

type stubEvents struct {
	got    models.EventQuery
	events []*models.Event
	err    error
}

func (s *stubEvents) QueryRecent(_ context.Context, q models.EventQuery) ([]*models.Event, error) {
	s.got = q
	return s.events, s.err
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubSources []models.SourceStats

func (s stubSources) Stats(context.Context) ([]models.SourceStats, error) { return s, nil }

type stubBuffer models.BufferSettings

func (s stubBuffer) BufferStatus(context.Context) models.BufferSettings { return models.BufferSettings(s) }

type stubTargets []forwarder.TargetState

func (s stubTargets) Targets() []forwarder.TargetState { return s }

func newTestRouter(deps Deps) http.Handler {
	return NewRouter(NewHandlers(deps, nil), []string{"http://localhost:3000"})
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(Deps{Store: stubPinger{}})
	for _, path := range []string{"/healthz", "/livez", "/readyz"} {
		rec := get(t, router, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	}

	down := newTestRouter(Deps{Store: stubPinger{err: errors.New("connection refused")}})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, down, "/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, newTestRouter(Deps{}), "/readyz").Code)
}

func TestEvents_QueryParameters(t *testing.T) {
	events := &stubEvents{events: []*models.Event{{ID: "e1", Message: "link down", Severity: models.Int(3)}}}
	router := newTestRouter(Deps{Events: events})

	rec := get(t, router, "/api/v1/events?severity=0,3&facility=4&hostname=core-sw&message=re:link%20(up|down)&limit=5000&since=2026-10-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int{0, 3}, events.got.Criteria.Severities)
	assert.Equal(t, []int{4}, events.got.Criteria.Facilities)
	assert.Equal(t, "core-sw", events.got.Criteria.Hostname)
	assert.Equal(t, "re:link (up|down)", events.got.Criteria.Message)
	assert.Equal(t, maxEventLimit, events.got.Limit)
	require.NotNil(t, events.got.Since)
	assert.True(t, events.got.Since.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)))

	var body struct {
		Count  int             `json:"count"`
		Events []*models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "e1", body.Events[0].ID)
}

func TestEvents_BadRequests(t *testing.T) {
	router := newTestRouter(Deps{Events: &stubEvents{}})
	for _, q := range []string{"limit=abc", "severity=high", "since=yesterday", "message=re:("} {
		rec := get(t, router, "/api/v1/events?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestEvents_EmptyAndErrors(t *testing.T) {
	router := newTestRouter(Deps{Events: &stubEvents{}})
	rec := get(t, router, "/api/v1/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[],"count":0}`, rec.Body.String())

	failing := newTestRouter(Deps{Events: &stubEvents{err: errors.New("boom")}})
	assert.Equal(t, http.StatusInternalServerError, get(t, failing, "/api/v1/events").Code)
}

func TestSourcesBufferTargets(t *testing.T) {
	router := newTestRouter(Deps{
		Sources: stubSources{{Name: "fw", IPAddress: "10.0.0.1", Port: 514, EventsReceived: 12}},
		Buffer:  stubBuffer{MaxSizeGB: 10, RetentionDays: 30, CleanupThresholdPercent: 80},
		Targets: stubTargets{{Target: models.Target{Name: "siem", Status: models.TargetDegraded}, Queued: 2}},
	})

	rec := get(t, router, "/api/v1/sources/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events_received":12`)

	rec = get(t, router, "/api/v1/buffer")
	require.Equal(t, http.StatusOK, rec.Code)
	var buf models.BufferSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &buf))
	assert.Equal(t, 30, buf.RetentionDays)

	rec = get(t, router, "/api/v1/targets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"queued":2`)
}

func TestMetrics(t *testing.T) {
	tracker := metrics.NewTracker(time.Minute, nil)
	tracker.Received("udp", 42)
	tracker.Drop(metrics.ReasonSize)
	router := newTestRouter(Deps{Metrics: tracker})

	rec := get(t, router, "/api/v1/metrics/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Window metrics.Summary `json:"window"`
		Totals metrics.Summary `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.Totals.Received)
	assert.Equal(t, int64(1), body.Window.Dropped[metrics.ReasonSize])

	rec = get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "syslog_")
}

func TestCORS(t *testing.T) {
	router := newTestRouter(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
