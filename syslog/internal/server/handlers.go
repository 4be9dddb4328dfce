// Package server exposes the read-only HTTP API of the syslog service.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/common/database"
	"github.com/telhawk-systems/telhawk-syslog/common/httputil"
	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/forwarder"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/match"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type EventReader interface {
	QueryRecent(ctx context.Context, q models.EventQuery) ([]*models.Event, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type SourceStatsReader interface {
	Stats(ctx context.Context) ([]models.SourceStats, error)
}

type BufferReader interface {
	BufferStatus(ctx context.Context) models.BufferSettings
}

type TargetReader interface {
	Targets() []forwarder.TargetState
}

// QueueReader reports the retention queue depth.
type QueueReader interface {
	Depth() int
}

// Deps are the components the API reads from. Nil readers answer 503.
type Deps struct {
	Events  EventReader
	Store   Pinger
	Sources SourceStatsReader
	Buffer  BufferReader
	Targets TargetReader
	Queue   QueueReader
	Metrics *metrics.Tracker
}

type Handlers struct {
	deps   Deps
	logger *logging.Logger
}

func NewHandlers(deps Deps, logger *logging.Logger) *Handlers {
	return &Handlers{deps: deps, logger: logging.OrNop(logger).Component("api")}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	ctx, cancel := database.QueryContext(r.Context())
	defer cancel()
	if err := h.deps.Store.Ping(ctx); err != nil {
		h.logger.WarnContext(ctx, "readiness check failed", logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Events serves GET /api/v1/events.
//
// severity and facility take comma separated codes. hostname is a substring,
// or a regular expression when prefixed with "re:". message is a regular
// expression, with or without the prefix. since is an RFC 3339 timestamp.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := database.QueryContext(r.Context())
	defer cancel()
	events, err := h.deps.Events.QueryRecent(ctx, q)
	if err != nil {
		h.logger.ErrorContext(ctx, "event query failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func parseEventQuery(r *http.Request) (models.EventQuery, error) {
	var q models.EventQuery
	var err error
	if q.Limit, err = httputil.QueryInt(r, "limit", defaultEventLimit, 1, maxEventLimit); err != nil {
		return q, err
	}
	if q.Criteria.Severities, err = httputil.QueryInts(r, "severity"); err != nil {
		return q, err
	}
	if q.Criteria.Facilities, err = httputil.QueryInts(r, "facility"); err != nil {
		return q, err
	}
	values := r.URL.Query()
	q.Criteria.Hostname = strings.TrimSpace(values.Get("hostname"))
	q.Criteria.Message = values.Get("message")
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return q, perr
		}
		q.Since = &since
	}
	if _, err := match.Compile(q.Criteria); err != nil {
		return q, err
	}
	return q, nil
}

func (h *Handlers) SourceStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sources == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "source tracking not configured")
		return
	}
	ctx, cancel := database.QueryContext(r.Context())
	defer cancel()
	stats, err := h.deps.Sources.Stats(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "source stats failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "source stats unavailable")
		return
	}
	if stats == nil {
		stats = []models.SourceStats{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"sources": stats})
}

func (h *Handlers) Buffer(w http.ResponseWriter, r *http.Request) {
	if h.deps.Buffer == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "retention not configured")
		return
	}
	ctx, cancel := database.QueryContext(r.Context())
	defer cancel()
	httputil.WriteJSON(w, http.StatusOK, h.deps.Buffer.BufferStatus(ctx))
}

func (h *Handlers) Targets(w http.ResponseWriter, r *http.Request) {
	if h.deps.Targets == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"targets": []forwarder.TargetState{}})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"targets": h.deps.Targets.Targets()})
}

func (h *Handlers) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "metrics not configured")
		return
	}
	body := map[string]any{
		"window": h.deps.Metrics.Snapshot(),
		"totals": h.deps.Metrics.Totals(),
	}
	if h.deps.Queue != nil {
		body["queue_depth"] = h.deps.Queue.Depth()
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}
