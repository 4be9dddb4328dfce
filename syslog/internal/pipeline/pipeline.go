// Package pipeline connects the ingest stages and owns the service lifecycle.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/admission"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/parser"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/redact"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
)

// TagTruncated marks events whose payload was cut to the stored size.
const TagTruncated = "truncated"

// Appender accepts parsed events without blocking.
type Appender interface {
	Append(ev *models.Event) retention.StoreResult
}

// Pipeline runs admission, parsing and redaction inline on the listener
// goroutine and hands the event to the store.
type Pipeline struct {
	guard    *admission.Guard
	parser   *parser.Parser
	redactor *redact.Redactor
	store    Appender
	tracker  *metrics.Tracker
	logger   *logging.Logger
	parseLog rate.Sometimes
}

func New(guard *admission.Guard, p *parser.Parser, r *redact.Redactor, store Appender, tracker *metrics.Tracker, logger *logging.Logger) *Pipeline {
	if tracker == nil {
		tracker = metrics.NewTracker(0, nil)
	}
	return &Pipeline{
		guard:    guard,
		parser:   p,
		redactor: r,
		store:    store,
		tracker:  tracker,
		logger:   logging.OrNop(logger).Component("pipeline"),
		parseLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Handle processes one raw message. Rejections and failures are counted by
// the stage that caused them; nothing is returned to the sender.
func (p *Pipeline) Handle(ctx context.Context, raw []byte, origin admission.Origin) {
	p.tracker.Received(string(origin.Transport), len(raw))

	if reason := p.guard.Check(ctx, raw, origin); reason != admission.Accepted {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.tracker.Drop(metrics.ReasonParseError)
			p.parseLog.Do(func() {
				p.logger.Error("recovered from panic while processing message",
					logging.SourceIP(origin.IP.String()),
					logging.Transport(string(origin.Transport)),
					slog.Any("panic", r),
				)
			})
		}
	}()

	ev, err := p.parser.Parse(raw, parser.Meta{
		SourceIP:     origin.IP.String(),
		SourcePort:   origin.Port,
		ListenerPort: origin.ListenerPort,
		Transport:    origin.Transport,
	})
	if err != nil {
		p.tracker.Drop(metrics.ReasonParseError)
		p.parseLog.Do(func() {
			p.logger.Warn("dropping unparseable message",
				logging.SourceIP(origin.IP.String()),
				logging.Transport(string(origin.Transport)),
				logging.Error(err),
			)
		})
		return
	}

	res := p.redactor.Apply(ev.Message, ev.RawMessage)
	ev.Message = res.Message
	ev.RawMessage = res.Raw
	ev.Redacted = res.Redacted
	if res.Truncated {
		ev.AddTag(TagTruncated)
	}

	p.store.Append(ev)
}
