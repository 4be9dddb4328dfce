// Package alerts publishes persisted events to the message bus.
package alerts

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/common/messaging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/retention"
)

const publishTimeout = 2 * time.Second

type Config struct {
	// EventsSubject receives every persisted event when PublishEvents is set.
	EventsSubject string
	PublishEvents bool
	// AlertsPrefix is extended with the severity name.
	AlertsPrefix string
}

// Publisher sends persisted events to the bus. Events matched by an alert
// filter, and every event at severity error or worse, are also published
// as alerts. Publishing is best-effort.
type Publisher struct {
	pub    messaging.Publisher
	cfg    Config
	logger *logging.Logger
	errLog rate.Sometimes

	published atomic.Int64
	failed    atomic.Int64
}

func NewPublisher(pub messaging.Publisher, cfg Config, logger *logging.Logger) *Publisher {
	if pub == nil {
		pub = messaging.NopPublisher{}
	}
	if cfg.EventsSubject == "" {
		cfg.EventsSubject = messaging.SubjectSyslogEvents
	}
	if cfg.AlertsPrefix == "" {
		cfg.AlertsPrefix = messaging.SubjectSyslogAlerts
	}
	return &Publisher{
		pub:    pub,
		cfg:    cfg,
		logger: logging.OrNop(logger).Component("alerts"),
		errLog: rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
}

// Alert is the body of an alert message.
type Alert struct {
	Severity string        `json:"severity"`
	Facility string        `json:"facility"`
	Filters  []string      `json:"filters,omitempty"`
	Event    *models.Event `json:"event"`
}

// IsAlert reports whether a persisted event is published as an alert.
func IsAlert(p retention.Persisted) bool {
	if p.Result.Alert {
		return true
	}
	return p.Event.Severity != nil && *p.Event.Severity <= models.SeverityError
}

// Observe publishes a written batch.
func (p *Publisher) Observe(ctx context.Context, batch []retention.Persisted) {
	for _, item := range batch {
		if p.cfg.PublishEvents {
			p.publish(ctx, p.cfg.EventsSubject, item.Event)
		}
		if IsAlert(item) {
			p.publish(ctx, messaging.AlertSubject(p.cfg.AlertsPrefix, models.SeverityName(item.Event.Severity)), Alert{
				Severity: models.SeverityName(item.Event.Severity),
				Facility: models.FacilityName(item.Event.Facility),
				Filters:  item.Result.Matched,
				Event:    item.Event,
			})
		}
	}
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.fail(subject, err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.pub.Publish(pctx, subject, data); err != nil {
		p.fail(subject, err)
		return
	}
	p.published.Add(1)
}

func (p *Publisher) fail(subject string, err error) {
	p.failed.Add(1)
	p.errLog.Do(func() {
		p.logger.Error("failed to publish event", "subject", subject, logging.Error(err))
	})
}

// Stats returns lifetime publish counters.
func (p *Publisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}
