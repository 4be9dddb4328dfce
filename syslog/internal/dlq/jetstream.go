// Package dlq records events the forwarder could not deliver.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/common/messaging"
	"github.com/telhawk-systems/telhawk-syslog/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// ReasonForwardFailed is the subject qualifier for abandoned deliveries.
const ReasonForwardFailed = "forward_failed"

// FailedEvent is the body of one dead-letter message.
type FailedEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	Reason     string        `json:"reason"`
	Error      string        `json:"error"`
	TargetID   string        `json:"target_id"`
	TargetName string        `json:"target_name"`
	TargetAddr string        `json:"target_addr"`
	Event      *models.Event `json:"event"`
}

// Publisher publishes to a JetStream subject and waits for the ack.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// JetStreamQueue writes failed deliveries to the SYSLOG_DLQ stream.
// Safe for use across multiple instances.
type JetStreamQueue struct {
	pub     Publisher
	stream  jetstream.Stream
	logger  *logging.Logger
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewJetStreamQueue ensures the DLQ stream exists and returns a queue
// publishing into it.
func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient, logger *logging.Logger) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}
	stream, err := js.CreateOrUpdateStream(ctx, nats.SyslogDLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}
	q := NewQueue(js, stream, logger)
	q.logger.Info("dlq stream ready", "stream", nats.SyslogDLQStream.Name)
	return q, nil
}

// NewQueue wraps an existing publisher. stream may be nil, in which case
// Stats reports local counters only.
func NewQueue(pub Publisher, stream jetstream.Stream, logger *logging.Logger) *JetStreamQueue {
	return &JetStreamQueue{
		pub:    pub,
		stream: stream,
		logger: logging.OrNop(logger).Component("dlq"),
	}
}

// DeadLetter publishes ev with the delivery error to syslog.dlq.forward_failed.
func (q *JetStreamQueue) DeadLetter(ctx context.Context, ev *models.Event, target *models.Target, cause error) error {
	if q == nil {
		return nil
	}
	failed := FailedEvent{
		Timestamp: time.Now().UTC(),
		Reason:    ReasonForwardFailed,
		Event:     ev,
	}
	if cause != nil {
		failed.Error = cause.Error()
	}
	if target != nil {
		failed.TargetID = target.ID
		failed.TargetName = target.Name
		failed.TargetAddr = target.Addr()
	}

	data, err := json.Marshal(failed)
	if err != nil {
		q.failed.Add(1)
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if _, err := q.pub.PublishSync(ctx, messaging.DLQSubject(ReasonForwardFailed), data); err != nil {
		q.failed.Add(1)
		return fmt.Errorf("publish dlq entry: %w", err)
	}
	q.written.Add(1)
	q.logger.Debug("dead-lettered event", logging.EventID(ev.ID), logging.Target(failed.TargetName))
	return nil
}

// Stats returns DLQ counters, and stream state when available.
func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
			"backend": "jetstream",
		}
	}
	out := map[string]interface{}{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": q.written.Load(),
		"failed_local":  q.failed.Load(),
	}
	if q.stream == nil {
		return out
	}
	info, err := q.stream.Info(ctx)
	if err != nil {
		out["error"] = err.Error()
		return out
	}
	out["total_messages"] = info.State.Msgs
	out["total_bytes"] = info.State.Bytes
	out["first_seq"] = info.State.FirstSeq
	out["last_seq"] = info.State.LastSeq
	out["consumer_count"] = info.State.Consumers
	return out
}
