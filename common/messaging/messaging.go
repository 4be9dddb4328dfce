// Package messaging provides abstractions for message broker communication.
// Services publish through Publisher so they are not coupled to a specific
// broker implementation.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends data to the subject. Fire-and-forget.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// PublishJSON marshals v and publishes it through p.
func PublishJSON(ctx context.Context, p Publisher, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, subject, data)
}

// NopPublisher discards everything. Used when the broker is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// Published is one message captured by a Recorder.
type Published struct {
	Subject string
	Data    []byte
}

// Recorder is an in-process Publisher that keeps every message. Tests and
// the memory storage mode use it in place of NATS.
type Recorder struct {
	mu       sync.Mutex
	messages []Published
	err      error
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent Publish calls return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.messages = append(r.messages, Published{Subject: subject, Data: cp})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Published, len(r.messages))
	copy(out, r.messages)
	return out
}

// Subjects returns the subjects published so far, in order.
func (r *Recorder) Subjects() []string {
	msgs := r.Messages()
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Subject
	}
	return out
}
