// Package forwarder delivers selected events to external syslog receivers,
// typically a SIEM, over UDP, TCP or TLS.
package forwarder

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

var ErrTargetUnavailable = errors.New("target unavailable")

const (
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
)

// DeliveryResult is the outcome of one Forward call.
type DeliveryResult struct {
	Delivered bool
	Attempts  int
	Err       error
}

type Config struct {
	// TLSDefault makes cleartext targets log a warning on every use.
	TLSDefault   bool
	CAPool       *x509.CertPool
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// session is a cached connection to one target.
type session struct {
	mu   sync.Mutex
	key  string
	conn net.Conn
}

// Forwarder sends events and keeps one connection per target. It is safe for
// concurrent use; deliveries to the same target are serialized.
type Forwarder struct {
	cfg    Config
	logger *logging.Logger
	cas    caCache

	mu       sync.Mutex
	sessions map[string]*session
}

func New(cfg Config, logger *logging.Logger) *Forwarder {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Forwarder{
		cfg:      cfg,
		logger:   logging.OrNop(logger).Component("forwarder"),
		sessions: make(map[string]*session),
	}
}

// Forward delivers ev to target, retrying with exponential backoff from
// target.RetryDelay up to target.RetryCount extra attempts.
func (f *Forwarder) Forward(ctx context.Context, ev *models.Event, target *models.Target) DeliveryResult {
	if !target.UsesTLS() && f.cfg.TLSDefault {
		f.logger.Warn("forwarding in cleartext",
			logging.Target(target.Name),
			logging.Addr(target.Addr()),
			logging.Transport(string(target.Protocol)),
		)
	}

	payload := Frame(FormatRFC5424(ev), target.Protocol, target.Framing)
	sess := f.session(target)

	delay := target.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0

	retries := target.RetryCount
	if retries < 0 {
		retries = 0
	}

	var res DeliveryResult
	var lastErr error
	op := func() error {
		res.Attempts++
		err := f.send(ctx, sess, target, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		res.Err = fmt.Errorf("%w: %s after %d attempts: %v", ErrTargetUnavailable, target.Name, res.Attempts, lastErr)
		return res
	}
	res.Delivered = true
	return res
}

func sessionKey(t *models.Target) string {
	return fmt.Sprintf("%s|%s|%s|%t|%t|%s", t.ID, t.Protocol, t.Addr(), t.UsesTLS(), t.TLSVerify, t.CACertRef)
}

func (f *Forwarder) session(t *models.Target) *session {
	key := sessionKey(t)
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[t.ID]
	if ok && s.key == key {
		return s
	}
	if ok {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
	s = &session{key: key}
	f.sessions[t.ID] = s
	return s
}

func (s *session) closeLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (f *Forwarder) send(ctx context.Context, s *session, target *models.Target, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := f.dial(ctx, target)
		if err != nil {
			return err
		}
		s.conn = conn
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout)); err != nil {
		s.closeLocked()
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := s.conn.Write(payload); err != nil {
		s.closeLocked()
		return fmt.Errorf("failed to write to %s: %w", target.Addr(), err)
	}
	return nil
}

func (f *Forwarder) dial(ctx context.Context, target *models.Target) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: f.cfg.DialTimeout}

	if !target.UsesTLS() {
		network := "tcp"
		if target.Protocol == models.TransportUDP {
			network = "udp"
		}
		conn, err := dialer.DialContext(ctx, network, target.Addr())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", target.Addr(), err)
		}
		return conn, nil
	}

	roots := f.cfg.CAPool
	if target.CACertRef != "" {
		pool, err := f.cas.get(target.CACertRef)
		if err != nil {
			return nil, err
		}
		roots = pool
	}
	if !target.TLSVerify {
		f.logger.Warn("tls verification disabled", logging.Target(target.Name), logging.Addr(target.Addr()))
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    clientTLSConfig(target.Host, roots, target.TLSVerify),
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to establish tls to %s: %w", target.Addr(), err)
	}
	return conn, nil
}

// Drop closes and forgets the connection to a target.
func (f *Forwarder) Drop(targetID string) {
	f.mu.Lock()
	s, ok := f.sessions[targetID]
	delete(f.sessions, targetID)
	f.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
}

// Close closes every cached connection.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = make(map[string]*session)
	f.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
	}
	return nil
}
