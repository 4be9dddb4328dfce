// Package admission decides, before any parsing, whether a raw message is
// processed at all: size cap, source allowlist, then global and per-source
// rate limits.
package admission

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/models"
)

// Accepted is the zero Reason.
const Accepted metrics.Reason = ""

const globalKey = "global"

// Origin is where a raw message came from.
type Origin struct {
	IP           netip.Addr
	Port         int
	ListenerPort int
	Transport    models.Transport
}

// String renders ip:port.
func (o Origin) String() string {
	return netip.AddrPortFrom(o.IP, uint16(o.Port)).String()
}

// Config configures a Guard. Nil limiters disable that check.
type Config struct {
	MaxMessageSize int
	Allowlist      *Allowlist
	Global         Limiter
	PerSource      Limiter
}

// Guard is safe for concurrent use. Its limiter state is shared by every
// listener goroutine that holds it.
type Guard struct {
	maxSize   int
	allow     *Allowlist
	global    Limiter
	perSource Limiter
	tracker   *metrics.Tracker
	logger    *logging.Logger
	errLog    rate.Sometimes
}

// NewGuard creates a Guard reporting rejections into tracker.
func NewGuard(cfg Config, tracker *metrics.Tracker, logger *logging.Logger) *Guard {
	g := &Guard{
		maxSize:   cfg.MaxMessageSize,
		allow:     cfg.Allowlist,
		global:    cfg.Global,
		perSource: cfg.PerSource,
		tracker:   tracker,
		logger:    logging.OrNop(logger).Component("admission"),
		errLog:    rate.Sometimes{Interval: 10 * time.Second},
	}
	if g.global == nil {
		g.global = NoOpLimiter{}
	}
	if g.perSource == nil {
		g.perSource = NoOpLimiter{}
	}
	return g
}

// Check returns Accepted or the rejection reason. Rejections are counted;
// nothing is logged per message.
func (g *Guard) Check(ctx context.Context, raw []byte, origin Origin) metrics.Reason {
	reason := g.check(ctx, raw, origin)
	if reason != Accepted && g.tracker != nil {
		g.tracker.Drop(reason)
	}
	return reason
}

func (g *Guard) check(ctx context.Context, raw []byte, origin Origin) metrics.Reason {
	if g.maxSize > 0 && len(raw) > g.maxSize {
		return metrics.ReasonSize
	}
	if !g.allow.Allows(origin.IP) {
		return metrics.ReasonSourceNotAllowed
	}
	if !g.admit(ctx, g.global, globalKey) {
		return metrics.ReasonRateGlobal
	}
	if !g.admit(ctx, g.perSource, origin.IP.Unmap().String()) {
		return metrics.ReasonRateSource
	}
	return Accepted
}

// admit fails open: a limiter backend outage must not stop ingestion.
func (g *Guard) admit(ctx context.Context, l Limiter, key string) bool {
	ok, err := l.Allow(ctx, key)
	if err != nil {
		g.errLog.Do(func() {
			g.logger.Warn("rate limiter unavailable, admitting", logging.Error(err))
		})
		return true
	}
	return ok
}

// MaxMessageSize is the configured size cap.
func (g *Guard) MaxMessageSize() int {
	return g.maxSize
}

// Close releases limiter resources.
func (g *Guard) Close() error {
	err := g.global.Close()
	if perr := g.perSource.Close(); err == nil {
		err = perr
	}
	return err
}

// Describe summarizes the guard's configuration for startup logging.
func (g *Guard) Describe() []any {
	return []any{
		"max_message_size", g.maxSize,
		"allowlist_entries", g.allow.Len(),
	}
}
