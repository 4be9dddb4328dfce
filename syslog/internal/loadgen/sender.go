package loadgen

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
)

type Config struct {
	Addr     string
	Protocol string // udp or tcp
	// Rate is messages per second; zero sends as fast as possible.
	Rate   int
	Count  int
	Format Format
	// OctetCounting frames TCP messages with a length prefix instead of LF.
	OctetCounting bool
	Seed          int64
}

type Result struct {
	Sent     int
	Bytes    int64
	Duration time.Duration
}

// Run sends cfg.Count messages, or until ctx is cancelled when Count is zero.
func Run(ctx context.Context, cfg Config, logger *logging.Logger) (Result, error) {
	logger = logging.OrNop(logger).Component("loadgen")
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Protocol != "udp" && cfg.Protocol != "tcp" {
		return Result{}, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, cfg.Protocol, cfg.Addr)
	if err != nil {
		return Result{}, fmt.Errorf("failed to connect to %s: %w", cfg.Addr, err)
	}
	defer conn.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Rate)
	}

	gen := NewGenerator(cfg.Format, cfg.Seed)
	start := time.Now()
	var res Result
	for cfg.Count <= 0 || res.Sent < cfg.Count {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		msg := gen.Message(time.Now())
		if cfg.Protocol == "tcp" {
			msg = frame(msg, cfg.OctetCounting)
		}
		n, err := conn.Write(msg)
		if err != nil {
			return res, fmt.Errorf("write failed after %d messages: %w", res.Sent, err)
		}
		res.Sent++
		res.Bytes += int64(n)
	}
	res.Duration = time.Since(start)
	logger.Info("load generation finished",
		logging.Count(res.Sent),
		logging.Duration(res.Duration),
		logging.Addr(cfg.Addr),
		logging.Transport(cfg.Protocol))
	return res, nil
}

func frame(msg []byte, octet bool) []byte {
	if octet {
		out := strconv.AppendInt(nil, int64(len(msg)), 10)
		out = append(out, ' ')
		return append(out, msg...)
	}
	return append(msg, '\n')
}
