package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/loadgen"
)

func newLoadgenCmd() *cobra.Command {
	var (
		cfg    loadgen.Config
		format string
	)
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Send synthetic syslog traffic",
		Long: `Send randomly generated syslog messages to a receiver.

Examples:
  syslog loadgen --addr 127.0.0.1:514 --rate 500 --count 10000
  syslog loadgen --proto tcp --octet-counting --format rfc5424`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch f := loadgen.Format(format); f {
			case loadgen.FormatRFC3164, loadgen.FormatRFC5424, loadgen.FormatMixed:
				cfg.Format = f
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := loadgen.Run(ctx, cfg, logging.Default())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d messages (%d bytes) in %s\n", res.Sent, res.Bytes, res.Duration)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", "127.0.0.1:514", "receiver address")
	f.StringVar(&cfg.Protocol, "proto", "udp", "transport: udp or tcp")
	f.IntVar(&cfg.Rate, "rate", 100, "messages per second, 0 for unlimited")
	f.IntVar(&cfg.Count, "count", 1000, "messages to send, 0 to run until interrupted")
	f.StringVar(&format, "format", string(loadgen.FormatMixed), "rfc3164, rfc5424 or mixed")
	f.BoolVar(&cfg.OctetCounting, "octet-counting", false, "use octet-counted framing over tcp")
	f.Int64Var(&cfg.Seed, "seed", 0, "random seed, 0 for random")
	return cmd
}
