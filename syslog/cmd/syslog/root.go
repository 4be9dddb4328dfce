package main

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-syslog/common/logging"
	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/config"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "syslog",
		Short: "TelHawk syslog receiver",
		Long: `syslog receives RFC 3164 and RFC 5424 messages over UDP and TCP,
keeps a bounded retention buffer, applies routing filters and forwards
selected events to downstream collectors.`,
		Version:       version,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/syslog/config.yaml)")

	load := func() (*config.Config, *logging.Logger, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
			With(logging.Service("syslog"))
		logging.SetDefault(logger)
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMigrateCmd(load),
		newLoadgenCmd(),
		newVersionCmd(),
	)
	return root
}

type loadFunc func() (*config.Config, *logging.Logger, error)
