package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-syslog/syslog/internal/repository"
)

func newMigrateCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	run := func(name string, step func(string) (repository.MigrationResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Run %s migrations", name),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				res, err := step(cfg.Database.Postgres.ConnString())
				if err != nil {
					return err
				}
				if !res.Changed {
					fmt.Fprintf(cmd.OutOrStdout(), "no change, schema version %d\n", res.Version)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", res.Version, res.Dirty)
				return nil
			},
		}
	}

	cmd.AddCommand(
		run("up", repository.MigrateUp),
		run("down", repository.MigrateDown),
	)
	return cmd
}
