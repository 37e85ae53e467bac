package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fastygo/taskboard/internal/config"
	pgInfra "github.com/fastygo/taskboard/internal/infrastructure/postgres"
)

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the remote postgres schema (DATABASE_URL, MIGRATIONS_PATH)",
	}
	cmd.AddCommand(
		schemaStep("up", "Apply pending migrations", (*pgInfra.Migrator).Up),
		schemaStep("down", "Revert the latest migration", (*pgInfra.Migrator).Down),
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *pgInfra.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
					return nil
				})
			},
		},
	)
	return cmd
}

func schemaStep(use, short string, step func(*pgInfra.Migrator) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(step)
		},
	}
}

func withMigrator(fn func(*pgInfra.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	m, err := pgInfra.NewMigrator(cfg, nil)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(m)
}
