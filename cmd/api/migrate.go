package main

import (
	"authcore/internal/app"
	"authcore/internal/config"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}

	cmd.Println("Running migrations...")
	applied, err := app.Migrate(cmd.Context(), cfg)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}

	if len(applied) == 0 {
		cmd.Println("Database is up to date")
		return nil
	}
	for _, version := range applied {
		cmd.Printf("Applied %s\n", version)
	}
	return nil
}
