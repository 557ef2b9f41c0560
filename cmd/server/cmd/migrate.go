package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/screensplit/server/internal/config"
	"github.com/screensplit/server/internal/storage/postgres"
)

var (
	migrateSteps int

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		Long: `Manage the application schema.

Examples:
  # Apply every pending migration and install the job queue tables
  screensplit migrate up

  # Roll back the most recent migration
  screensplit migrate down --steps 1

  # Show the applied version
  screensplit migrate status`,
	}

	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrationConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			pool, err := postgres.Connect(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer pool.Close()
			if err := postgres.MigrateRiver(ctx, pool); err != nil {
				return err
			}
			return printMigrationVersion(cmd, cfg)
		},
	}

	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrationConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(cfg.Database.URL, cfg.Database.MigrationsPath, migrateSteps); err != nil {
				return err
			}
			return printMigrationVersion(cmd, cfg)
		},
	}

	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := migrationConfig()
			if err != nil {
				return err
			}
			return printMigrationVersion(cmd, cfg)
		},
	}
)

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func migrationConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func printMigrationVersion(cmd *cobra.Command, cfg config.Config) error {
	version, dirty, err := postgres.MigrationVersion(cfg.Database.URL, cfg.Database.MigrationsPath)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty)\n", version)
		return fmt.Errorf("schema version %d is dirty; fix it manually before migrating again", version)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
	return nil
}
