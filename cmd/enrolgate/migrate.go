package main

import (
	"log/slog"

	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := db.MigrateUp(cfg.DatabaseURLForMigrate()); err != nil {
		return err
	}
	slog.Info("migrations applied successfully")
	return nil
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := db.MigrateDown(cfg.DatabaseURLForMigrate()); err != nil {
		return err
	}
	slog.Info("migrations rolled back successfully")
	return nil
}
