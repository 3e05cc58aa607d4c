package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deskrelay/backend/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if strings.HasPrefix(cfg.DatabaseURL, memoryURL) {
		logger.Info().Msg("in-memory store, nothing to migrate")
		return nil
	}
	if err := db.MigrateUp(cfg.DatabaseURL, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("migrate up: ok")
	return nil
}
