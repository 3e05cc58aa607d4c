package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:       "sweep <department-timeout|ai-reenable>",
	Short:     "Run one sweep iteration and exit",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"department-timeout", "ai-reenable"},
	RunE:      runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	// Replies triggered by a timed-out department choice must finish before exit.
	a.router.Spawn = func(f func()) { f() }

	var pass func(context.Context) (int, error)
	switch args[0] {
	case "department-timeout":
		pass = a.sweeper.DepartmentTimeoutSweep
	case "ai-reenable":
		pass = a.sweeper.AIReenableSweep
	default:
		return fmt.Errorf("unknown sweep %q", args[0])
	}
	n, err := pass(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep %s: %w", args[0], err)
	}
	logger.Info().Str("sweep", args[0]).Int("updated", n).Msg("sweep done")
	return nil
}
