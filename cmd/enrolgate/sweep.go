package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/enrolgate/internal/config"
	"github.com/alecgard/enrolgate/internal/sched"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	Long: "Sends expiry notices and expires lapsed memberships once. " +
		"Suitable for cron when the server runs with --no-sweep.",
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	go a.dispatcher.Start(ctx)
	// Stop drains queued notices before the process exits.
	defer a.dispatcher.Stop()

	res, err := a.sweepWorker().RunOnce(ctx)
	if errors.Is(err, sched.ErrLockHeld) {
		slog.Info("another sweep is running, nothing to do")
		return nil
	}
	if res != nil {
		fmt.Printf("notices=%d expired=%d skipped=%d failed=%d\n", res.Notices, res.Expired, res.Skipped, res.Failed)
	}
	return err
}
