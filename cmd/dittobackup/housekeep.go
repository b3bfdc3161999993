package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/config"
	"github.com/marmos91/dittobackup/pkg/housekeeping"
	"github.com/spf13/cobra"
)

func newHousekeepCmd(a *app) *cobra.Command {
	var daemon, dryRun bool

	cmd := &cobra.Command{
		Use:   "housekeep [account]",
		Short: "Reclaim space from old and deleted versions",
		Long: `Runs a housekeeping pass over one account, or over every account when
none is given. Accounts over their soft limit lose their oldest old and
deleted versions until they are back under it; empty deleted directories
are always removed.

With --daemon the worker keeps running and repeats the pass every
housekeeping.interval until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				a.cfg.Housekeeping.DryRun = true
			}

			ctx := context.Background()
			backend, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			worker := housekeeping.NewWorker(workerConfig(a.cfg, backend, a.metrics))

			if daemon {
				if len(args) > 0 {
					return fmt.Errorf("--daemon covers every account; do not name one")
				}
				return runDaemon(a.cfg, a.metrics, worker)
			}

			var all []*housekeeping.Stats
			if len(args) == 1 {
				accountID, err := parseAccountID(args[0])
				if err != nil {
					return err
				}
				stats, err := worker.RunAccount(ctx, accountID)
				if err != nil {
					if housekeeping.IsLocked(err) {
						return fmt.Errorf("account %08x is in use; try again later", accountID)
					}
					return err
				}
				all = append(all, stats)
			} else if all, err = worker.RunNow(ctx); err != nil {
				return err
			}

			for _, s := range all {
				fmt.Fprintln(cmd.OutOrStdout(), s.Summary())
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&daemon, "daemon", "d", false, "Keep running and repeat the pass periodically")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing anything")

	return cmd
}

func workerConfig(cfg *config.Config, backend *config.Backend, m *config.MetricsResult) housekeeping.Config {
	return housekeeping.Config{
		Enabled:    true,
		Interval:   cfg.Housekeeping.Interval,
		QueueSize:  cfg.Housekeeping.QueueSize,
		RetryDelay: cfg.Housekeeping.RetryDelay,
		DryRun:     cfg.Housekeeping.DryRun,
		Accounts:   backend.Accounts.ListAccounts,
		Open:       backend.OpenFileSystem,
		Metrics:    m.Housekeeping,
	}
}

// runDaemon runs the worker and the metrics endpoint until SIGINT or
// SIGTERM, then stops both within the shutdown timeout.
func runDaemon(cfg *config.Config, m *config.MetricsResult, worker *housekeeping.Worker) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsDone := make(chan error, 1)
	if m.Server != nil {
		go func() { metricsDone <- m.Server.Start(ctx) }()
	}

	worker.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Housekeeping daemon running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case runErr = <-metricsDone:
		logger.Error("Metrics server error: %v", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := worker.Stop(shutdownCtx); err != nil {
		logger.Error("Housekeeping shutdown error: %v", err)
	}
	cancel()
	if m.Server != nil && runErr == nil {
		if err := <-metricsDone; err != nil {
			logger.Error("Metrics server shutdown error: %v", err)
		}
	}

	logger.Info("Housekeeping daemon stopped")
	return runErr
}
