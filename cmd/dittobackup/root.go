package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/marmos91/dittobackup/internal/logger"
	"github.com/marmos91/dittobackup/pkg/config"
	"github.com/spf13/cobra"
)

// skipConfig marks commands that run without loading the configuration.
const skipConfig = "skip-config"

// app carries the state shared by all commands of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
	metrics    *config.MetricsResult
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "dittobackup",
		Short:         "DittoBackup - versioned backup store",
		Long:          "dittobackup manages backup store accounts: creation, usage, listing, consistency checks and space reclaim.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return a.loadConfig()
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/dittobackup/config.yaml)")

	cmd.AddCommand(newCreateCmd(a))
	cmd.AddCommand(newInfoCmd(a))
	cmd.AddCommand(newLsCmd(a))
	cmd.AddCommand(newCheckCmd(a))
	cmd.AddCommand(newHousekeepCmd(a))
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// openBackend creates the shared stores. Metrics are initialized on first
// use; the caller closes the backend.
func (a *app) openBackend(ctx context.Context) (*config.Backend, error) {
	if a.metrics == nil {
		a.metrics = config.InitializeMetrics(a.cfg)
	}
	return config.InitializeBackend(ctx, a.cfg, a.metrics.Objects)
}

// parseAccountID accepts account IDs in hex, with or without a 0x prefix,
// the way they appear in logs.
func parseAccountID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid account ID %q: expected up to 8 hex digits", s)
	}
	return uint32(id), nil
}

// parseObjectID accepts object IDs in hex (0x prefix optional).
func parseObjectID(s string) (int64, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	id, err := strconv.ParseInt(s, 16, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid object ID %q", s)
	}
	return id, nil
}
