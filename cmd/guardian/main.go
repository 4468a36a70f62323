// Command guardian runs the security monitoring and lockdown core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian security monitoring and lockdown core",
	Long: `Guardian turns activity events into a risk assessment and an enforceable
lockdown state, and gates every spoken or typed command on that state.

Configuration is read from a YAML file (--config, default configs/guardian.yaml)
and GUARDIAN_ environment variables, e.g. GUARDIAN_LOCKDOWN_COOLDOWN_WINDOW=10m.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(runCmd, migrateCmd, hashPinCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return cfg, logger, nil
}
