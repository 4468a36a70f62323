package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the core and read commands from standard input",
	Long: `Starts the monitor loop, the protected folder watcher and the metrics
endpoint, then submits each line of standard input as a command. End of input
or SIGINT/SIGTERM shuts down.`,
	Args: cobra.NoArgs,
	RunE: runGuardian,
}

func runGuardian(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	provider, err := telemetry.InitializeOpenTelemetry(ctx, &telemetry.Config{
		ServiceName:    "guardian",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  10 * time.Second,
		BatchTimeout:   5 * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown telemetry", zap.Error(err))
		}
	}()

	reg := metrics.NewRegistry()
	a, err := newApp(ctx, cfg, logger, reg, activity.RealClock{})
	if err != nil {
		logger.Error("failed to start guardian", zap.Error(err))
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}
	g.Go(func() error {
		defer cancel()
		return a.console(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
	})
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		mux.Handle("/", a.health.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics and health probes", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("guardian stopped", zap.Stringer("state", a.ctrl.State()))
	return err
}
