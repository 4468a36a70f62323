package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/guardian-core/internal/api/health"
	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/infrastructure/cache"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
	"github.com/davidleathers/guardian-core/internal/infrastructure/database"
	"github.com/davidleathers/guardian-core/internal/infrastructure/identity"
	"github.com/davidleathers/guardian-core/internal/infrastructure/sink"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
	"github.com/davidleathers/guardian-core/internal/infrastructure/watch"
	"github.com/davidleathers/guardian-core/internal/metrics"
	"github.com/davidleathers/guardian-core/internal/service/activitylog"
	"github.com/davidleathers/guardian-core/internal/service/analyzer"
	"github.com/davidleathers/guardian-core/internal/service/auth"
	"github.com/davidleathers/guardian-core/internal/service/lockdown"
	"github.com/davidleathers/guardian-core/internal/service/monitor"
	"github.com/davidleathers/guardian-core/internal/service/pipeline"
	"github.com/davidleathers/guardian-core/internal/service/predictor"
)

// app is the fully wired core
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Registry
	clock   activity.Clock

	log      *activitylog.Log
	ctrl     *lockdown.Controller
	monitor  *monitor.Monitor
	pipeline *pipeline.Pipeline
	health   *health.Service
	// watcher is nil when no protected paths are configured
	watcher *watch.FolderWatcher

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Registry, clock activity.Clock) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, metrics: m, clock: clock}
	a.health = health.NewService(health.Config{Service: "guardian", Version: cfg.Version}, clock, logger)
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, err := identity.NewPINStore(cfg.Auth.Subject, cfg.Auth.PINHash, cfg.Auth.SecondaryHash)
	if err != nil {
		return nil, errors.NewConfigurationError("identity store").WithCause(err)
	}

	sk, err := a.openSink(ctx)
	if err != nil {
		return nil, err
	}
	a.log, err = activitylog.Open(ctx, sk, activitylog.Options{
		Retain:  cfg.Storage.Retain,
		Clock:   clock,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	a.ctrl, err = lockdown.NewController(lockdown.ConfigFrom(cfg.Lockdown), a.log, clock, logger, m)
	if err != nil {
		return nil, err
	}
	a.health.Register("lockdown", health.LockdownChecker(a.ctrl, a.log))

	acfg, err := analyzer.ConfigFrom(cfg.Analyzer)
	if err != nil {
		return nil, err
	}
	an, err := analyzer.New(acfg)
	if err != nil {
		return nil, err
	}
	scorer, err := predictor.NewRuleScorer(cfg.Predictor, clock)
	if err != nil {
		return nil, err
	}
	a.monitor, err = monitor.New(monitor.Options{
		Log:          a.log,
		Controller:   a.ctrl,
		Analyzer:     an,
		Scorer:       scorer,
		HistorySize:  cfg.Predictor.HistorySize,
		IngestBuffer: cfg.Monitor.IngestBuffer,
		TickInterval: cfg.Monitor.TickInterval,
		Clock:        clock,
		Logger:       logger,
		Metrics:      m,
		Tracer:       telemetry.NewTracer("guardian/monitor"),
	})
	if err != nil {
		return nil, err
	}

	if paths := cfg.Monitor.ProtectedPaths; len(paths) > 0 {
		var limit rate.Limit
		if n := cfg.Monitor.WatchReportsPerMinute; n > 0 {
			limit = rate.Every(time.Minute / time.Duration(n))
		}
		a.watcher, err = watch.NewFolderWatcher(a.monitor, watch.Options{
			Paths:    paths,
			Debounce: cfg.Monitor.WatchDebounce,
			Limit:    limit,
			Burst:    cfg.Monitor.WatchReportsPerMinute,
			Clock:    clock,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
	}

	limiter, err := a.newLimiter()
	if err != nil {
		return nil, err
	}
	gate, err := auth.NewGate(store, limiter, a.monitor, cfg.Auth.VerifyTimeout, clock, logger, m)
	if err != nil {
		return nil, err
	}

	recoveryMethod := credential.MethodPIN
	if store.Enrolled(credential.MethodSecondary) {
		recoveryMethod = credential.MethodSecondary
	}
	engine := pipeline.NewAutomationEngine(newConsoleActions(clock, logger), a.monitor, cfg.Automation.ActionTimeout, clock, logger, m)
	a.pipeline, err = pipeline.New(pipeline.Options{
		Parser:         pipeline.NewParser(cfg.Pipeline.MinInputConfidence),
		Controller:     a.ctrl,
		Verifier:       gate,
		Executor:       engine,
		Recorder:       a.monitor,
		Subject:        cfg.Auth.Subject,
		RecoveryMethod: recoveryMethod,
		Logger:         logger,
		Metrics:        m,
		Tracer:         telemetry.NewTracer("guardian/pipeline"),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("guardian core ready",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("limiter", cfg.Auth.Limiter),
		zap.Uint64("last_sequence", a.log.LastSequence()),
		zap.Stringer("state", a.ctrl.State()))
	return a, nil
}

func (a *app) openSink(ctx context.Context) (activitylog.Sink, error) {
	switch a.cfg.Storage.Driver {
	case "file":
		fs, err := sink.OpenFileSink(a.cfg.Storage.FilePath, a.logger)
		if err != nil {
			return nil, errors.NewStorageError("open activity file").WithCause(err)
		}
		a.closers = append(a.closers, func() {
			if err := fs.Close(); err != nil {
				a.logger.Warn("failed to close activity file", zap.Error(err))
			}
		})
		return fs, nil
	case "postgres":
		pool, err := database.NewPool(ctx, a.cfg.Storage.DatabaseURL, a.cfg.Storage.MaxConns, a.logger)
		if err != nil {
			return nil, errors.NewStorageError("connect activity database").WithCause(err)
		}
		a.closers = append(a.closers, pool.Close)
		a.health.Register("database", health.DatabaseChecker(pool))
		if _, err := database.Migrate(pool, database.Up, a.logger); err != nil {
			return nil, err
		}
		return database.NewActivityStore(pool, a.logger), nil
	default:
		a.logger.Warn("activity log is memory backed; events are lost on exit")
		return sink.NewMemorySink(), nil
	}
}

func (a *app) newLimiter() (auth.AttemptLimiter, error) {
	if a.cfg.Auth.Limiter != "redis" {
		return cache.NewLocalAttemptLimiter(a.cfg.Auth.MaxAttempts, a.cfg.Auth.AttemptWindow, a.clock), nil
	}
	client, err := cache.NewRedisClient(&a.cfg.Redis, a.logger)
	if err != nil {
		return nil, errors.NewConfigurationError("attempt limiter").WithCause(err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.health.Register("redis", health.RedisChecker(client))
	return cache.NewRedisAttemptLimiter(client, a.cfg.Auth.MaxAttempts, a.cfg.Auth.AttemptWindow, a.clock, a.logger), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// console submits one command per input line and writes the result. It
// returns at end of input or when ctx ends.
func (a *app) console(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			res, err := a.pipeline.Submit(ctx, command.Input{Text: line, Confidence: 1, Timestamp: a.clock.Now()})
			fmt.Fprintln(out, render(res, err))
		}
	}
}

// render never shows more than the error's own generic message
func render(res pipeline.Result, err error) string {
	if err != nil {
		msg := "request failed"
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			msg = appErr.Message
		}
		return fmt.Sprintf("[%s] %s", res.State, msg)
	}
	if res.Message != "" {
		return fmt.Sprintf("[%s] %s", res.State, res.Message)
	}
	return fmt.Sprintf("[%s] %s %s", res.State, res.Intent, res.Outcome)
}
