// Package monitor closes the loop from the activity log through the analyzer
// and scorer back into the lockdown controller.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
	"github.com/davidleathers/guardian-core/internal/metrics"
	"github.com/davidleathers/guardian-core/internal/service/activitylog"
	"github.com/davidleathers/guardian-core/internal/service/analyzer"
	"github.com/davidleathers/guardian-core/internal/service/predictor"
)

// Options wires a Monitor
type Options struct {
	Log        *activitylog.Log
	Controller Controller
	Analyzer   *analyzer.Analyzer
	Scorer     predictor.Scorer
	// HistorySize bounds the assessments kept for the trend term
	HistorySize  int
	IngestBuffer int
	TickInterval time.Duration
	Clock        activity.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Registry
	Tracer       *telemetry.Tracer
}

// Monitor is the recorder every producer writes through. Each committed
// event is observed by the controller and followed by a fresh assessment.
type Monitor struct {
	log         *activitylog.Log
	ctrl        Controller
	analyzer    *analyzer.Analyzer
	scorer      predictor.Scorer
	historySize int
	tick        time.Duration
	clock       activity.Clock
	logger      *zap.Logger
	metrics     *metrics.Registry
	tracer      *telemetry.Tracer

	ingest  chan activity.Draft
	stopped chan struct{}
	running atomic.Bool

	// ingestMu lets Run wait out senders still in flight before draining
	ingestMu sync.RWMutex
	closed   bool

	// commitMu keeps controller observation in log order
	commitMu sync.Mutex

	// mu serializes evaluations and guards the assessment history
	mu       sync.Mutex
	history  risk.History
	resetSeq uint64
}

func New(opts Options) (*Monitor, error) {
	if opts.Log == nil || opts.Controller == nil || opts.Analyzer == nil || opts.Scorer == nil {
		return nil, errors.NewConfigurationError("monitor requires a log, controller, analyzer and scorer")
	}
	if opts.HistorySize < 1 {
		opts.HistorySize = 1
	}
	if opts.IngestBuffer < 1 {
		opts.IngestBuffer = 1
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = activity.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewTracer("guardian/monitor")
	}
	return &Monitor{
		log:         opts.Log,
		ctrl:        opts.Controller,
		analyzer:    opts.Analyzer,
		scorer:      opts.Scorer,
		historySize: opts.HistorySize,
		tick:        opts.TickInterval,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("monitor"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		ingest:      make(chan activity.Draft, opts.IngestBuffer),
		stopped:     make(chan struct{}),
	}, nil
}

// Append commits draft to the log, lets the controller react to it and
// re-evaluates risk. A storage failure is reported to the controller as risk
// and still returned to the caller.
func (m *Monitor) Append(ctx context.Context, draft activity.Draft) (activity.Event, error) {
	ev, err := m.commitAndObserve(ctx, draft)
	if err != nil {
		return ev, err
	}
	if _, err := m.Evaluate(ctx); err != nil {
		return ev, err
	}
	return ev, nil
}

// commitAndObserve holds commitMu from the log append through Observe, so
// the controller sees producer events in sequence order
func (m *Monitor) commitAndObserve(ctx context.Context, draft activity.Draft) (activity.Event, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	ev, err := m.log.Append(ctx, draft)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeStorage) {
			if rerr := m.ctrl.ReportStorageFailure(ctx); rerr != nil {
				m.logger.Error("failed to report storage failure", zap.Error(rerr))
			}
		}
		return activity.Event{}, err
	}
	return ev, m.ctrl.Observe(ctx, ev)
}

// Evaluate scores the current window and hands the assessment to the
// controller. Events at or before the last recovery are not considered so a
// resolved incident cannot relock the owner.
func (m *Monitor) Evaluate(ctx context.Context) (a risk.Assessment, err error) {
	ctx, span := m.tracer.Start(ctx, "monitor.evaluate")
	defer func() { telemetry.End(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if reset := m.ctrl.Status().ResetSequence; reset != m.resetSeq {
		m.resetSeq = reset
		m.history = nil
	}

	tail := m.log.Tail(0)
	fresh := tail[:0]
	for _, ev := range tail {
		if ev.Sequence > m.resetSeq {
			fresh = append(fresh, ev)
		}
	}

	window := m.analyzer.SelectWindow(fresh, m.clock.Now())
	snapshot := m.analyzer.Analyze(window)
	a = m.scorer.Score(snapshot, m.history)
	m.history = m.history.Push(a, m.historySize)

	m.metrics.RiskAssessed(a.Score, a.Confidence)
	span.SetAttributes(
		attribute.Float64("risk.score", a.Score),
		attribute.Float64("risk.confidence", a.Confidence),
		attribute.Int("window.events", snapshot.EventCount),
	)
	m.logger.Debug("risk assessed",
		zap.Float64("score", a.Score),
		zap.Float64("confidence", a.Confidence),
		zap.Strings("tags", a.Tags),
		zap.Uint64("start_sequence", a.StartSequence),
		zap.Uint64("end_sequence", a.EndSequence),
	)

	return a, m.ctrl.ApplyAssessment(ctx, a)
}

// History returns a copy of the retained assessments, oldest first
func (m *Monitor) History() risk.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(risk.History(nil), m.history...)
}

// Ingest queues a draft from an asynchronous producer. Drafts are committed
// in the order they are received. It fails when ctx ends first or the
// monitor has stopped.
func (m *Monitor) Ingest(ctx context.Context, draft activity.Draft) error {
	if err := draft.Validate(); err != nil {
		return err
	}
	m.ingestMu.RLock()
	defer m.ingestMu.RUnlock()
	if m.closed {
		return errors.NewInternalError("monitor stopped")
	}
	select {
	case m.ingest <- draft:
		return nil
	case <-m.stopped:
		return errors.NewInternalError("monitor stopped")
	case <-ctx.Done():
		return errors.NewTimeoutError("ingest").WithCause(ctx.Err())
	}
}

// Run drives the ingest loop and the ticker until ctx ends. Queued drafts
// are committed before it returns.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.NewInternalError("monitor already running")
	}
	m.logger.Info("monitor started", zap.Duration("tick", m.tick))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case d := <-m.ingest:
				m.commit(gctx, d)
			case <-gctx.Done():
				// blocked senders give up on stopped; the rest finish
				// their send before closed is set
				close(m.stopped)
				m.ingestMu.Lock()
				m.closed = true
				m.ingestMu.Unlock()
				m.drain(context.WithoutCancel(gctx))
				return nil
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.onTick(gctx)
			case <-gctx.Done():
				return nil
			}
		}
	})

	err := g.Wait()
	m.logger.Info("monitor stopped")
	return err
}

func (m *Monitor) onTick(ctx context.Context) {
	if _, err := m.Evaluate(ctx); err != nil {
		m.logger.Error("periodic evaluation failed", zap.Error(err))
	}
	if err := m.ctrl.Tick(ctx); err != nil {
		m.logger.Error("lockdown tick failed", zap.Error(err))
	}
}

func (m *Monitor) commit(ctx context.Context, d activity.Draft) {
	if _, err := m.Append(ctx, d); err != nil {
		m.logger.Error("failed to commit ingested event",
			zap.String("source", string(d.Source)),
			zap.String("category", string(d.Category)),
			zap.Error(err))
	}
}

// drain commits whatever producers queued before the stop
func (m *Monitor) drain(ctx context.Context) {
	for {
		select {
		case d := <-m.ingest:
			m.commit(ctx, d)
		default:
			return
		}
	}
}
