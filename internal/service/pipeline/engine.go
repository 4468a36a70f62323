package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

// Outcome is how a submitted command ended
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeIncomplete Outcome = "incomplete"
	OutcomeDenied     Outcome = "denied"
)

const maxMessageLen = 256

// ActionLibrary runs named routines. A nil error means the action succeeded;
// the message is a short human-readable result.
type ActionLibrary interface {
	Invoke(ctx context.Context, action string, params map[string]string) (string, error)
}

// Execution is the result of running one action
type Execution struct {
	Outcome  Outcome
	Message  string
	Duration time.Duration
}

// AutomationEngine executes admitted commands under a timeout and records
// every outcome
type AutomationEngine struct {
	library  ActionLibrary
	recorder Recorder
	timeout  time.Duration
	clock    activity.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

func NewAutomationEngine(library ActionLibrary, recorder Recorder, timeout time.Duration, clock activity.Clock, logger *zap.Logger, m *metrics.Registry) *AutomationEngine {
	if clock == nil {
		clock = activity.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutomationEngine{
		library:  library,
		recorder: recorder,
		timeout:  timeout,
		clock:    clock,
		logger:   logger.Named("automation"),
		metrics:  m,
	}
}

type invokeResult struct {
	msg string
	err error
}

// Execute invokes the command's action. A timeout or a cancelled caller is
// reported as an outcome event, never as a hang.
func (e *AutomationEngine) Execute(ctx context.Context, cmd command.Command) (Execution, error) {
	start := e.clock.Now()
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		msg, err := e.library.Invoke(actx, cmd.Action, cmd.RedactedParams())
		done <- invokeResult{msg: msg, err: err}
	}()

	var res invokeResult
	select {
	case res = <-done:
	case <-actx.Done():
		res = invokeResult{err: actx.Err()}
	}

	exec := Execution{Message: truncate(res.msg), Duration: e.clock.Now().Sub(start)}
	var opErr error
	switch {
	case ctx.Err() != nil:
		exec.Outcome = OutcomeIncomplete
		opErr = errors.NewInternalError("action did not complete").WithCause(ctx.Err())
	case stderrors.Is(actx.Err(), context.DeadlineExceeded):
		exec.Outcome = OutcomeTimeout
		opErr = errors.NewTimeoutError("action " + cmd.Action)
	case res.err != nil:
		exec.Outcome = OutcomeFailure
		if exec.Message == "" {
			exec.Message = truncate(res.err.Error())
		}
		opErr = errors.NewInternalError(fmt.Sprintf("action %s failed", cmd.Action)).WithCause(res.err)
	default:
		exec.Outcome = OutcomeSuccess
	}

	e.metrics.ActionOutcome(cmd.Action, string(exec.Outcome))
	e.logger.Info("action finished",
		zap.String("command_id", cmd.ID.String()),
		zap.String("action", cmd.Action),
		zap.String("outcome", string(exec.Outcome)),
		zap.Duration("duration", exec.Duration))

	if err := recordOutcome(ctx, e.recorder, cmd, exec.Outcome, exec.Message); err != nil {
		return exec, err
	}
	return exec, opErr
}

// recordOutcome appends the command.outcome event; it survives caller
// cancellation so partial effects are always logged
func recordOutcome(ctx context.Context, rec Recorder, cmd command.Command, outcome Outcome, message string) error {
	payload := activity.Payload{
		"command_id": cmd.ID.String(),
		"intent":     cmd.Intent.String(),
		"action":     cmd.Action,
		"tier":       cmd.Tier.String(),
		"outcome":    string(outcome),
	}
	if message != "" {
		payload["message"] = message
	}
	for k, v := range cmd.RedactedParams() {
		payload["param."+k] = v
	}
	_, err := rec.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceCommandPipeline,
		Category: activity.CategoryCommandOutcome,
		Severity: activity.SeverityInformational,
		Payload:  payload,
	})
	return err
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
