package pipeline

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/infrastructure/telemetry"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

// Result is what the caller learns about one submission. Denials carry no
// more than the error's generic reason.
type Result struct {
	CommandID uuid.UUID
	Intent    command.Intent
	Outcome   Outcome
	Message   string
	State     ld.State
}

// Options wires a Pipeline
type Options struct {
	Parser     *Parser
	Controller Controller
	Verifier   Verifier
	Executor   Executor
	Recorder   Recorder
	// Subject is the identity every spoken credential is checked against
	Subject string
	// RecoveryMethod is the factor demanded by the recovery confirmation step
	RecoveryMethod credential.Method
	Logger         *zap.Logger
	Metrics        *metrics.Registry
	Tracer         *telemetry.Tracer
}

// Pipeline parses input, gate-checks the command and dispatches it
type Pipeline struct {
	parser         *Parser
	ctrl           Controller
	verifier       Verifier
	executor       Executor
	recorder       Recorder
	subject        string
	recoveryMethod credential.Method
	logger         *zap.Logger
	metrics        *metrics.Registry
	tracer         *telemetry.Tracer
}

func New(opts Options) (*Pipeline, error) {
	if opts.Parser == nil || opts.Controller == nil || opts.Verifier == nil || opts.Executor == nil || opts.Recorder == nil {
		return nil, errors.NewConfigurationError("pipeline requires a parser, controller, verifier, executor and recorder")
	}
	if opts.Subject == "" {
		return nil, errors.NewConfigurationError("pipeline requires an owner subject")
	}
	if opts.RecoveryMethod == "" {
		opts.RecoveryMethod = credential.MethodPIN
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewTracer("guardian/pipeline")
	}
	return &Pipeline{
		parser:         opts.Parser,
		ctrl:           opts.Controller,
		verifier:       opts.Verifier,
		executor:       opts.Executor,
		recorder:       opts.Recorder,
		subject:        opts.Subject,
		recoveryMethod: opts.RecoveryMethod,
		logger:         opts.Logger.Named("pipeline"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}, nil
}

// Submit handles one input end to end. Every path that refuses or fails
// leaves an event in the log before returning.
func (p *Pipeline) Submit(ctx context.Context, in command.Input) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.submit", attribute.Float64("input.confidence", in.Confidence))
	defer func() { telemetry.End(span, err) }()

	cmd, err := p.parser.Parse(in)
	if err != nil {
		p.metrics.CommandParsed(command.IntentUnknown.String())
		return Result{Intent: command.IntentUnknown, State: p.ctrl.State()}, p.unrecognized(ctx, in, err)
	}
	p.metrics.CommandParsed(cmd.Intent.String())
	span.SetAttributes(
		attribute.String("command.id", cmd.ID.String()),
		attribute.String("command.intent", cmd.Intent.String()),
		attribute.String("command.tier", cmd.Tier.String()),
	)
	res = Result{CommandID: cmd.ID, Intent: cmd.Intent}

	// panic only ever raises restriction, so it skips the gate
	if cmd.Intent == command.IntentPanic {
		err = p.ctrl.Panic(ctx)
		res.State = p.ctrl.State()
		res.Outcome = outcomeOf(err)
		return res, p.finish(ctx, cmd, res, err)
	}

	state, gateErr := p.ctrl.GateCheck(cmd)
	res.State = state
	if gateErr != nil {
		return p.denied(ctx, cmd, state, gateErr)
	}

	switch cmd.Intent {
	case command.IntentAuthenticate:
		return p.authenticate(ctx, cmd, res)
	case command.IntentConfirmRecovery:
		return p.confirmRecovery(ctx, cmd, res)
	case command.IntentSetSecurityLevel:
		level, convErr := strconv.Atoi(cmd.Param(command.ParamLevel))
		if convErr != nil {
			return res, errors.NewInputError("INVALID_LEVEL", "security level must be a number")
		}
		res.State, err = p.ctrl.RaiseLevel(ctx, level)
		res.Outcome = outcomeOf(err)
		return res, p.finish(ctx, cmd, res, err)
	}

	exec, err := p.executor.Execute(ctx, cmd)
	res.Outcome = exec.Outcome
	res.Message = exec.Message
	res.State = p.ctrl.State()
	return res, err
}

func (p *Pipeline) authenticate(ctx context.Context, cmd command.Command, res Result) (Result, error) {
	vr, verr := p.verifier.Verify(ctx, credential.Credential{
		Subject: p.subject,
		Method:  credential.MethodPIN,
		Secret:  cmd.Param(command.ParamSecret),
	})
	state, cerr := p.ctrl.RecordAuthOutcome(ctx, vr)
	res.State = state
	res.Outcome = authOutcome(vr)
	if verr != nil {
		return res, verr
	}
	return res, cerr
}

func (p *Pipeline) confirmRecovery(ctx context.Context, cmd command.Command, res Result) (Result, error) {
	// checked up front so a stray confirmation does not burn an attempt
	if state := p.ctrl.State(); state != ld.StateRecovery {
		res.State = state
		res.Outcome = OutcomeFailure
		return res, errors.ErrNotInRecovery
	}

	vr, verr := p.verifier.Verify(ctx, credential.Credential{
		Subject: p.subject,
		Method:  p.recoveryMethod,
		Secret:  cmd.Param(command.ParamSecret),
	})
	state, cerr := p.ctrl.ConfirmRecovery(ctx, vr)
	res.State = state
	res.Outcome = authOutcome(vr)

	category := activity.CategoryRecoveryConfirmed
	severity := activity.SeverityInformational
	if state != ld.StateNormal {
		category = activity.CategoryRecoveryFailed
		severity = activity.SeveritySuspicious
	}
	if _, err := p.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceAuthGate,
		Category: category,
		Severity: severity,
		Payload: activity.Payload{
			"command_id": cmd.ID.String(),
			"method":     string(p.recoveryMethod),
			"state":      state.String(),
		},
	}); err != nil {
		return res, err
	}

	if verr != nil {
		return res, verr
	}
	return res, cerr
}

func (p *Pipeline) denied(ctx context.Context, cmd command.Command, state ld.State, gateErr error) (Result, error) {
	p.logger.Warn("command denied",
		zap.String("command_id", cmd.ID.String()),
		zap.String("intent", cmd.Intent.String()),
		zap.String("tier", cmd.Tier.String()),
		zap.String("state", state.String()))

	res := Result{CommandID: cmd.ID, Intent: cmd.Intent, Outcome: OutcomeDenied, State: state}
	if _, err := p.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceCommandPipeline,
		Category: activity.CategoryCommandDenied,
		Severity: activity.SeveritySuspicious,
		Payload: activity.Payload{
			"command_id": cmd.ID.String(),
			"intent":     cmd.Intent.String(),
			"tier":       cmd.Tier.String(),
			"state":      state.String(),
		},
	}); err != nil {
		return res, err
	}
	return res, gateErr
}

// unrecognized records parse failures as routine noise. The raw text is not
// stored since it may hold a mistyped secret.
func (p *Pipeline) unrecognized(ctx context.Context, in command.Input, parseErr error) error {
	p.logger.Debug("input not recognized", zap.Float64("confidence", in.Confidence), zap.Error(parseErr))
	_, err := p.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceCommandPipeline,
		Category: activity.CategoryCommandUnrecognized,
		Severity: activity.SeverityInformational,
		Payload: activity.Payload{
			"length":     strconv.Itoa(len(in.Text)),
			"confidence": strconv.FormatFloat(in.Confidence, 'f', 2, 64),
		},
	})
	if err != nil {
		return err
	}
	return parseErr
}

// finish records the outcome of a command handled by the controller itself
func (p *Pipeline) finish(ctx context.Context, cmd command.Command, res Result, opErr error) error {
	if err := recordOutcome(ctx, p.recorder, cmd, res.Outcome, ""); err != nil {
		return err
	}
	return opErr
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}

func authOutcome(vr credential.VerificationResult) Outcome {
	switch {
	case vr.Confirmed:
		return OutcomeSuccess
	case vr.Reason == credential.ReasonTimeout:
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}
