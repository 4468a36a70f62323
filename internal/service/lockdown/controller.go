package lockdown

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

// Config holds the decision thresholds
type Config struct {
	ElevatedThreshold float64
	LockedThreshold   float64
	ConfidenceFloor   float64
	Cooldown          time.Duration
	MaxFailedAttempts int
	SuspiciousStreak  int
	RecoveryTimeout   time.Duration
}

// ConfigFrom maps the loaded configuration section
func ConfigFrom(c config.LockdownConfig) Config {
	return Config{
		ElevatedThreshold: c.ElevatedThreshold,
		LockedThreshold:   c.LockedThreshold,
		ConfidenceFloor:   c.ConfidenceFloor,
		Cooldown:          c.CooldownWindow,
		MaxFailedAttempts: c.MaxFailedAttempts,
		SuspiciousStreak:  c.SuspiciousStreak,
		RecoveryTimeout:   c.RecoveryTimeout,
	}
}

// Validate rejects thresholds that cannot describe a sane policy
func (c Config) Validate() error {
	switch {
	case c.ElevatedThreshold <= 0 || c.ElevatedThreshold > 1:
		return errors.NewConfigurationError("elevated threshold must be in (0,1]")
	case c.LockedThreshold < c.ElevatedThreshold || c.LockedThreshold > 1:
		return errors.NewConfigurationError("locked threshold must be in [elevated threshold,1]")
	case c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1:
		return errors.NewConfigurationError("confidence floor must be in [0,1]")
	case c.Cooldown <= 0:
		return errors.NewConfigurationError("cooldown window must be positive")
	case c.MaxFailedAttempts < 1:
		return errors.NewConfigurationError("max failed attempts must be at least 1")
	case c.SuspiciousStreak < 1:
		return errors.NewConfigurationError("suspicious streak must be at least 1")
	case c.RecoveryTimeout <= 0:
		return errors.NewConfigurationError("recovery timeout must be positive")
	}
	return nil
}

// Status is a consistent snapshot of the controller
type Status struct {
	State            ld.State
	Version          uint64
	SuspiciousStreak int
	FailedAuthStreak int
	// ResetSequence is the log position of the last return to Normal through
	// recovery; analysis ignores events at or before it
	ResetSequence    uint64
	RecoveryDeadline time.Time
}

// Controller is the lockdown state machine. Every read-then-write, including
// gate checks, happens under mu, so no caller observes a state mid-transition.
type Controller struct {
	cfg      Config
	recorder Recorder
	clock    activity.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry

	mu               sync.Mutex
	state            ld.State
	version          uint64
	suspiciousStreak int
	// failures holds the times of failed verifications still inside the
	// cooldown window; older ones no longer count toward the streak
	failures         []time.Time
	calmSince        time.Time
	recoveryDeadline time.Time
	resetSeq         uint64
}

// NewController starts in Normal
func NewController(cfg Config, recorder Recorder, clock activity.Clock, logger *zap.Logger, m *metrics.Registry) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil {
		return nil, errors.NewConfigurationError("lockdown controller requires a recorder")
	}
	if clock == nil {
		clock = activity.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		recorder: recorder,
		clock:    clock,
		logger:   logger.Named("lockdown"),
		metrics:  m,
		state:    ld.StateNormal,
	}, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:            c.state,
		Version:          c.version,
		SuspiciousStreak: c.suspiciousStreak,
		FailedAuthStreak: c.failedAuth(),
		ResetSequence:    c.resetSeq,
		RecoveryDeadline: c.recoveryDeadline,
	}
}

// State returns the current state
func (c *Controller) State() ld.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) GateCheck(cmd command.Command) (ld.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Admits(cmd.Tier) {
		return c.state, nil
	}
	c.metrics.GateDenied(cmd.Tier.String(), c.state.String())
	return c.state, errors.NewAccessDeniedError(c.state.DenialReason())
}

func (c *Controller) Observe(ctx context.Context, ev activity.Event) error {
	if ev.Category == activity.CategoryLockdownTransition {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Severity {
	case activity.SeverityCritical:
		c.suspiciousStreak = 0
		// a fresh critical event in Recovery means the threat is still present
		return c.escalate(ctx, ld.StateLocked, ld.TriggerCriticalEvent, ev.Sequence)
	case activity.SeveritySuspicious:
		c.suspiciousStreak++
		if c.state == ld.StateNormal && c.suspiciousStreak >= c.cfg.SuspiciousStreak {
			c.suspiciousStreak = 0
			return c.escalate(ctx, ld.StateElevated, ld.TriggerSuspiciousStreak, ev.Sequence)
		}
	default:
		c.suspiciousStreak = 0
	}
	return nil
}

func (c *Controller) ApplyAssessment(ctx context.Context, a risk.Assessment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ld.StateNormal, ld.StateElevated:
	default:
		// Locked and Recovery only move through auth or time
		return nil
	}

	switch {
	case a.Score >= c.cfg.LockedThreshold && a.Confidence >= c.cfg.ConfidenceFloor:
		return c.escalate(ctx, ld.StateLocked, ld.TriggerRiskScore, a.EndSequence)
	case a.Score >= c.cfg.LockedThreshold:
		c.calmSince = time.Time{}
		return c.escalate(ctx, ld.StateElevated, ld.TriggerLowConfidence, a.EndSequence)
	case a.Score >= c.cfg.ElevatedThreshold:
		c.calmSince = time.Time{}
		return c.escalate(ctx, ld.StateElevated, ld.TriggerRiskScore, a.EndSequence)
	}

	if c.state == ld.StateElevated {
		if c.calmSince.IsZero() {
			c.calmSince = c.clock.Now()
		}
		return c.maybeCoolDown(ctx)
	}
	return nil
}

func (c *Controller) RecordAuthOutcome(ctx context.Context, res credential.VerificationResult) (ld.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Confirmed {
		c.failures = nil
		c.suspiciousStreak = 0
		if c.state == ld.StateLocked {
			c.recoveryDeadline = c.clock.Now().Add(c.cfg.RecoveryTimeout)
			if err := c.apply(ctx, ld.StateRecovery, ld.TriggerAuthSuccess, 0); err != nil {
				return c.state, err
			}
		}
		return c.state, nil
	}

	c.failures = append(c.failures, c.clock.Now())
	switch c.state {
	case ld.StateElevated:
		if c.failedAuth() >= c.cfg.MaxFailedAttempts {
			err := c.escalate(ctx, ld.StateLocked, ld.TriggerFailedAuth, 0)
			return c.state, err
		}
		// a pending failed-auth streak holds off cooldown
		c.calmSince = time.Time{}
	case ld.StateRecovery:
		err := c.escalate(ctx, ld.StateLocked, ld.TriggerRecoveryFailed, 0)
		return c.state, err
	}
	return c.state, nil
}

func (c *Controller) ConfirmRecovery(ctx context.Context, res credential.VerificationResult) (ld.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != ld.StateRecovery {
		return c.state, errors.ErrNotInRecovery
	}
	if c.recoveryExpired() {
		err := c.escalate(ctx, ld.StateLocked, ld.TriggerRecoveryTimeout, 0)
		return c.state, err
	}
	if !res.Confirmed {
		c.failures = append(c.failures, c.clock.Now())
		err := c.escalate(ctx, ld.StateLocked, ld.TriggerRecoveryFailed, 0)
		return c.state, err
	}

	if err := c.apply(ctx, ld.StateNormal, ld.TriggerRecoveryConfirm, 0); err != nil {
		return c.state, err
	}
	c.failures = nil
	c.suspiciousStreak = 0
	c.recoveryDeadline = time.Time{}
	return c.state, nil
}

func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case ld.StateElevated:
		return c.maybeCoolDown(ctx)
	case ld.StateRecovery:
		if c.recoveryExpired() {
			return c.escalate(ctx, ld.StateLocked, ld.TriggerRecoveryTimeout, 0)
		}
	}
	return nil
}

func (c *Controller) Panic(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escalate(ctx, ld.StateLocked, ld.TriggerPanic, 0)
}

func (c *Controller) RaiseLevel(ctx context.Context, level int) (ld.State, error) {
	var target ld.State
	switch level {
	case 1:
		target = ld.StateNormal
	case 2:
		target = ld.StateElevated
	case 3:
		target = ld.StateLocked
	default:
		return c.State(), errors.NewInputError("INVALID_LEVEL", fmt.Sprintf("security level %d is not 1, 2 or 3", level))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// lowering the level is only possible through verification
	if target.Restriction() <= c.state.Restriction() {
		return c.state, nil
	}
	err := c.escalate(ctx, target, ld.TriggerOperatorRequest, 0)
	return c.state, err
}

func (c *Controller) ReportStorageFailure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != ld.StateNormal {
		return nil
	}
	return c.escalate(ctx, ld.StateElevated, ld.TriggerStorageFailure, 0)
}

// maybeCoolDown returns Elevated to Normal once the calm period has lasted a
// full cooldown window with no failed-auth streak pending; callers hold mu
func (c *Controller) maybeCoolDown(ctx context.Context) error {
	if c.calmSince.IsZero() || c.failedAuth() > 0 {
		return nil
	}
	if c.clock.Now().Sub(c.calmSince) < c.cfg.Cooldown {
		return nil
	}
	if err := c.apply(ctx, ld.StateNormal, ld.TriggerCooldown, 0); err != nil {
		return err
	}
	c.calmSince = time.Time{}
	return nil
}

// failedAuth drops failures older than the cooldown window and returns how
// many remain; callers hold mu
func (c *Controller) failedAuth() int {
	cutoff := c.clock.Now().Add(-c.cfg.Cooldown)
	kept := c.failures[:0]
	for _, at := range c.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	c.failures = kept
	return len(kept)
}

func (c *Controller) recoveryExpired() bool {
	return !c.recoveryDeadline.IsZero() && c.clock.Now().After(c.recoveryDeadline)
}

// escalate walks the legal path from the current state toward target, one
// recorded transition per edge. Escalations are applied even when recording
// fails; the storage error is still returned. Callers hold mu.
func (c *Controller) escalate(ctx context.Context, target ld.State, trigger ld.Trigger, cause uint64) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for {
		path := ld.PathTo(c.state, target)
		if len(path) == 0 {
			break
		}
		before := c.state
		keep(c.apply(ctx, path[0], trigger, cause))
		if c.state == before {
			break
		}
	}
	// a failed-auth streak that predates the elevation is honoured at once
	if c.state == ld.StateElevated && c.failedAuth() >= c.cfg.MaxFailedAttempts {
		keep(c.apply(ctx, ld.StateLocked, ld.TriggerFailedAuth, 0))
	}
	return firstErr
}

// apply performs one edge and records it. A de-escalation that cannot be
// recorded is refused; callers hold mu.
func (c *Controller) apply(ctx context.Context, to ld.State, trigger ld.Trigger, cause uint64) error {
	from := c.state
	if !ld.CanTransition(from, to) {
		return errors.NewInternalError(fmt.Sprintf("illegal lockdown transition %s->%s", from, to))
	}
	escalation := to.Restriction() > from.Restriction()
	version := c.version + 1

	payload := activity.Payload{
		"from":    from.String(),
		"to":      to.String(),
		"trigger": string(trigger),
		"version": strconv.FormatUint(version, 10),
	}
	if cause > 0 {
		payload["cause_sequence"] = strconv.FormatUint(cause, 10)
	}
	severity := activity.SeverityInformational
	if to == ld.StateLocked {
		severity = activity.SeverityCritical
	} else if escalation {
		severity = activity.SeveritySuspicious
	}

	// the audit write must complete even if the caller has given up
	ev, err := c.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceSystemMonitor,
		Category: activity.CategoryLockdownTransition,
		Severity: severity,
		Payload:  payload,
	})
	if err != nil && !escalation {
		c.logger.Error("refusing unrecorded de-escalation",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
		return errors.Wrap(err, "lockdown transition not recorded")
	}

	c.state = to
	c.version = version
	if to == ld.StateElevated {
		c.calmSince = time.Time{}
	}
	if to == ld.StateNormal && from == ld.StateRecovery && err == nil {
		c.resetSeq = ev.Sequence
	}
	c.metrics.Transition(from.String(), to.String(), string(trigger), int(to))

	c.logger.Info("lockdown transition",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("trigger", string(trigger)),
		zap.Uint64("version", version))

	if err != nil {
		c.logger.Error("lockdown transition applied but not recorded",
			zap.Stringer("to", to),
			zap.Error(err))
		return errors.Wrap(err, "lockdown transition not recorded")
	}
	return nil
}
