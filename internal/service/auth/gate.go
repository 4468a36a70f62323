package auth

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	"github.com/davidleathers/guardian-core/internal/metrics"
)

const defaultVerifyTimeout = 10 * time.Second

// Gate is the auth gate. It never reports success on an internal error.
type Gate struct {
	store    IdentityStore
	limiter  AttemptLimiter
	recorder Recorder
	timeout  time.Duration
	clock    activity.Clock
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewGate wires the gate. timeout applies when the caller's context has no
// deadline of its own.
func NewGate(store IdentityStore, limiter AttemptLimiter, recorder Recorder, timeout time.Duration, clock activity.Clock, logger *zap.Logger, m *metrics.Registry) (*Gate, error) {
	if store == nil || limiter == nil || recorder == nil {
		return nil, errors.NewConfigurationError("auth gate requires an identity store, attempt limiter and recorder")
	}
	if timeout <= 0 {
		timeout = defaultVerifyTimeout
	}
	if clock == nil {
		clock = activity.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:    store,
		limiter:  limiter,
		recorder: recorder,
		timeout:  timeout,
		clock:    clock,
		logger:   logger.Named("auth_gate"),
		metrics:  m,
	}, nil
}

type matchResult struct {
	ok  bool
	err error
}

func (g *Gate) Verify(ctx context.Context, c credential.Credential) (credential.VerificationResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	allowed, err := g.limiter.Allow(ctx, c.Subject)
	if err != nil {
		g.logger.Error("attempt limiter unavailable; failing closed", zap.Error(err))
		return g.fail(ctx, c, credential.ReasonError, errors.NewAuthFailureError("LIMITER_UNAVAILABLE", "verification unavailable").WithCause(err))
	}
	if !allowed {
		return g.rateLimited(ctx, c)
	}

	// the store may not honour ctx, so race it against the deadline
	done := make(chan matchResult, 1)
	go func() {
		ok, err := g.store.Match(ctx, c)
		done <- matchResult{ok: ok, err: err}
	}()

	var res matchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		return g.fail(ctx, c, credential.ReasonTimeout, errors.NewTimeoutError("credential verification").WithCause(ctx.Err()))
	}

	switch {
	case res.err != nil && (stderrors.Is(res.err, context.DeadlineExceeded) || stderrors.Is(res.err, context.Canceled)):
		return g.fail(ctx, c, credential.ReasonTimeout, errors.NewTimeoutError("credential verification").WithCause(res.err))
	case res.err != nil:
		g.logger.Error("identity store error; failing closed", zap.String("method", string(c.Method)), zap.Error(res.err))
		return g.fail(ctx, c, credential.ReasonError, errors.NewAuthFailureError("IDENTITY_STORE_ERROR", "verification unavailable").WithCause(res.err))
	case !res.ok:
		return g.fail(ctx, c, credential.ReasonMismatch, errors.ErrInvalidCredential)
	}

	return g.succeed(ctx, c)
}

func (g *Gate) succeed(ctx context.Context, c credential.Credential) (credential.VerificationResult, error) {
	now := g.clock.Now().UTC()
	_, err := g.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceAuthGate,
		Category: activity.CategoryAuthVerified,
		Severity: activity.SeverityInformational,
		Payload:  activity.Payload{"method": string(c.Method), "subject": c.Subject},
	})
	if err != nil {
		// an unaudited success is not a success
		g.metrics.AuthAttempt(string(c.Method), credential.ReasonUnaudited)
		g.logger.Error("verification succeeded but could not be recorded", zap.Error(err))
		return credential.VerificationResult{
			Confirmed: false,
			Method:    c.Method,
			Timestamp: now,
			Reason:    credential.ReasonUnaudited,
		}, err
	}

	if err := g.limiter.Reset(context.WithoutCancel(ctx), c.Subject); err != nil {
		g.logger.Warn("failed to reset attempt limiter", zap.Error(err))
	}
	g.metrics.AuthAttempt(string(c.Method), "success")
	g.logger.Info("credential verified", zap.String("method", string(c.Method)))
	return credential.VerificationResult{Confirmed: true, Method: c.Method, Timestamp: now}, nil
}

func (g *Gate) fail(ctx context.Context, c credential.Credential, reason string, cause error) (credential.VerificationResult, error) {
	result := credential.VerificationResult{
		Confirmed: false,
		Method:    c.Method,
		Timestamp: g.clock.Now().UTC(),
		Reason:    reason,
	}
	g.metrics.AuthAttempt(string(c.Method), reason)
	g.logger.Warn("credential verification failed",
		zap.String("method", string(c.Method)),
		zap.String("reason", reason))

	_, err := g.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceAuthGate,
		Category: activity.CategoryAuthFailed,
		Severity: activity.SeveritySuspicious,
		Payload:  activity.Payload{"method": string(c.Method), "subject": c.Subject, "reason": reason},
	})
	if err != nil {
		return result, err
	}
	return result, cause
}

func (g *Gate) rateLimited(ctx context.Context, c credential.Credential) (credential.VerificationResult, error) {
	result := credential.VerificationResult{
		Confirmed: false,
		Method:    c.Method,
		Timestamp: g.clock.Now().UTC(),
		Reason:    credential.ReasonRateLimited,
	}
	g.metrics.AuthAttempt(string(c.Method), credential.ReasonRateLimited)
	g.logger.Warn("verification attempts exhausted", zap.String("subject", c.Subject))

	_, err := g.recorder.Append(context.WithoutCancel(ctx), activity.Draft{
		Source:   activity.SourceAuthGate,
		Category: activity.CategoryAuthRateLimited,
		Severity: activity.SeverityCritical,
		Payload:  activity.Payload{"method": string(c.Method), "subject": c.Subject},
	})
	if err != nil {
		return result, err
	}
	return result, errors.ErrRateLimited
}
