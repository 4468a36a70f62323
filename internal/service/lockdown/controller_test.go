package lockdown

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	"github.com/davidleathers/guardian-core/internal/domain/errors"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
	"github.com/davidleathers/guardian-core/internal/infrastructure/config"
	"github.com/davidleathers/guardian-core/internal/infrastructure/sink"
	"github.com/davidleathers/guardian-core/internal/metrics"
	"github.com/davidleathers/guardian-core/internal/service/activitylog"
)

type switchRecorder struct {
	log *activitylog.Log

	mu      sync.Mutex
	failing bool
}

func (r *switchRecorder) fail(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

func (r *switchRecorder) Append(ctx context.Context, d activity.Draft) (activity.Event, error) {
	r.mu.Lock()
	failing := r.failing
	r.mu.Unlock()
	if failing {
		return activity.Event{}, errors.NewStorageError("sink unavailable")
	}
	return r.log.Append(ctx, d)
}

type fixture struct {
	ctrl  *Controller
	log   *activitylog.Log
	rec   *switchRecorder
	clock *activity.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := activity.NewMockClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	log, err := activitylog.Open(context.Background(), sink.NewMemorySink(), activitylog.Options{
		Clock:  clock,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	rec := &switchRecorder{log: log}
	ctrl, err := NewController(ConfigFrom(config.Defaults().Lockdown), rec, clock, zaptest.NewLogger(t), metrics.NewRegistry())
	require.NoError(t, err)
	return &fixture{ctrl: ctrl, log: log, rec: rec, clock: clock}
}

var ctx = context.Background()

func (f *fixture) event(sev activity.Severity) activity.Event {
	ev, err := f.log.Append(ctx, activity.Draft{Source: activity.SourceExternal, Category: "probe", Severity: sev})
	if err != nil {
		panic(err)
	}
	return ev
}

func (f *fixture) observe(t *testing.T, sev activity.Severity) {
	t.Helper()
	require.NoError(t, f.ctrl.Observe(ctx, f.event(sev)))
}

func (f *fixture) toElevated(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.6, Confidence: 0.9}))
	require.Equal(t, ld.StateElevated, f.ctrl.State())
}

func (f *fixture) toLocked(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Panic(ctx))
	require.Equal(t, ld.StateLocked, f.ctrl.State())
}

// transitions reads the recorded audit trail back from the log
func (f *fixture) transitions(t *testing.T) []ld.Transition {
	t.Helper()
	parse := map[string]ld.State{
		"normal": ld.StateNormal, "elevated": ld.StateElevated,
		"locked": ld.StateLocked, "recovery": ld.StateRecovery,
	}
	var out []ld.Transition
	for ev, err := range f.log.ReadSince(ctx, 0) {
		require.NoError(t, err)
		if ev.Category != activity.CategoryLockdownTransition {
			continue
		}
		v, err := strconv.ParseUint(ev.Value("version"), 10, 64)
		require.NoError(t, err)
		out = append(out, ld.Transition{
			From:    parse[ev.Value("from")],
			To:      parse[ev.Value("to")],
			Trigger: ld.Trigger(ev.Value("trigger")),
			Version: v,
		})
	}
	return out
}

var (
	confirmed = credential.VerificationResult{Confirmed: true, Method: credential.MethodPIN}
	rejected  = credential.VerificationResult{Confirmed: false, Method: credential.MethodPIN, Reason: credential.ReasonMismatch}
)

func TestScenarioA_SuspiciousStreakElevates(t *testing.T) {
	f := newFixture(t)

	f.observe(t, activity.SeveritySuspicious)
	f.observe(t, activity.SeveritySuspicious)
	assert.Equal(t, ld.StateNormal, f.ctrl.State())
	f.observe(t, activity.SeveritySuspicious)
	assert.Equal(t, ld.StateElevated, f.ctrl.State())

	trail := f.transitions(t)
	require.Len(t, trail, 1)
	assert.Equal(t, ld.TriggerSuspiciousStreak, trail[0].Trigger)
}

func TestSuspiciousStreakMustBeConsecutive(t *testing.T) {
	f := newFixture(t)

	f.observe(t, activity.SeveritySuspicious)
	f.observe(t, activity.SeveritySuspicious)
	f.observe(t, activity.SeverityInformational)
	f.observe(t, activity.SeveritySuspicious)
	assert.Equal(t, ld.StateNormal, f.ctrl.State())
}

func TestScenarioB_CriticalEventLocksAndDenies(t *testing.T) {
	f := newFixture(t)
	f.toElevated(t)

	f.observe(t, activity.SeverityCritical)
	assert.Equal(t, ld.StateLocked, f.ctrl.State())

	_, err := f.ctrl.GateCheck(command.Command{Intent: command.IntentTime, Tier: command.TierReadOnly})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAccessDenied))
	assert.Equal(t, "access denied", err.Error(), "no reason is given while locked")
}

func TestCriticalEventFromNormalPassesThroughElevated(t *testing.T) {
	f := newFixture(t)
	f.observe(t, activity.SeverityCritical)

	trail := f.transitions(t)
	require.Len(t, trail, 2)
	assert.Equal(t, ld.StateElevated, trail[0].To)
	assert.Equal(t, ld.StateLocked, trail[1].To)
}

func TestScenarioC_RecoveryToNormal(t *testing.T) {
	f := newFixture(t)
	f.toLocked(t)

	state, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
	require.NoError(t, err)
	assert.Equal(t, ld.StateRecovery, state)

	state, err = f.ctrl.ConfirmRecovery(ctx, confirmed)
	require.NoError(t, err)
	assert.Equal(t, ld.StateNormal, state)

	st := f.ctrl.Status()
	assert.NotZero(t, st.ResetSequence)
	assert.Equal(t, f.log.LastSequence(), st.ResetSequence)
}

func TestRecoveryFailureAndTimeoutRelock(t *testing.T) {
	t.Run("failed confirmation", func(t *testing.T) {
		f := newFixture(t)
		f.toLocked(t)
		_, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
		require.NoError(t, err)

		state, err := f.ctrl.ConfirmRecovery(ctx, rejected)
		require.NoError(t, err)
		assert.Equal(t, ld.StateLocked, state)
	})

	t.Run("confirmation after deadline", func(t *testing.T) {
		f := newFixture(t)
		f.toLocked(t)
		_, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
		require.NoError(t, err)

		f.clock.Advance(3 * time.Minute)
		state, err := f.ctrl.ConfirmRecovery(ctx, confirmed)
		require.NoError(t, err)
		assert.Equal(t, ld.StateLocked, state)
		assert.Equal(t, ld.TriggerRecoveryTimeout, f.transitions(t)[len(f.transitions(t))-1].Trigger)
	})

	t.Run("tick expires recovery", func(t *testing.T) {
		f := newFixture(t)
		f.toLocked(t)
		_, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
		require.NoError(t, err)

		require.NoError(t, f.ctrl.Tick(ctx))
		assert.Equal(t, ld.StateRecovery, f.ctrl.State())
		f.clock.Advance(2*time.Minute + time.Second)
		require.NoError(t, f.ctrl.Tick(ctx))
		assert.Equal(t, ld.StateLocked, f.ctrl.State())
	})

	t.Run("confirm outside recovery", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ctrl.ConfirmRecovery(ctx, confirmed)
		assert.ErrorIs(t, err, errors.ErrNotInRecovery)
	})
}

func TestScenarioD_CooldownReturnsToNormal(t *testing.T) {
	f := newFixture(t)
	f.toElevated(t)

	low := risk.Assessment{Score: 0.1, Confidence: 0.9}
	require.NoError(t, f.ctrl.ApplyAssessment(ctx, low))
	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.ctrl.ApplyAssessment(ctx, low))
	assert.Equal(t, ld.StateElevated, f.ctrl.State(), "cooldown not yet elapsed")

	f.clock.Advance(time.Minute)
	require.NoError(t, f.ctrl.Tick(ctx))
	assert.Equal(t, ld.StateNormal, f.ctrl.State())
}

func TestCooldownInterrupted(t *testing.T) {
	t.Run("by a high score", func(t *testing.T) {
		f := newFixture(t)
		f.toElevated(t)
		require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.1, Confidence: 0.9}))
		f.clock.Advance(3 * time.Minute)
		require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.55, Confidence: 0.9}))
		f.clock.Advance(3 * time.Minute)
		require.NoError(t, f.ctrl.Tick(ctx))
		assert.Equal(t, ld.StateElevated, f.ctrl.State())
	})

	t.Run("by a failed-auth streak", func(t *testing.T) {
		f := newFixture(t)
		f.toElevated(t)
		require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.1, Confidence: 0.9}))
		_, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
		require.NoError(t, f.ctrl.Tick(ctx))
		assert.Equal(t, ld.StateElevated, f.ctrl.State())
	})
}

func TestFailedAuthStreakLocksWhileElevated(t *testing.T) {
	f := newFixture(t)
	f.toElevated(t)

	for i := 0; i < 2; i++ {
		state, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
		require.NoError(t, err)
		assert.Equal(t, ld.StateElevated, state)
	}
	state, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
	require.NoError(t, err)
	assert.Equal(t, ld.StateLocked, state)
}

func TestPendingFailedAuthStreakLocksOnElevation(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
		require.NoError(t, err)
	}
	assert.Equal(t, ld.StateNormal, f.ctrl.State())

	f.toElevatedOrLocked(t)
	assert.Equal(t, ld.StateLocked, f.ctrl.State())
}

func TestStaleFailedAuthExpires(t *testing.T) {
	t.Run("does not block cooldown", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
		require.NoError(t, err)
		f.clock.Advance(24 * time.Hour)

		f.toElevated(t)
		require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.1, Confidence: 0.9}))
		f.clock.Advance(time.Hour)
		require.NoError(t, f.ctrl.Tick(ctx))
		assert.Equal(t, ld.StateNormal, f.ctrl.State())
		assert.Zero(t, f.ctrl.Status().FailedAuthStreak)
	})

	t.Run("does not lock on elevation", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			_, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
			require.NoError(t, err)
			f.clock.Advance(7 * 24 * time.Hour)
		}

		f.toElevated(t)
		assert.Equal(t, ld.StateElevated, f.ctrl.State())
	})

	t.Run("only recent failures count while elevated", func(t *testing.T) {
		f := newFixture(t)
		f.toElevated(t)
		for i := 0; i < 2; i++ {
			_, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
			require.NoError(t, err)
		}
		f.clock.Advance(10 * time.Minute)

		state, err := f.ctrl.RecordAuthOutcome(ctx, rejected)
		require.NoError(t, err)
		assert.Equal(t, ld.StateElevated, state)
		assert.Equal(t, 1, f.ctrl.Status().FailedAuthStreak)
	})
}

func (f *fixture) toElevatedOrLocked(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.6, Confidence: 0.9}))
}

func TestRiskScorePolicy(t *testing.T) {
	tests := []struct {
		name       string
		assessment risk.Assessment
		want       ld.State
	}{
		{"quiet", risk.Assessment{Score: 0.2, Confidence: 0.9}, ld.StateNormal},
		{"elevated", risk.Assessment{Score: 0.5, Confidence: 0.9}, ld.StateElevated},
		{"locked", risk.Assessment{Score: 0.85, Confidence: 0.9}, ld.StateLocked},
		{"low confidence spike only elevates", risk.Assessment{Score: 0.95, Confidence: 0.3}, ld.StateElevated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.ctrl.ApplyAssessment(ctx, tt.assessment))
			assert.Equal(t, tt.want, f.ctrl.State())
		})
	}
}

func TestScoresIgnoredWhileLockedOrRecovering(t *testing.T) {
	f := newFixture(t)
	f.toLocked(t)
	_, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
	require.NoError(t, err)

	require.NoError(t, f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 1, Confidence: 1}))
	assert.Equal(t, ld.StateRecovery, f.ctrl.State())
}

func TestLockedDeniesEveryTierButAuth(t *testing.T) {
	f := newFixture(t)
	f.toLocked(t)

	for _, intent := range append([]command.Intent{command.IntentUnknown}, command.Intents...) {
		cmd := command.Command{Intent: intent, Tier: intent.Tier()}
		_, err := f.ctrl.GateCheck(cmd)
		if cmd.IsAuth() {
			assert.NoError(t, err, intent.String())
		} else {
			assert.Error(t, err, intent.String())
		}
	}
}

func TestGateCheckReasons(t *testing.T) {
	f := newFixture(t)
	f.toElevated(t)

	_, err := f.ctrl.GateCheck(command.Command{Tier: command.TierReadOnly})
	assert.NoError(t, err)
	_, err = f.ctrl.GateCheck(command.Command{Tier: command.TierStandard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restricted")
	assert.NotContains(t, err.Error(), "0.")
}

func TestRaiseLevel(t *testing.T) {
	f := newFixture(t)

	state, err := f.ctrl.RaiseLevel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ld.StateNormal, state)

	state, err = f.ctrl.RaiseLevel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, ld.StateElevated, state)

	state, err = f.ctrl.RaiseLevel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ld.StateElevated, state, "levels only go up")

	_, err = f.ctrl.RaiseLevel(ctx, 9)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInput))
}

func TestStorageFailures(t *testing.T) {
	t.Run("report elevates", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ctrl.ReportStorageFailure(ctx))
		assert.Equal(t, ld.StateElevated, f.ctrl.State())
	})

	t.Run("escalation applies even when unrecorded", func(t *testing.T) {
		f := newFixture(t)
		f.rec.fail(true)
		err := f.ctrl.Panic(ctx)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
		assert.Equal(t, ld.StateLocked, f.ctrl.State())
	})

	t.Run("de-escalation refused when unrecorded", func(t *testing.T) {
		f := newFixture(t)
		f.toLocked(t)
		f.rec.fail(true)
		_, err := f.ctrl.RecordAuthOutcome(ctx, confirmed)
		require.Error(t, err)
		assert.Equal(t, ld.StateLocked, f.ctrl.State())
	})
}

func TestTransitionsFormOneChainUnderConcurrency(t *testing.T) {
	for round := 0; round < 20; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			f := newFixture(t)
			f.toElevated(t)

			var wg sync.WaitGroup
			start := make(chan struct{})
			spike := func() {
				defer wg.Done()
				<-start
				_ = f.ctrl.ApplyAssessment(ctx, risk.Assessment{Score: 0.99, Confidence: 0.99})
			}
			auth := func() {
				defer wg.Done()
				<-start
				_, _ = f.ctrl.RecordAuthOutcome(ctx, confirmed)
			}
			gate := func() {
				defer wg.Done()
				<-start
				state, err := f.ctrl.GateCheck(command.Command{Tier: command.TierStandard})
				// the observed state must agree with the decision
				assert.Equal(t, state.Admits(command.TierStandard), err == nil)
			}
			for i := 0; i < 4; i++ {
				wg.Add(3)
				go spike()
				go auth()
				go gate()
			}
			close(start)
			wg.Wait()

			trail := f.transitions(t)
			require.NotEmpty(t, trail)
			prev := ld.StateNormal
			for i, tr := range trail {
				assert.Equal(t, uint64(i+1), tr.Version)
				assert.Equal(t, prev, tr.From, "transition %d starts where the last ended", i)
				assert.True(t, ld.CanTransition(tr.From, tr.To))
				prev = tr.To
			}
			assert.Equal(t, prev, f.ctrl.State())
			assert.Equal(t, uint64(len(trail)), f.ctrl.Status().Version)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := ConfigFrom(config.Defaults().Lockdown)
	require.NoError(t, cfg.Validate())

	cfg.LockedThreshold = cfg.ElevatedThreshold - 0.1
	assert.True(t, errors.IsType(cfg.Validate(), errors.ErrorTypeConfiguration))
}
