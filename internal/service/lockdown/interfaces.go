package lockdown

import (
	"context"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
	"github.com/davidleathers/guardian-core/internal/domain/risk"
)

// Recorder appends transition events. The controller calls it while holding
// its own lock, so it must not call back into the controller.
type Recorder interface {
	Append(ctx context.Context, draft activity.Draft) (activity.Event, error)
}

// Service is the lockdown controller's API. It is the only writer of the
// process-wide lockdown state.
type Service interface {
	// Observe reacts to one committed activity event
	Observe(ctx context.Context, event activity.Event) error
	// ApplyAssessment reacts to a fresh risk assessment
	ApplyAssessment(ctx context.Context, assessment risk.Assessment) error
	// RecordAuthOutcome reacts to an auth gate verification
	RecordAuthOutcome(ctx context.Context, result credential.VerificationResult) (ld.State, error)
	// ConfirmRecovery completes or fails the recovery step
	ConfirmRecovery(ctx context.Context, result credential.VerificationResult) (ld.State, error)
	// Tick evaluates time-based transitions (cooldown, recovery expiry)
	Tick(ctx context.Context) error
	// Panic jumps to Locked from any state
	Panic(ctx context.Context) error
	// RaiseLevel escalates to the requested security level (1 normal, 2 elevated, 3 locked)
	RaiseLevel(ctx context.Context, level int) (ld.State, error)
	// ReportStorageFailure treats a lost audit event as risk
	ReportStorageFailure(ctx context.Context) error
	// GateCheck admits or denies a command against the current state
	GateCheck(cmd command.Command) (ld.State, error)
	// Status returns a consistent snapshot of the controller
	Status() Status
}
