package pipeline

import (
	"context"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/command"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
	ld "github.com/davidleathers/guardian-core/internal/domain/lockdown"
)

// Recorder receives the pipeline's events. In production it is the monitor,
// so every denial and outcome is observed by the lockdown controller.
type Recorder interface {
	Append(ctx context.Context, draft activity.Draft) (activity.Event, error)
}

// Controller is the part of the lockdown controller the pipeline drives
type Controller interface {
	GateCheck(cmd command.Command) (ld.State, error)
	State() ld.State
	Panic(ctx context.Context) error
	RaiseLevel(ctx context.Context, level int) (ld.State, error)
	RecordAuthOutcome(ctx context.Context, result credential.VerificationResult) (ld.State, error)
	ConfirmRecovery(ctx context.Context, result credential.VerificationResult) (ld.State, error)
}

// Verifier checks credentials
type Verifier interface {
	Verify(ctx context.Context, c credential.Credential) (credential.VerificationResult, error)
}

// Executor runs admitted commands
type Executor interface {
	Execute(ctx context.Context, cmd command.Command) (Execution, error)
}
