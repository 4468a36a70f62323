package auth

import (
	"context"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
	"github.com/davidleathers/guardian-core/internal/domain/credential"
)

// IdentityStore matches credentials. A mismatch is (false, nil); an error
// means no comparison could be made.
type IdentityStore interface {
	Match(ctx context.Context, c credential.Credential) (bool, error)
}

// AttemptLimiter bounds verification attempts per subject
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// Recorder receives the gate's audit events
type Recorder interface {
	Append(ctx context.Context, draft activity.Draft) (activity.Event, error)
}

// Verifier is the auth gate's API
type Verifier interface {
	// Verify checks a credential. It fails closed: the result is confirmed
	// only when the store matched and the success was recorded.
	Verify(ctx context.Context, c credential.Credential) (credential.VerificationResult, error)
}
