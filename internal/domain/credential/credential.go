package credential

import "time"

// Method is how the owner proves identity
type Method string

const (
	MethodPIN       Method = "pin"
	MethodVoice     Method = "voice"
	MethodSecondary Method = "secondary"
)

// Credential is presented to the auth gate. Secret never leaves the gate.
type Credential struct {
	Subject string
	Method  Method
	Secret  string
}

// String hides the secret
func (c Credential) String() string {
	return string(c.Method) + ":" + c.Subject + ":****"
}

// VerificationResult is read by the lockdown controller at transition time only
type VerificationResult struct {
	Confirmed bool
	Method    Method
	Timestamp time.Time
	// Reason is a short machine code for failures (mismatch, timeout, rate_limited, error)
	Reason string
}

// Failure reasons
const (
	ReasonMismatch    = "mismatch"
	ReasonTimeout     = "timeout"
	ReasonRateLimited = "rate_limited"
	ReasonError       = "error"
	ReasonUnaudited   = "unaudited"
)
