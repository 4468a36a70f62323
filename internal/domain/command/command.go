package command

import (
	"time"

	"github.com/google/uuid"
)

// Input is the structured result handed over by the transcription/NLU layer
type Input struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Tier is the privilege a command needs before it may run
type Tier int

const (
	// TierReadOnly covers informational commands with no side effects
	TierReadOnly Tier = iota
	// TierStandard covers routine automation (apps, routines)
	TierStandard
	// TierPrivileged covers system and security control
	TierPrivileged
	// TierAuth covers the commands that establish identity; always admitted
	TierAuth
)

func (t Tier) String() string {
	switch t {
	case TierReadOnly:
		return "read_only"
	case TierStandard:
		return "standard"
	case TierPrivileged:
		return "privileged"
	case TierAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Command is a parsed, gate-checkable request. It lives for one submission.
type Command struct {
	ID     uuid.UUID
	Input  Input
	Intent Intent
	// Action is the routine library identifier the automation engine invokes
	Action string
	Params map[string]string
	Tier   Tier
}

// IsAuth reports whether the command initiates verification
func (c Command) IsAuth() bool {
	return c.Tier == TierAuth
}

// Param returns a parameter value
func (c Command) Param(key string) string {
	return c.Params[key]
}

// RedactedParams returns the parameters safe to log
func (c Command) RedactedParams() map[string]string {
	out := make(map[string]string, len(c.Params))
	for k, v := range c.Params {
		if k == ParamSecret {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

// Well-known parameter keys
const (
	ParamSecret  = "secret"
	ParamApp     = "app"
	ParamRoutine = "routine"
	ParamLevel   = "level"
)
