package activity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/guardian-core/internal/domain/errors"
)

// Source identifies which component observed an occurrence
type Source string

const (
	SourceCommandPipeline Source = "command-pipeline"
	SourceSystemMonitor   Source = "system-monitor"
	SourceAuthGate        Source = "auth-gate"
	SourceExternal        Source = "external"
)

// Valid reports whether s is one of the known sources
func (s Source) Valid() bool {
	switch s {
	case SourceCommandPipeline, SourceSystemMonitor, SourceAuthGate, SourceExternal:
		return true
	default:
		return false
	}
}

// Severity is the producer's hint about how noteworthy an event is
type Severity int

const (
	SeverityInformational Severity = iota
	SeveritySuspicious
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInformational:
		return "informational"
	case SeveritySuspicious:
		return "suspicious"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts the textual form back into a Severity
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(s) {
	case "informational", "info":
		return SeverityInformational, nil
	case "suspicious":
		return SeveritySuspicious, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, errors.NewInputError("INVALID_SEVERITY", fmt.Sprintf("unknown severity %q", s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Category is a dotted event classifier such as "command.denied"
type Category string

// Categories emitted by the core itself. Producers outside the core may use
// any other non-empty category.
const (
	CategoryCommandUnrecognized Category = "command.unrecognized"
	CategoryCommandDenied       Category = "command.denied"
	CategoryCommandOutcome      Category = "command.outcome"
	CategoryAuthVerified        Category = "auth.verified"
	CategoryAuthFailed          Category = "auth.failed"
	CategoryAuthRateLimited     Category = "auth.rate_limited"
	CategoryRecoveryConfirmed   Category = "auth.recovery_confirmed"
	CategoryRecoveryFailed      Category = "auth.recovery_failed"
	CategoryLockdownTransition  Category = "lockdown.transition"
	CategoryProtectedModified   Category = "protected.modified"
	CategoryProtectedRemoved    Category = "protected.removed"
)

// Payload is an opaque key/value mapping attached to an event
type Payload map[string]string

// Clone returns an independent copy
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Draft is an event that has not been sequenced yet
type Draft struct {
	Source   Source
	Category Category
	Severity Severity
	Payload  Payload
}

// Validate checks the draft can become an event
func (d Draft) Validate() error {
	if !d.Source.Valid() {
		return errors.NewInputError("INVALID_SOURCE", fmt.Sprintf("unknown event source %q", d.Source))
	}
	if strings.TrimSpace(string(d.Category)) == "" {
		return errors.NewInputError("MISSING_CATEGORY", "event category is required")
	}
	if d.Severity < SeverityInformational || d.Severity > SeverityCritical {
		return errors.NewInputError("INVALID_SEVERITY", fmt.Sprintf("severity %d out of range", d.Severity))
	}
	return nil
}

// Event is an immutable activity record. Sequence numbers define the log's
// total order; the payload must be treated as read-only once sealed.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Payload   Payload   `json:"payload,omitempty"`
}

// Seal turns a draft into an event at the given position
func (d Draft) Seal(seq uint64, at time.Time) Event {
	return Event{
		ID:        uuid.New(),
		Sequence:  seq,
		Timestamp: at.UTC(),
		Source:    d.Source,
		Category:  d.Category,
		Severity:  d.Severity,
		Payload:   d.Payload.Clone(),
	}
}

// Value returns a payload entry
func (e Event) Value(key string) string {
	return e.Payload[key]
}

// IsSuspicious reports whether the event carries at least a suspicious hint
func (e Event) IsSuspicious() bool {
	return e.Severity >= SeveritySuspicious
}
