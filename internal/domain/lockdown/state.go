package lockdown

import (
	"fmt"

	"github.com/davidleathers/guardian-core/internal/domain/command"
)

// State is the process-wide access posture
type State int

const (
	StateNormal State = iota
	StateElevated
	StateLocked
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateElevated:
		return "elevated"
	case StateLocked:
		return "locked"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Restriction orders states from least to most restrictive. Recovery sits
// between Elevated and Locked: nothing but auth is admitted, yet the owner has
// already presented one factor.
func (s State) Restriction() int {
	switch s {
	case StateNormal:
		return 0
	case StateElevated:
		return 1
	case StateRecovery:
		return 2
	case StateLocked:
		return 3
	default:
		return 3
	}
}

// Trigger names why a transition happened
type Trigger string

const (
	TriggerRiskScore        Trigger = "risk_score"
	TriggerLowConfidence    Trigger = "risk_score_low_confidence"
	TriggerSuspiciousStreak Trigger = "suspicious_streak"
	TriggerCriticalEvent    Trigger = "critical_event"
	TriggerFailedAuth       Trigger = "failed_auth_streak"
	TriggerCooldown         Trigger = "cooldown_elapsed"
	TriggerAuthSuccess      Trigger = "auth_verified"
	TriggerRecoveryConfirm  Trigger = "recovery_confirmed"
	TriggerRecoveryFailed   Trigger = "recovery_failed"
	TriggerRecoveryTimeout  Trigger = "recovery_timeout"
	TriggerPanic            Trigger = "panic"
	TriggerOperatorRequest  Trigger = "operator_request"
	TriggerStorageFailure   Trigger = "storage_failure"
)

// Transition is one applied state change. Version increases by exactly one
// per transition so the audit trail forms a single chain.
type Transition struct {
	From    State
	To      State
	Trigger Trigger
	Version uint64
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%s (%s, v%d)", t.From, t.To, t.Trigger, t.Version)
}

// allowed lists every legal edge of the state machine
var allowed = map[State]map[State]bool{
	StateNormal:   {StateElevated: true},
	StateElevated: {StateLocked: true, StateNormal: true},
	StateLocked:   {StateRecovery: true},
	StateRecovery: {StateNormal: true, StateLocked: true},
}

// CanTransition reports whether from->to is an edge of the state machine
func CanTransition(from, to State) bool {
	return allowed[from][to]
}

// PathTo returns the chain of legal edges that escalates from toward Locked,
// stopping at target. Only escalation paths are produced.
func PathTo(from, target State) []State {
	if from == target {
		return nil
	}
	switch {
	case from == StateNormal && target == StateElevated:
		return []State{StateElevated}
	case from == StateNormal && target == StateLocked:
		return []State{StateElevated, StateLocked}
	case from == StateElevated && target == StateLocked:
		return []State{StateLocked}
	case from == StateRecovery && target == StateLocked:
		return []State{StateLocked}
	default:
		return nil
	}
}

// Admits reports whether a command of the given tier may run in state s.
// Auth commands are always admitted so the owner can get back in.
func (s State) Admits(tier command.Tier) bool {
	if tier == command.TierAuth {
		return true
	}
	switch s {
	case StateNormal:
		return true
	case StateElevated:
		return tier == command.TierReadOnly
	default:
		return false
	}
}

// DenialReason is the generic category reported for a refused command.
// Locked reports nothing beyond the denial itself.
func (s State) DenialReason() string {
	switch s {
	case StateElevated:
		return "restricted"
	case StateRecovery:
		return "recovery pending"
	default:
		return ""
	}
}
