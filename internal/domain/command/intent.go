package command

// Intent is the closed set of recognized command intents
type Intent int

const (
	IntentUnknown Intent = iota
	IntentGreeting
	IntentFarewell
	IntentTime
	IntentDate
	IntentIdentity
	IntentHelp
	IntentOpenApplication
	IntentRunRoutine
	IntentShutdown
	IntentRestart
	IntentLockScreen
	IntentSleep
	IntentSetSecurityLevel
	IntentPanic
	IntentAuthenticate
	IntentConfirmRecovery
)

// Intents lists every known intent except IntentUnknown
var Intents = []Intent{
	IntentGreeting,
	IntentFarewell,
	IntentTime,
	IntentDate,
	IntentIdentity,
	IntentHelp,
	IntentOpenApplication,
	IntentRunRoutine,
	IntentShutdown,
	IntentRestart,
	IntentLockScreen,
	IntentSleep,
	IntentSetSecurityLevel,
	IntentPanic,
	IntentAuthenticate,
	IntentConfirmRecovery,
}

func (i Intent) String() string {
	switch i {
	case IntentGreeting:
		return "greeting"
	case IntentFarewell:
		return "farewell"
	case IntentTime:
		return "time"
	case IntentDate:
		return "date"
	case IntentIdentity:
		return "identity"
	case IntentHelp:
		return "help"
	case IntentOpenApplication:
		return "open_application"
	case IntentRunRoutine:
		return "run_routine"
	case IntentShutdown:
		return "shutdown"
	case IntentRestart:
		return "restart"
	case IntentLockScreen:
		return "lock_screen"
	case IntentSleep:
		return "sleep"
	case IntentSetSecurityLevel:
		return "set_security_level"
	case IntentPanic:
		return "panic"
	case IntentAuthenticate:
		return "authenticate"
	case IntentConfirmRecovery:
		return "confirm_recovery"
	default:
		return "unknown"
	}
}

// Tier returns the privilege tier the intent requires
func (i Intent) Tier() Tier {
	switch i {
	case IntentGreeting, IntentFarewell, IntentTime, IntentDate, IntentIdentity, IntentHelp:
		return TierReadOnly
	case IntentOpenApplication, IntentRunRoutine:
		return TierStandard
	case IntentShutdown, IntentRestart, IntentLockScreen, IntentSleep, IntentSetSecurityLevel, IntentPanic:
		return TierPrivileged
	case IntentAuthenticate, IntentConfirmRecovery:
		return TierAuth
	default:
		// unknown intents never reach the gate, but fail closed if they do
		return TierPrivileged
	}
}
