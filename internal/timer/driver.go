// internal/timer/driver.go
package timer

// ==========================
// TIMER DRIVER CONTRACT
// ==========================

// Phase is the pomodoro phase the timer is counting through.
type Phase string

const (
	PhaseFocus      Phase = "focus"
	PhaseShortBreak Phase = "short_break"
	PhaseLongBreak  Phase = "long_break"
)

// IsValid reports whether the phase is one of the known values.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseFocus, PhaseShortBreak, PhaseLongBreak:
		return true
	default:
		return false
	}
}

// Flag positions selecting which driver is the source of truth during the
// clock migration.
const (
	FlagDisabled = "disabled"
	FlagDual     = "dual"
	FlagUTCOnly  = "utc-only"
)

// Snapshot is the timer state emitted to consumers.
type Snapshot struct {
	IsRunning         bool  `json:"isRunning"`
	ElapsedSeconds    int   `json:"elapsedSeconds"`
	Mode              Phase `json:"mode"`
	SessionsCompleted int   `json:"sessionsCompleted"`
}

// Driver is the operation set both timer implementations expose. The legacy
// wall-clock driver and the timezone-aware driver are interchangeable
// behind it; the flag decides which one consumers observe.
type Driver interface {
	Start()
	Pause()
	Reset()
	Skip()
	SetMode(phase Phase) error
	State() Snapshot
}

// focusPhasesPerCycle is how many focus phases complete before the long
// break replaces the short one.
const focusPhasesPerCycle = 4
