// internal/timer/subsystem.go
package timer

import (
	"context"
	"time"

	"focus-sync/internal/common/config"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
)

// ==========================
// DUAL-MODE SUBSYSTEM
// ==========================

// Subsystem wires the two driver implementations behind the per-user flag.
// With the flag disabled only the legacy driver exists. In dual mode the
// legacy driver stays the source of truth while the timezone-aware driver
// runs in shadow for validation. In utc-only mode the timezone-aware
// driver is the source of truth and the legacy driver is gone.
type Subsystem struct {
	flag   string
	legacy *LegacyDriver
	utc    *UTCDriver
	log    logger.Logger
}

// NewSubsystem builds the driver set for one user according to the flag.
func NewSubsystem(flag, timezone string, log logger.Logger) (*Subsystem, error) {
	return NewSubsystemWithClock(flag, timezone, log, time.Now)
}

// NewSubsystemWithClock is NewSubsystem with an injectable clock shared by
// both drivers, so dual-mode comparisons see the same instants.
func NewSubsystemWithClock(flag, timezone string, log logger.Logger, now func() time.Time) (*Subsystem, error) {
	s := &Subsystem{flag: flag, log: log}

	switch flag {
	case FlagDisabled:
		s.legacy = NewLegacyDriverWithClock(now)
	case FlagDual:
		s.legacy = NewLegacyDriverWithClock(now)
		s.utc = NewUTCDriverWithClock(timezone, log, now)
	case FlagUTCOnly:
		s.utc = NewUTCDriverWithClock(timezone, log, now)
	default:
		return nil, errors.NewInvalidTimerModeError(flag)
	}
	return s, nil
}

// ForUser resolves the flag for a user from config and builds a subsystem.
func ForUser(cfg *config.Config, userID, timezone string, log logger.Logger) (*Subsystem, error) {
	return NewSubsystem(config.TimerModeFor(cfg, userID), timezone, log)
}

// Flag returns the flag position this subsystem was built with.
func (s *Subsystem) Flag() string {
	return s.flag
}

func (s *Subsystem) drivers() []Driver {
	var out []Driver
	if s.legacy != nil {
		out = append(out, s.legacy)
	}
	if s.utc != nil {
		out = append(out, s.utc)
	}
	return out
}

func (s *Subsystem) Start() {
	for _, d := range s.drivers() {
		d.Start()
	}
}

func (s *Subsystem) Pause() {
	for _, d := range s.drivers() {
		d.Pause()
	}
}

func (s *Subsystem) Reset() {
	for _, d := range s.drivers() {
		d.Reset()
	}
}

func (s *Subsystem) Skip() {
	for _, d := range s.drivers() {
		d.Skip()
	}
}

func (s *Subsystem) SetMode(phase Phase) error {
	for _, d := range s.drivers() {
		if err := d.SetMode(phase); err != nil {
			return err
		}
	}
	return nil
}

// State returns the source-of-truth snapshot for the current flag.
func (s *Subsystem) State() Snapshot {
	if s.flag == FlagUTCOnly {
		return s.utc.State()
	}
	return s.legacy.State()
}

// shadowDriftTolerance is how far the shadow driver may diverge from the
// source of truth before dual mode logs it for the migration review.
const shadowDriftTolerance = 2

// CheckShadow compares the shadow driver against the source of truth in
// dual mode. It returns the drift in seconds and whether a comparison was
// possible at all.
func (s *Subsystem) CheckShadow() (driftSeconds int, ok bool) {
	if s.flag != FlagDual {
		return 0, false
	}

	truth := s.legacy.State()
	shadow := s.utc.State()

	drift := truth.ElapsedSeconds - shadow.ElapsedSeconds
	if drift < 0 {
		drift = -drift
	}
	if drift > shadowDriftTolerance || truth.Mode != shadow.Mode ||
		truth.SessionsCompleted != shadow.SessionsCompleted {
		s.log.Warn("shadow timer diverged from legacy", map[string]interface{}{
			"driftSeconds":  drift,
			"legacyMode":    string(truth.Mode),
			"shadowMode":    string(shadow.Mode),
			"legacyCount":   truth.SessionsCompleted,
			"shadowCount":   shadow.SessionsCompleted,
		})
	}
	return drift, true
}

// Timezone returns the display timezone when a timezone-aware driver is
// present, and the empty string otherwise.
func (s *Subsystem) Timezone() string {
	if s.utc == nil {
		return ""
	}
	return s.utc.Timezone()
}

// WatchTimezone starts the ambient-timezone poll on the timezone-aware
// driver. It is a no-op when the flag is disabled.
func (s *Subsystem) WatchTimezone(ctx context.Context, interval time.Duration, zoneFn func() string, onChange TimezoneChangeFunc) {
	if s.utc == nil {
		return
	}
	s.utc.PollTimezone(ctx, interval, zoneFn, onChange)
}
