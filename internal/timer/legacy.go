// internal/timer/legacy.go
package timer

import (
	"sync"
	"time"

	"focus-sync/internal/common/errors"
)

// ==========================
// LEGACY WALL-CLOCK DRIVER
// ==========================

// LegacyDriver is the original timer implementation. It anchors elapsed
// time to wall-clock timestamps and knows nothing about timezones, which
// is exactly the behavior the timezone-aware driver exists to replace.
type LegacyDriver struct {
	mu sync.Mutex

	running     bool
	phase       Phase
	startedAt   time.Time
	accumulated time.Duration

	sessionsCompleted int
	focusCount        int

	now func() time.Time
}

// NewLegacyDriver returns a stopped driver in the focus phase.
func NewLegacyDriver() *LegacyDriver {
	return NewLegacyDriverWithClock(time.Now)
}

// NewLegacyDriverWithClock is NewLegacyDriver with an injectable clock.
func NewLegacyDriverWithClock(now func() time.Time) *LegacyDriver {
	return &LegacyDriver{
		phase: PhaseFocus,
		now:   now,
	}
}

// Start begins or resumes counting. Starting a running timer is a no-op.
func (d *LegacyDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.startedAt = d.now()
}

// Pause stops counting and banks the elapsed time so far.
func (d *LegacyDriver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.accumulated += d.now().Sub(d.startedAt)
	d.running = false
}

// Reset stops the timer and zeroes the current phase's elapsed time. The
// completed-session count is preserved.
func (d *LegacyDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
	d.accumulated = 0
}

// Skip ends the current phase and advances to the next one. Skipping out
// of a focus phase counts it as completed; every fourth completed focus
// phase is followed by the long break.
func (d *LegacyDriver) Skip() {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasRunning := d.running
	d.running = false
	d.accumulated = 0

	if d.phase == PhaseFocus {
		d.sessionsCompleted++
		d.focusCount++
		if d.focusCount%focusPhasesPerCycle == 0 {
			d.phase = PhaseLongBreak
		} else {
			d.phase = PhaseShortBreak
		}
	} else {
		d.phase = PhaseFocus
	}

	if wasRunning {
		d.running = true
		d.startedAt = d.now()
	}
}

// SetMode jumps directly to a phase, zeroing the elapsed time.
func (d *LegacyDriver) SetMode(phase Phase) error {
	if !phase.IsValid() {
		return errors.NewInvalidTimerModeError(string(phase))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.phase = phase
	d.accumulated = 0
	if d.running {
		d.startedAt = d.now()
	}
	return nil
}

// State returns the current snapshot.
func (d *LegacyDriver) State() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := d.accumulated
	if d.running {
		elapsed += d.now().Sub(d.startedAt)
	}
	return Snapshot{
		IsRunning:         d.running,
		ElapsedSeconds:    int(elapsed.Seconds()),
		Mode:              d.phase,
		SessionsCompleted: d.sessionsCompleted,
	}
}
