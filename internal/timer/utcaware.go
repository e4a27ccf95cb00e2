// internal/timer/utcaware.go
package timer

import (
	"context"
	"sync"
	"time"

	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
)

// ==========================
// TIMEZONE-AWARE DRIVER
// ==========================

// TimezoneChangeFunc is invoked when the ambient timezone changes while
// the driver is tracking it. Consumers use it to re-render local times;
// recorded UTC anchors are never touched.
type TimezoneChangeFunc func(oldZone, newZone string)

// UTCDriver is the timezone-aware timer implementation. All time anchors
// are stored in UTC; the timezone is a display label only, refreshed by a
// background poll. A timezone change mid-phase re-labels the driver
// without disturbing the running count.
type UTCDriver struct {
	mu sync.Mutex

	running      bool
	phase        Phase
	startedAtUTC time.Time
	accumulated  time.Duration
	timezone     string

	sessionsCompleted int
	focusCount        int

	now func() time.Time
	log logger.Logger
}

// NewUTCDriver returns a stopped driver labelled with the given timezone.
func NewUTCDriver(timezone string, log logger.Logger) *UTCDriver {
	return NewUTCDriverWithClock(timezone, log, time.Now)
}

// NewUTCDriverWithClock is NewUTCDriver with an injectable clock.
func NewUTCDriverWithClock(timezone string, log logger.Logger, now func() time.Time) *UTCDriver {
	if timezone == "" {
		timezone = "UTC"
	}
	return &UTCDriver{
		phase:    PhaseFocus,
		timezone: timezone,
		now:      now,
		log:      log,
	}
}

func (d *UTCDriver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true
	d.startedAtUTC = d.now().UTC()
}

func (d *UTCDriver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	d.accumulated += d.now().UTC().Sub(d.startedAtUTC)
	d.running = false
}

func (d *UTCDriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
	d.accumulated = 0
}

func (d *UTCDriver) Skip() {
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
		d.startedAtUTC = d.now().UTC()
	}
}

func (d *UTCDriver) SetMode(phase Phase) error {
	if !phase.IsValid() {
		return errors.NewInvalidTimerModeError(string(phase))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.phase = phase
	d.accumulated = 0
	if d.running {
		d.startedAtUTC = d.now().UTC()
	}
	return nil
}

func (d *UTCDriver) State() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	elapsed := d.accumulated
	if d.running {
		elapsed += d.now().UTC().Sub(d.startedAtUTC)
	}
	return Snapshot{
		IsRunning:         d.running,
		ElapsedSeconds:    int(elapsed.Seconds()),
		Mode:              d.phase,
		SessionsCompleted: d.sessionsCompleted,
	}
}

// Timezone returns the current display timezone label.
func (d *UTCDriver) Timezone() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timezone
}

// StartedAtUTC returns the UTC anchor of the current count, or the zero
// time when the driver is stopped.
func (d *UTCDriver) StartedAtUTC() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return time.Time{}
	}
	return d.startedAtUTC
}

// applyTimezone swaps the display label and reports whether it changed.
// The running count and every recorded UTC anchor are left alone.
func (d *UTCDriver) applyTimezone(zone string) (old string, changed bool) {
	if zone == "" {
		return "", false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if zone == d.timezone {
		return d.timezone, false
	}
	old = d.timezone
	d.timezone = zone
	return old, true
}

// PollTimezone watches the ambient timezone at the given interval until
// the context is cancelled. zoneFn reports the current ambient zone;
// onChange, when non-nil, is called outside the driver lock for every
// detected change.
func (d *UTCDriver) PollTimezone(ctx context.Context, interval time.Duration, zoneFn func() string, onChange TimezoneChangeFunc) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				old, changed := d.applyTimezone(zoneFn())
				if !changed {
					continue
				}
				d.log.Info("ambient timezone changed", map[string]interface{}{
					"from": old,
					"to":   d.Timezone(),
				})
				if onChange != nil {
					onChange(old, d.Timezone())
				}
			}
		}
	}()
}
