// internal/timer/timer_test.go
package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/common/logger"
)

// fakeClock is a hand-advanced clock shared across drivers in a test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLegacyDriverCounting(t *testing.T) {
	clock := newFakeClock()
	d := NewLegacyDriverWithClock(clock.Now)

	assert.Equal(t, Snapshot{Mode: PhaseFocus}, d.State())

	d.Start()
	clock.Advance(90 * time.Second)
	got := d.State()
	assert.True(t, got.IsRunning)
	assert.Equal(t, 90, got.ElapsedSeconds)

	d.Pause()
	clock.Advance(time.Hour)
	assert.Equal(t, 90, d.State().ElapsedSeconds, "paused timer must not advance")

	d.Start()
	clock.Advance(30 * time.Second)
	assert.Equal(t, 120, d.State().ElapsedSeconds, "resume banks prior elapsed time")

	d.Reset()
	got = d.State()
	assert.False(t, got.IsRunning)
	assert.Zero(t, got.ElapsedSeconds)
}

func TestLegacyDriverSkipCadence(t *testing.T) {
	clock := newFakeClock()
	d := NewLegacyDriverWithClock(clock.Now)

	// Three focus phases each lead into the short break; the fourth earns
	// the long break.
	for i := 1; i <= 3; i++ {
		require.Equal(t, PhaseFocus, d.State().Mode)
		d.Skip()
		assert.Equal(t, PhaseShortBreak, d.State().Mode)
		assert.Equal(t, i, d.State().SessionsCompleted)
		d.Skip()
	}

	require.Equal(t, PhaseFocus, d.State().Mode)
	d.Skip()
	assert.Equal(t, PhaseLongBreak, d.State().Mode)
	assert.Equal(t, 4, d.State().SessionsCompleted)

	d.Skip()
	assert.Equal(t, PhaseFocus, d.State().Mode)
}

func TestLegacyDriverSkipWhileRunning(t *testing.T) {
	clock := newFakeClock()
	d := NewLegacyDriverWithClock(clock.Now)

	d.Start()
	clock.Advance(10 * time.Minute)
	d.Skip()

	got := d.State()
	assert.True(t, got.IsRunning, "a running timer keeps running across a skip")
	assert.Zero(t, got.ElapsedSeconds, "the new phase starts from zero")
}

func TestSetMode(t *testing.T) {
	d := NewLegacyDriverWithClock(newFakeClock().Now)

	require.NoError(t, d.SetMode(PhaseLongBreak))
	assert.Equal(t, PhaseLongBreak, d.State().Mode)

	err := d.SetMode(Phase("nap"))
	require.Error(t, err)
	assert.Equal(t, PhaseLongBreak, d.State().Mode)
}

func TestUTCDriverTimezoneChangeDoesNotDisturbCount(t *testing.T) {
	clock := newFakeClock()
	d := NewUTCDriverWithClock("Europe/Berlin", logger.NewTestLogger(t), clock.Now)

	d.Start()
	anchor := d.StartedAtUTC()
	clock.Advance(5 * time.Minute)

	zone := "Europe/Berlin"
	var zoneMu sync.Mutex
	zoneFn := func() string {
		zoneMu.Lock()
		defer zoneMu.Unlock()
		return zone
	}

	changes := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.PollTimezone(ctx, 5*time.Millisecond, zoneFn, func(oldZone, newZone string) {
		changes <- oldZone + "->" + newZone
	})

	zoneMu.Lock()
	zone = "America/New_York"
	zoneMu.Unlock()

	select {
	case change := <-changes:
		assert.Equal(t, "Europe/Berlin->America/New_York", change)
	case <-time.After(2 * time.Second):
		t.Fatal("timezone change was never observed")
	}

	assert.Equal(t, "America/New_York", d.Timezone())
	assert.Equal(t, anchor, d.StartedAtUTC(), "UTC anchor must not be rewritten")
	assert.True(t, d.State().IsRunning, "count must not be interrupted")
	assert.Equal(t, 300, d.State().ElapsedSeconds)
}

func TestPollTimezoneStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	d := NewUTCDriverWithClock("Europe/Berlin", logger.NewTestLogger(t), clock.Now)
	d.Start()

	zone := "Europe/Berlin"
	var zoneMu sync.Mutex
	zoneFn := func() string {
		zoneMu.Lock()
		defer zoneMu.Unlock()
		return zone
	}

	changes := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	d.PollTimezone(ctx, 5*time.Millisecond, zoneFn, func(oldZone, newZone string) {
		changes <- newZone
	})
	cancel()
	time.Sleep(25 * time.Millisecond)

	zoneMu.Lock()
	zone = "America/New_York"
	zoneMu.Unlock()

	select {
	case got := <-changes:
		t.Fatalf("stopped watcher still observed %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, "Europe/Berlin", d.Timezone())
}

func TestSubsystemFlagSelection(t *testing.T) {
	clock := newFakeClock()
	log := logger.NewTestLogger(t)

	t.Run("unknown flag is rejected", func(t *testing.T) {
		_, err := NewSubsystemWithClock("shadow", "UTC", log, clock.Now)
		require.Error(t, err)
	})

	t.Run("disabled has no timezone-aware driver", func(t *testing.T) {
		s, err := NewSubsystemWithClock(FlagDisabled, "UTC", log, clock.Now)
		require.NoError(t, err)
		assert.Empty(t, s.Timezone())

		_, ok := s.CheckShadow()
		assert.False(t, ok)
	})

	t.Run("utc-only is the source of truth", func(t *testing.T) {
		s, err := NewSubsystemWithClock(FlagUTCOnly, "Asia/Tokyo", log, clock.Now)
		require.NoError(t, err)

		s.Start()
		clock.Advance(time.Minute)
		assert.Equal(t, 60, s.State().ElapsedSeconds)
		assert.Equal(t, "Asia/Tokyo", s.Timezone())
	})
}

func TestSubsystemDualModeShadow(t *testing.T) {
	clock := newFakeClock()
	s, err := NewSubsystemWithClock(FlagDual, "UTC", logger.NewTestLogger(t), clock.Now)
	require.NoError(t, err)

	s.Start()
	clock.Advance(3 * time.Minute)
	s.Skip()
	clock.Advance(time.Minute)

	// Both drivers share the clock, so shadow drift stays at zero.
	drift, ok := s.CheckShadow()
	require.True(t, ok)
	assert.Zero(t, drift)

	truth := s.State()
	assert.Equal(t, PhaseShortBreak, truth.Mode)
	assert.Equal(t, 1, truth.SessionsCompleted)
	assert.Equal(t, 60, truth.ElapsedSeconds)
}
