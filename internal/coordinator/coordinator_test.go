// internal/coordinator/coordinator_test.go
package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/common/config"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/models"
	"focus-sync/internal/store"
	"focus-sync/internal/timer"
)

type fixture struct {
	clock *fakeClock
	store *store.Store
	coord *Coordinator
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	log := logger.NewTestLogger(t)

	st, err := store.NewStoreWithClock(t.TempDir(), log, clock.Now)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Timer.DefaultMode = timer.FlagDisabled

	return &fixture{
		clock: clock,
		store: st,
		coord: NewWithClock(cfg, st, log, clock.Now),
	}
}

func TestToggle(t *testing.T) {
	t.Run("enable creates and starts a session", func(t *testing.T) {
		f := newFixture(t)

		session, err := f.coord.Toggle("user-1", "Europe/Berlin", true)
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, models.StatusActive, session.Status)
		assert.Equal(t, "Europe/Berlin", session.Timezone)
		require.NotNil(t, f.coord.Timer("user-1"))
		assert.True(t, f.coord.Timer("user-1").State().IsRunning)
	})

	t.Run("duplicate enable returns the existing session", func(t *testing.T) {
		f := newFixture(t)

		first, err := f.coord.Toggle("user-1", "UTC", true)
		require.NoError(t, err)
		second, err := f.coord.Toggle("user-1", "UTC", true)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("disable completes the session with timer minutes", func(t *testing.T) {
		f := newFixture(t)

		started, err := f.coord.Toggle("user-1", "UTC", true)
		require.NoError(t, err)

		f.clock.Advance(25*time.Minute + 30*time.Second)
		completed, err := f.coord.Toggle("user-1", "UTC", false)
		require.NoError(t, err)
		require.NotNil(t, completed)
		assert.Equal(t, started.ID, completed.ID)
		assert.Equal(t, models.StatusCompleted, completed.Status)
		assert.Equal(t, 25, completed.DurationMinutes)
		assert.Nil(t, f.coord.Timer("user-1"))
	})

	t.Run("disable with nothing active is benign", func(t *testing.T) {
		f := newFixture(t)

		session, err := f.coord.Toggle("user-1", "UTC", false)
		require.NoError(t, err)
		assert.Nil(t, session)
	})

	t.Run("missing user is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.coord.Toggle("", "UTC", true)
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})
}

func TestStartFocusRejectsSecondSession(t *testing.T) {
	f := newFixture(t)

	first, err := f.coord.StartFocus("user-1", "UTC")
	require.NoError(t, err)

	_, err = f.coord.StartFocus("user-1", "UTC")
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyActive(err))

	// The failure carries the existing session so callers can recover
	// idempotently.
	var stdErr *errors.StandardError
	require.ErrorAs(t, err, &stdErr)
	assert.Equal(t, first.ID, stdErr.Metadata["sessionId"])
}

func TestConcurrentTogglesKeepOneActiveSession(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Toggle("user-1", "UTC", true)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sessions, err := f.store.ListForDate("2026-03-10")
	require.NoError(t, err)

	active := 0
	for _, s := range sessions {
		if s.IsActive() {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Len(t, sessions, 1)
}

func TestUpdateDuration(t *testing.T) {
	f := newFixture(t)

	session, err := f.coord.Toggle("user-1", "UTC", true)
	require.NoError(t, err)

	t.Run("tick is applied", func(t *testing.T) {
		ok, err := f.coord.UpdateDuration(session.ID, 5)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("late smaller tick is dropped", func(t *testing.T) {
		ok, err := f.coord.UpdateDuration(session.ID, 2)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 5, f.store.Get(session.ID).DurationMinutes)
	})

	t.Run("unknown session is benign", func(t *testing.T) {
		ok, err := f.coord.UpdateDuration("gone", 10)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ticks after completion are frozen out", func(t *testing.T) {
		_, err := f.coord.Toggle("user-1", "UTC", false)
		require.NoError(t, err)

		ok, err := f.coord.UpdateDuration(session.ID, 50)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 5, f.store.Get(session.ID).DurationMinutes)
	})
}

func TestCompleteByID(t *testing.T) {
	f := newFixture(t)

	session, err := f.coord.Toggle("user-1", "UTC", true)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	final := 10
	completed, err := f.coord.Complete(session.ID, &final)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.Equal(t, 10, completed.DurationMinutes)
	assert.Nil(t, f.coord.Timer("user-1"), "timer is released on completion")

	_, err = f.coord.Complete("gone", nil)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)

	session, err := f.coord.Toggle("user-1", "UTC", true)
	require.NoError(t, err)

	t.Run("active session needs admin_cleanup", func(t *testing.T) {
		_, err := f.coord.Delete(session.ID, models.ReasonManualDeletion)
		require.Error(t, err)
		assert.True(t, errors.IsPermissionDenied(err))
	})

	t.Run("admin_cleanup cancels and returns the user to idle", func(t *testing.T) {
		removed, err := f.coord.Delete(session.ID, models.ReasonAdminCleanup)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, removed.Status)
		assert.False(t, f.coord.FocusState("user-1").Active)
		assert.Nil(t, f.coord.Timer("user-1"))
	})
}

func TestFocusStateAndListeners(t *testing.T) {
	f := newFixture(t)

	type event struct {
		userID string
		state  models.FocusState
	}
	events := make(chan event, 4)
	f.coord.OnFocusStateChanged(func(userID string, state models.FocusState) {
		events <- event{userID, state}
	})

	assert.False(t, f.coord.FocusState("user-1").Active)

	session, err := f.coord.Toggle("user-1", "UTC", true)
	require.NoError(t, err)

	state := f.coord.FocusState("user-1")
	assert.True(t, state.Active)
	assert.Equal(t, session.ID, state.SessionID)

	_, err = f.coord.Toggle("user-1", "UTC", false)
	require.NoError(t, err)
	f.coord.Shutdown()

	first := <-events
	assert.Equal(t, "user-1", first.userID)
	assert.True(t, first.state.Active)
	assert.Equal(t, session.ID, first.state.SessionID)

	second := <-events
	assert.False(t, second.state.Active)
}

func TestListenerDeliveryFollowsTransitionOrder(t *testing.T) {
	f := newFixture(t)

	states := make(chan models.FocusState, 16)
	f.coord.OnFocusStateChanged(func(_ string, state models.FocusState) {
		states <- state
	})

	// Rapid on/off cycles; listeners must never see a disable before the
	// enable that preceded it.
	for i := 0; i < 4; i++ {
		_, err := f.coord.Toggle("user-1", "UTC", true)
		require.NoError(t, err)
		f.clock.Advance(5 * time.Minute)
		_, err = f.coord.Toggle("user-1", "UTC", false)
		require.NoError(t, err)
	}
	f.coord.Shutdown()
	close(states)

	var got []bool
	for state := range states {
		got = append(got, state.Active)
	}
	require.Len(t, got, 8)
	for i, active := range got {
		assert.Equal(t, i%2 == 0, active, "event %d delivered out of order", i)
	}
}

func TestRelabelTimezone(t *testing.T) {
	t.Run("active session picks up the new zone", func(t *testing.T) {
		f := newFixture(t)

		session, err := f.coord.Toggle("user-1", "Europe/Berlin", true)
		require.NoError(t, err)

		relabelled, err := f.coord.RelabelTimezone("user-1", "America/New_York")
		require.NoError(t, err)
		assert.True(t, relabelled)

		got := f.store.Get(session.ID)
		assert.Equal(t, "America/New_York", got.Timezone)
		assert.True(t, got.StartTimeUTC.Equal(session.StartTimeUTC), "UTC anchor must not move")
	})

	t.Run("idle user is a no-op", func(t *testing.T) {
		f := newFixture(t)

		relabelled, err := f.coord.RelabelTimezone("user-1", "America/New_York")
		require.NoError(t, err)
		assert.False(t, relabelled)
	})

	t.Run("unchanged zone is a no-op", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.coord.Toggle("user-1", "Europe/Berlin", true)
		require.NoError(t, err)

		relabelled, err := f.coord.RelabelTimezone("user-1", "Europe/Berlin")
		require.NoError(t, err)
		assert.False(t, relabelled)
	})

	t.Run("completed session is left alone", func(t *testing.T) {
		f := newFixture(t)

		session, err := f.coord.Toggle("user-1", "Europe/Berlin", true)
		require.NoError(t, err)
		f.clock.Advance(10 * time.Minute)
		_, err = f.coord.Toggle("user-1", "Europe/Berlin", false)
		require.NoError(t, err)

		relabelled, err := f.coord.RelabelTimezone("user-1", "America/New_York")
		require.NoError(t, err)
		assert.False(t, relabelled)
		assert.Equal(t, "Europe/Berlin", f.store.Get(session.ID).Timezone)
	})
}

func TestApplyResolvedGoesThroughUserLock(t *testing.T) {
	f := newFixture(t)

	session, err := f.coord.Toggle("user-1", "UTC", true)
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	_, err = f.coord.Toggle("user-1", "UTC", false)
	require.NoError(t, err)

	resolved := f.store.Get(session.ID)
	resolved.DurationMinutes = 30
	resolved.ConflictResolved = true
	resolved.ResolutionStrategy = string(models.MergeStrategy)
	now := f.clock.Now()
	resolved.ResolvedAt = &now

	require.NoError(t, f.coord.ApplyResolved(resolved))

	got := f.store.Get(session.ID)
	assert.Equal(t, 30, got.DurationMinutes)
	assert.True(t, got.ConflictResolved)
}
