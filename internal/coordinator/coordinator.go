// internal/coordinator/coordinator.go
package coordinator

import (
	"sync"
	"time"

	"focus-sync/internal/common/config"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/common/metrics"
	"focus-sync/internal/models"
	"focus-sync/internal/store"
	"focus-sync/internal/timer"
)

// ==========================
// FOCUS COORDINATOR
// ==========================

// FocusStateListener receives the user's focus state after every
// transition. Listeners must not block; delivery order follows transition
// order for a given user.
type FocusStateListener func(userID string, state models.FocusState)

// Coordinator owns the focus state machine. Every instance carries its own
// store, timers and listeners; callers construct one and pass it where it
// is needed instead of reaching for process-global state.
//
// All mutations for a user are serialized through a per-user lock so two
// near-simultaneous requests cannot both observe "no active session" and
// each start one.
type Coordinator struct {
	cfg   *config.Config
	store *store.Store
	log   logger.Logger
	now   func() time.Time

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
	timers    map[string]*timer.Subsystem
	listeners []FocusStateListener

	broadcastDelay time.Duration
	events         chan stateEvent
	drained        chan struct{}
	closeOnce      sync.Once
}

type stateEvent struct {
	userID string
	state  models.FocusState
}

// New builds a coordinator over the given store.
func New(cfg *config.Config, st *store.Store, log logger.Logger) *Coordinator {
	return NewWithClock(cfg, st, log, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(cfg *config.Config, st *store.Store, log logger.Logger, now func() time.Time) *Coordinator {
	c := &Coordinator{
		cfg:            cfg,
		store:          st,
		log:            log,
		now:            now,
		userLocks:      make(map[string]*sync.Mutex),
		timers:         make(map[string]*timer.Subsystem),
		broadcastDelay: time.Duration(cfg.Notifications.BroadcastDelay) * time.Millisecond,
		events:         make(chan stateEvent, 64),
		drained:        make(chan struct{}),
	}
	go c.deliver()
	return c
}

func (c *Coordinator) userLock(userID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		c.userLocks[userID] = lock
	}
	return lock
}

// ==========================
// STATE TRANSITIONS
// ==========================

// Toggle drives the user's focus state toward the requested value and
// returns the session that embodies it. Requesting a state the user is
// already in succeeds idempotently: enabling with an active session
// returns that session, disabling with none returns nil.
func (c *Coordinator) Toggle(userID, timezone string, enable bool) (*models.FocusSession, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId is required")
	}

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if enable {
		return c.startLocked(userID, timezone)
	}
	return c.stopLocked(userID)
}

// StartFocus begins a session, failing with AlreadyActiveError when one
// already exists. Toggle is the idempotent wrapper most callers want.
func (c *Coordinator) StartFocus(userID, timezone string) (*models.FocusSession, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId is required")
	}

	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if existing := c.store.ActiveForUser(userID); existing != nil {
		return nil, errors.NewAlreadyActiveError(userID, existing.ID)
	}
	return c.startLocked(userID, timezone)
}

func (c *Coordinator) startLocked(userID, timezone string) (*models.FocusSession, error) {
	if existing := c.store.ActiveForUser(userID); existing != nil {
		c.log.Debug("toggle on with session already active", map[string]interface{}{
			"userId":    userID,
			"sessionId": existing.ID,
		})
		return existing, nil
	}

	if timezone == "" {
		timezone = "UTC"
	}
	start := c.now()
	session := &models.FocusSession{
		UserID:       userID,
		StartTime:    start,
		StartTimeUTC: start.UTC(),
		Timezone:     timezone,
		Status:       models.StatusActive,
	}
	id, err := c.store.Create(session)
	if err != nil {
		return nil, err
	}

	flag := config.TimerModeFor(c.cfg, userID)
	sub, err := timer.NewSubsystemWithClock(flag, timezone, c.log, c.now)
	if err != nil {
		// The flag store handed us garbage; count without a timer rather
		// than refuse the session.
		c.log.WithError(err).Error("timer flag invalid, session runs untimed", map[string]interface{}{
			"userId": userID,
			"flag":   flag,
		})
	} else {
		sub.Start()
		c.mu.Lock()
		c.timers[userID] = sub
		c.mu.Unlock()
	}

	metrics.SessionsStarted.WithLabelValues(flag).Inc()
	c.log.Info("focus enabled", map[string]interface{}{
		"userId":    userID,
		"sessionId": id,
		"timerMode": flag,
	})

	created := c.store.Get(id)
	c.broadcast(userID, models.FocusState{
		Active:    true,
		SessionID: id,
		StartTime: &created.StartTime,
	})
	return created, nil
}

func (c *Coordinator) stopLocked(userID string) (*models.FocusSession, error) {
	active := c.store.ActiveForUser(userID)
	if active == nil {
		c.log.Debug("toggle off with no active session", map[string]interface{}{
			"userId": userID,
		})
		return nil, nil
	}

	var finalMinutes *int
	if sub := c.takeTimer(userID); sub != nil {
		state := sub.State()
		sub.Pause()
		if minutes := state.ElapsedSeconds / 60; minutes > 0 {
			finalMinutes = &minutes
		}
	}

	completed, err := c.store.Complete(active.ID, finalMinutes)
	if err != nil {
		return nil, err
	}

	metrics.SessionsCompleted.WithLabelValues(config.TimerModeFor(c.cfg, userID)).Inc()
	c.log.Info("focus disabled", map[string]interface{}{
		"userId":          userID,
		"sessionId":       completed.ID,
		"durationMinutes": completed.DurationMinutes,
	})

	c.broadcast(userID, models.FocusState{Active: false})
	return completed, nil
}

func (c *Coordinator) takeTimer(userID string) *timer.Subsystem {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := c.timers[userID]
	delete(c.timers, userID)
	return sub
}

// Timer returns the user's running timer subsystem, or nil.
func (c *Coordinator) Timer(userID string) *timer.Subsystem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers[userID]
}

// TimerUsers lists the users that currently have a timer running.
func (c *Coordinator) TimerUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.timers))
	for userID := range c.timers {
		out = append(out, userID)
	}
	return out
}

// ==========================
// SESSION OPERATIONS
// ==========================

// CreateSession stores an externally supplied session, enforcing the
// single-active invariant when the incoming session is active.
func (c *Coordinator) CreateSession(session *models.FocusSession) (*models.FocusSession, error) {
	if session == nil {
		return nil, errors.NewValidationError("session is nil")
	}

	lock := c.userLock(session.UserID)
	lock.Lock()
	defer lock.Unlock()

	if session.IsActive() {
		if existing := c.store.ActiveForUser(session.UserID); existing != nil {
			return nil, errors.NewAlreadyActiveError(session.UserID, existing.ID)
		}
	}

	id, err := c.store.Create(session)
	if err != nil {
		return nil, err
	}
	return c.store.Get(id), nil
}

// UpdateDuration records a tick for an active session. A missing session
// is benign, a duplicate or late tick carrying a smaller value is simply
// not applied.
func (c *Coordinator) UpdateDuration(sessionID string, minutes int) (bool, error) {
	session := c.store.Get(sessionID)
	if session == nil {
		return false, nil
	}

	lock := c.userLock(session.UserID)
	lock.Lock()
	defer lock.Unlock()

	return c.store.UpdateDuration(sessionID, minutes)
}

// RelabelTimezone moves the user's active session onto a new display
// timezone. The agent calls this when the ambient zone changes mid-session
// so the stored record carries the zone the timer now counts against, and
// reconciliation propagates it to the application side.
func (c *Coordinator) RelabelTimezone(userID, timezone string) (bool, error) {
	lock := c.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	active := c.store.ActiveForUser(userID)
	if active == nil {
		return false, nil
	}
	return c.store.RelabelTimezone(active.ID, timezone)
}

// Complete finalizes a session outside the toggle path, for callers that
// address sessions by ID such as the message channel.
func (c *Coordinator) Complete(sessionID string, finalMinutes *int) (*models.FocusSession, error) {
	session := c.store.Get(sessionID)
	if session == nil {
		return nil, errors.NewSessionNotFoundError(sessionID)
	}

	lock := c.userLock(session.UserID)
	lock.Lock()
	defer lock.Unlock()

	completed, err := c.store.Complete(sessionID, finalMinutes)
	if err != nil {
		return nil, err
	}
	if completed.Status == models.StatusCompleted && session.IsActive() {
		if sub := c.takeTimer(session.UserID); sub != nil {
			sub.Pause()
		}
		metrics.SessionsCompleted.WithLabelValues(config.TimerModeFor(c.cfg, session.UserID)).Inc()
		c.broadcast(session.UserID, models.FocusState{Active: false})
	}
	return completed, nil
}

// Delete removes a session under the closed reason rules. Deleting the
// active session by admin_cleanup moves the user back to idle.
func (c *Coordinator) Delete(sessionID string, reason models.DeleteReason) (*models.FocusSession, error) {
	session := c.store.Get(sessionID)
	if session == nil {
		return nil, errors.NewSessionNotFoundError(sessionID)
	}

	lock := c.userLock(session.UserID)
	lock.Lock()
	defer lock.Unlock()

	removed, err := c.store.Delete(sessionID, reason)
	if err != nil {
		return nil, err
	}
	if session.IsActive() {
		if sub := c.takeTimer(session.UserID); sub != nil {
			sub.Reset()
		}
		c.broadcast(session.UserID, models.FocusState{Active: false})
	}
	return removed, nil
}

// FocusState reports the user's current focus state.
func (c *Coordinator) FocusState(userID string) models.FocusState {
	active := c.store.ActiveForUser(userID)
	if active == nil {
		return models.FocusState{Active: false}
	}
	return models.FocusState{
		Active:    true,
		SessionID: active.ID,
		StartTime: &active.StartTime,
	}
}

// Sessions lists sessions across an inclusive date range.
func (c *Coordinator) Sessions(startDate, endDate string) ([]*models.FocusSession, error) {
	return c.store.ListForRange(startDate, endDate)
}

// ApplyResolved is the reconciliation write-back path. Resolutions flow
// through here rather than into storage directly so they respect the same
// per-user serialization as every other mutation.
func (c *Coordinator) ApplyResolved(session *models.FocusSession) error {
	if session == nil {
		return errors.NewValidationError("session is nil")
	}

	lock := c.userLock(session.UserID)
	lock.Lock()
	defer lock.Unlock()

	return c.store.ApplyResolution(session)
}

// ExportUnsynced collects completed sessions not yet pushed to the cloud
// store.
func (c *Coordinator) ExportUnsynced() *models.UnsyncedExport {
	return c.store.ExportUnsynced()
}

// MarkSynced flags sessions as exported once the cloud side has them.
func (c *Coordinator) MarkSynced(sessionIDs []string) error {
	return c.store.MarkSynced(sessionIDs)
}

// ==========================
// LISTENERS
// ==========================

// OnFocusStateChanged registers a listener for focus transitions.
func (c *Coordinator) OnFocusStateChanged(listener FocusStateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// broadcast queues the new state for delivery. A single goroutine drains
// the queue, so listeners observe transitions in the order they committed.
func (c *Coordinator) broadcast(userID string, state models.FocusState) {
	c.events <- stateEvent{userID: userID, state: state}
}

// deliver pushes queued state changes to listeners, one at a time. The
// settle delay exists to let downstream UI finish its own transition
// before re-rendering; zero disables it.
func (c *Coordinator) deliver() {
	defer close(c.drained)
	for event := range c.events {
		if c.broadcastDelay > 0 {
			time.Sleep(c.broadcastDelay)
		}

		c.mu.Lock()
		listeners := make([]FocusStateListener, len(c.listeners))
		copy(listeners, c.listeners)
		c.mu.Unlock()

		for _, listener := range listeners {
			listener(event.userID, event.state)
		}
	}
}

// Shutdown stops accepting new broadcasts and waits for queued ones to
// reach their listeners.
func (c *Coordinator) Shutdown() {
	c.closeOnce.Do(func() { close(c.events) })
	<-c.drained
}
