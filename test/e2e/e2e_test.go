// test/e2e/e2e_test.go
package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/channel"
	"focus-sync/internal/cloud"
	"focus-sync/internal/common/config"
	"focus-sync/internal/common/database"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/coordinator"
	"focus-sync/internal/models"
	"focus-sync/internal/reconcile"
	"focus-sync/internal/store"
	"focus-sync/internal/timer"
)

// memoryRepository stands in for the PostgreSQL-backed cloud store so the
// whole pipeline runs in-process. Redis is real (miniredis speaks the
// actual protocol), so the channel path is exercised end to end.
type memoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*models.FocusSession
	upserts  int
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{sessions: make(map[string]*models.FocusSession)}
}

func (r *memoryRepository) Ping(ctx context.Context) error { return nil }

func (r *memoryRepository) GetSessionsForDate(ctx context.Context, userID, date string) ([]*models.FocusSession, error) {
	return r.GetSessionsForRange(ctx, userID, date, date)
}

func (r *memoryRepository) GetSessionsForRange(ctx context.Context, userID, startDate, endDate string) ([]*models.FocusSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.FocusSession
	for _, session := range r.sessions {
		if session.UserID == userID && session.UTCDate >= startDate && session.UTCDate <= endDate {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (r *memoryRepository) Upsert(ctx context.Context, session *models.FocusSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = session.Clone()
	r.upserts++
	return nil
}

func (r *memoryRepository) MarkSynced(ctx context.Context, sessionIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sessionIDs {
		if session, ok := r.sessions[id]; ok {
			session.Synced = true
		}
	}
	return nil
}

func (r *memoryRepository) get(id string) *models.FocusSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		return session.Clone()
	}
	return nil
}

var _ cloud.Repository = (*memoryRepository)(nil)

type e2eFixture struct {
	mr     *miniredis.Miniredis
	rdb    *database.RedisClient
	cfg    *config.Config
	coord  *coordinator.Coordinator
	client *channel.Client
	repo   *memoryRepository
	engine *reconcile.Engine
}

func newE2EFixture(t *testing.T) *e2eFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := &database.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { rdb.Close() })

	log := logger.NewTestLogger(t)

	cfg := &config.Config{}
	cfg.Timer.DefaultMode = timer.FlagDisabled
	cfg.Channel = config.ChannelConfig{
		PeerName:       "agent",
		RequestTimeout: 3000,
		PingTimeout:    500,
	}
	cfg.Reconcile = config.ReconcileConfig{
		Strategy:             "merge",
		WindowDays:           7,
		Interval:             300000,
		ProbeTimeout:         2000,
		TimestampSkewSeconds: 60,
		SizeDeltaPercent:     50,
	}

	st, err := store.NewStore(t.TempDir(), log)
	require.NoError(t, err)

	coord := coordinator.New(cfg, st, log)
	repo := newMemoryRepository()
	engine, err := reconcile.NewEngine(cfg.Reconcile, coord, repo, nil, nil, log)
	require.NoError(t, err)

	return &e2eFixture{
		mr:     mr,
		rdb:    rdb,
		cfg:    cfg,
		coord:  coord,
		client: channel.NewClient(rdb, cfg.Channel, log),
		repo:   repo,
		engine: engine,
	}
}

func (f *e2eFixture) startServer(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server := channel.NewServer(f.cfg.Channel.PeerName, f.rdb, f.coord,
		logger.NewTestLogger(t))
	go server.Run(ctx)
	return cancel
}

func (f *e2eFixture) request(t *testing.T, msgType models.MessageType, payload interface{}) *models.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := f.client.Request(ctx, &models.Envelope{Type: msgType, Payload: data})
	require.NoError(t, err)
	return resp
}

func TestFullE2E(t *testing.T) {
	f := newE2EFixture(t)

	t.Log("🚀 Starting full end-to-end run over a real Redis protocol...")

	// 1. Connectivity
	require.NoError(t, f.rdb.Ping(context.Background()), "❌ Redis ping failed")
	t.Log("✅ Redis connected")

	cancel := f.startServer(t)
	defer cancel()

	// 2. Session lifecycle over the channel
	sessionID := runSessionLifecycle(t, f)
	t.Log("✅ Session lifecycle complete")

	// 3. Reconciliation against the cloud side
	runReconciliation(t, f, sessionID)
	t.Log("✅ Reconciliation converged")

	// 4. Offline queue and replay
	runOfflineQueue(t, f, cancel)
	t.Log("✅ Offline queue replayed")
}

// ==========================
// 2. Session Lifecycle
// ==========================
func runSessionLifecycle(t *testing.T, f *e2eFixture) string {
	const userID = "e2e-user"

	// Toggle on.
	resp := f.request(t, models.MsgToggleFocus, models.TogglePayload{
		UserID:   userID,
		Enable:   true,
		Timezone: "America/New_York",
	})
	require.True(t, resp.Success, "toggle on failed: %s", resp.Error)

	var toggled struct {
		Session *models.FocusSession `json:"session"`
		State   models.FocusState    `json:"state"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &toggled))
	require.NotNil(t, toggled.Session)
	require.True(t, toggled.State.Active)
	sessionID := toggled.Session.ID

	// A second enable is absorbed, not an error, and keeps the same session.
	resp = f.request(t, models.MsgToggleFocus, models.TogglePayload{
		UserID: userID,
		Enable: true,
	})
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Payload, &toggled))
	assert.Equal(t, sessionID, toggled.Session.ID)

	// Focus state reads back active.
	resp = f.request(t, models.MsgGetFocusState, models.FocusStatePayload{UserID: userID})
	require.True(t, resp.Success)
	var state models.FocusState
	require.NoError(t, json.Unmarshal(resp.Payload, &state))
	assert.True(t, state.Active)
	assert.Equal(t, sessionID, state.SessionID)

	// Progress updates raise the duration.
	resp = f.request(t, models.MsgUpdateSession, models.UpdateSessionPayload{
		SessionID:       sessionID,
		DurationMinutes: 10,
	})
	require.True(t, resp.Success, "update failed: %s", resp.Error)
	var updated struct {
		Updated bool `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &updated))
	assert.True(t, updated.Updated)

	// An active session refuses an ordinary delete.
	resp = f.request(t, models.MsgDeleteSession, models.DeleteSessionPayload{
		SessionID: sessionID,
		Reason:    models.ReasonManualDeletion,
	})
	require.False(t, resp.Success)
	assert.Contains(t, resp.Error, "PERMISSION_DENIED")

	// Toggle off completes the session and keeps the reported duration.
	resp = f.request(t, models.MsgToggleFocus, models.TogglePayload{
		UserID: userID,
		Enable: false,
	})
	require.True(t, resp.Success, "toggle off failed: %s", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Payload, &toggled))
	require.NotNil(t, toggled.Session)
	assert.Equal(t, models.StatusCompleted, toggled.Session.Status)
	assert.Equal(t, 10, toggled.Session.DurationMinutes)
	assert.False(t, toggled.State.Active)

	// The session shows up in today's range query.
	today := time.Now().UTC().Format(models.PartitionDateLayout)
	resp = f.request(t, models.MsgGetSessions, models.GetSessionsPayload{
		StartDate: today,
		EndDate:   today,
	})
	require.True(t, resp.Success)
	var listed struct {
		Sessions []*models.FocusSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &listed))
	require.Len(t, listed.Sessions, 1)
	assert.Equal(t, sessionID, listed.Sessions[0].ID)

	return sessionID
}

// ==========================
// 3. Reconciliation
// ==========================
func runReconciliation(t *testing.T, f *e2eFixture, sessionID string) {
	ctx := context.Background()

	// First pass pushes the local-only session to the cloud side.
	report, err := f.engine.RunPass(ctx, "e2e-user")
	require.NoError(t, err)
	require.False(t, report.Skipped)
	assert.Equal(t, 1, report.KeysChecked)
	assert.Empty(t, report.Conflicts)
	require.NotNil(t, f.repo.get(sessionID), "session not pushed to cloud")

	// The cloud copy moves on without the local side noticing.
	remote := f.repo.get(sessionID)
	remote.DurationMinutes = 30
	remote.UpdatedAt = remote.UpdatedAt.Add(90 * time.Second)
	require.NoError(t, f.repo.Upsert(ctx, remote))

	// The next pass classifies the skew, lets the later write win, and
	// stamps the same resolved record on both sides.
	report, err = f.engine.RunPass(ctx, "e2e-user")
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, models.ConflictTimestamp, report.Conflicts[0].Type)
	require.Len(t, report.Resolutions, 1)

	stored := f.repo.get(sessionID)
	require.NotNil(t, stored)
	assert.Equal(t, 30, stored.DurationMinutes)

	today := time.Now().UTC().Format(models.PartitionDateLayout)
	sessions, err := f.coord.Sessions(today, today)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 30, sessions[0].DurationMinutes)
	assert.True(t, sessions[0].ConflictResolved)

	// Converged sides mean the pass after that finds nothing.
	upsertsBefore := f.repo.upserts
	report, err = f.engine.RunPass(ctx, "e2e-user")
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, upsertsBefore, f.repo.upserts)
}

// ==========================
// 4. Offline Queue
// ==========================
func runOfflineQueue(t *testing.T, f *e2eFixture, stopServer context.CancelFunc) {
	ctx := context.Background()

	// Take the peer down and let its presence marker expire.
	stopServer()
	f.mr.FastForward(10 * time.Second)

	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	start := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)
	data, err := json.Marshal(models.CreateSessionPayload{Session: &models.FocusSession{
		UserID:          "e2e-offline-user",
		StartTime:       start,
		StartTimeUTC:    start,
		EndTime:         &end,
		EndTimeUTC:      &end,
		Timezone:        "UTC",
		DurationMinutes: 30,
		Status:          models.StatusCompleted,
	}})
	require.NoError(t, err)

	env := &models.Envelope{Type: models.MsgCreateSession, Payload: data}
	require.NoError(t, f.client.Send(ctx, env))
	assert.Equal(t, 1, f.client.PendingCount(), "message should queue while peer is down")

	// Bring the peer back and replay.
	cancel := f.startServer(t)
	defer cancel()
	require.Eventually(t, func() bool {
		return f.client.Ping(ctx) == nil
	}, 5*time.Second, 50*time.Millisecond, "peer never came back")

	require.NoError(t, f.client.Flush(ctx))
	assert.Equal(t, 0, f.client.PendingCount())

	day := start.Format(models.PartitionDateLayout)
	require.Eventually(t, func() bool {
		sessions, err := f.coord.Sessions(day, day)
		return err == nil && len(sessions) == 1
	}, 5*time.Second, 50*time.Millisecond, "replayed session never landed")
}
