// internal/cloud/repository_test.go
package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/common/database"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/models"
)

func newMockRepo(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewSessionRepository(&database.PostgresClient{DB: db}, logger.NewTestLogger(t))
	return repo, mock
}

var sessionRowColumns = []string{
	"id", "user_id", "start_time", "start_time_utc", "end_time", "end_time_utc",
	"timezone", "utc_date", "duration_minutes", "status", "synced",
	"conflict_resolved", "resolution_strategy", "resolved_at",
	"created_at", "updated_at",
}

func TestGetSessionsForDate(t *testing.T) {
	repo, mock := newMockRepo(t)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Minute)

	rows := sqlmock.NewRows(sessionRowColumns).
		AddRow("s-1", "user-1", start, start, end, end,
			"Europe/Berlin", "2026-03-10", 25, "completed", true,
			false, nil, nil, start, end).
		AddRow("s-2", "user-1", end, end, nil, nil,
			"Europe/Berlin", "2026-03-10", 0, "active", false,
			false, nil, nil, end, end)

	mock.ExpectQuery(`FROM focus_sessions`).
		WithArgs("user-1", "2026-03-10").
		WillReturnRows(rows)

	sessions, err := repo.GetSessionsForDate(context.Background(), "user-1", "2026-03-10")
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, "s-1", sessions[0].ID)
	assert.Equal(t, models.StatusCompleted, sessions[0].Status)
	require.NotNil(t, sessions[0].EndTimeUTC)
	assert.True(t, sessions[0].EndTimeUTC.Equal(end))

	assert.Equal(t, models.StatusActive, sessions[1].Status)
	assert.Nil(t, sessions[1].EndTime)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSessionsForRange(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`utc_date BETWEEN`).
		WithArgs("user-1", "2026-03-04", "2026-03-10").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns))

	sessions, err := repo.GetSessionsForRange(context.Background(), "user-1", "2026-03-04", "2026-03-10")
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	repo, mock := newMockRepo(t)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	end := start.Add(25 * time.Minute)
	session := &models.FocusSession{
		ID:                 "s-1",
		UserID:             "user-1",
		StartTime:          start,
		StartTimeUTC:       start,
		EndTime:            &end,
		EndTimeUTC:         &end,
		Timezone:           "UTC",
		UTCDate:            "2026-03-10",
		DurationMinutes:    25,
		Status:             models.StatusCompleted,
		ConflictResolved:   true,
		ResolutionStrategy: string(models.MergeStrategy),
		ResolvedAt:         &end,
		CreatedAt:          start,
		UpdatedAt:          end,
	}

	mock.ExpectExec(`INSERT INTO focus_sessions`).
		WithArgs("s-1", "user-1", start, start, end, end,
			"UTC", "2026-03-10", 25, "completed", false,
			true, "merge", end, start, end).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Upsert(context.Background(), session))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO focus_sessions`).
		WillReturnError(assert.AnError)

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	err := repo.Upsert(context.Background(), &models.FocusSession{
		ID:           "s-1",
		UserID:       "user-1",
		StartTime:    start,
		StartTimeUTC: start,
		Timezone:     "UTC",
		UTCDate:      "2026-03-10",
		Status:       models.StatusActive,
		CreatedAt:    start,
		UpdatedAt:    start,
	})
	require.Error(t, err)
}

func TestMarkSynced(t *testing.T) {
	repo, mock := newMockRepo(t)

	t.Run("empty input is a no-op", func(t *testing.T) {
		require.NoError(t, repo.MarkSynced(context.Background(), nil))
	})

	t.Run("updates by id array", func(t *testing.T) {
		mock.ExpectExec(`UPDATE focus_sessions SET synced = true`).
			WithArgs(pq.Array([]string{"s-1", "s-2"})).
			WillReturnResult(sqlmock.NewResult(0, 2))

		require.NoError(t, repo.MarkSynced(context.Background(), []string{"s-1", "s-2"}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
