// internal/cloud/repository.go
package cloud

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"focus-sync/internal/common/database"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/models"
)

// ==========================
// CLOUD SESSION REPOSITORY
// ==========================

// Repository is the reconciliation engine's view of the primary
// application's cloud-backed session store. The webapp owns the schema;
// this side only reads recent windows and writes resolved upserts.
type Repository interface {
	Ping(ctx context.Context) error
	GetSessionsForDate(ctx context.Context, userID, date string) ([]*models.FocusSession, error)
	GetSessionsForRange(ctx context.Context, userID, startDate, endDate string) ([]*models.FocusSession, error)
	Upsert(ctx context.Context, session *models.FocusSession) error
	MarkSynced(ctx context.Context, sessionIDs []string) error
}

// SessionRepository implements Repository on PostgreSQL.
type SessionRepository struct {
	client *database.PostgresClient
	log    logger.Logger
}

// NewSessionRepository wraps an open Postgres client.
func NewSessionRepository(client *database.PostgresClient, log logger.Logger) *SessionRepository {
	return &SessionRepository{client: client, log: log}
}

const sessionColumns = `
	id, user_id, start_time, start_time_utc, end_time, end_time_utc,
	timezone, utc_date, duration_minutes, status, synced,
	conflict_resolved, resolution_strategy, resolved_at,
	created_at, updated_at`

// Ping is the connectivity probe used before a reconciliation pass. The
// caller bounds it with a context deadline.
func (r *SessionRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return errors.NewSyncUnreachableError(err)
	}
	return nil
}

// GetSessionsForDate returns the user's sessions in one UTC date partition.
func (r *SessionRepository) GetSessionsForDate(ctx context.Context, userID, date string) ([]*models.FocusSession, error) {
	query := `SELECT` + sessionColumns + `
		FROM focus_sessions
		WHERE user_id = $1 AND utc_date = $2
		ORDER BY start_time_utc`

	rows, err := r.client.Query(ctx, query, userID, date)
	if err != nil {
		return nil, errors.NewDatabaseError("get sessions for date", err)
	}
	defer rows.Close()

	return r.scanSessions(rows)
}

// GetSessionsForRange returns the user's sessions across an inclusive
// range of UTC dates.
func (r *SessionRepository) GetSessionsForRange(ctx context.Context, userID, startDate, endDate string) ([]*models.FocusSession, error) {
	query := `SELECT` + sessionColumns + `
		FROM focus_sessions
		WHERE user_id = $1 AND utc_date BETWEEN $2 AND $3
		ORDER BY start_time_utc`

	rows, err := r.client.Query(ctx, query, userID, startDate, endDate)
	if err != nil {
		return nil, errors.NewDatabaseError("get sessions for range", err)
	}
	defer rows.Close()

	return r.scanSessions(rows)
}

// Upsert writes a resolved session, inserting or replacing by ID. The
// partition key is written once and never updated afterwards.
func (r *SessionRepository) Upsert(ctx context.Context, session *models.FocusSession) error {
	query := `INSERT INTO focus_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			start_time_utc = EXCLUDED.start_time_utc,
			end_time = EXCLUDED.end_time,
			end_time_utc = EXCLUDED.end_time_utc,
			timezone = EXCLUDED.timezone,
			duration_minutes = EXCLUDED.duration_minutes,
			status = EXCLUDED.status,
			synced = EXCLUDED.synced,
			conflict_resolved = EXCLUDED.conflict_resolved,
			resolution_strategy = EXCLUDED.resolution_strategy,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = EXCLUDED.updated_at`

	_, err := r.client.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.StartTime,
		session.StartTimeUTC,
		nullableTime(session.EndTime),
		nullableTime(session.EndTimeUTC),
		session.Timezone,
		session.UTCDate,
		session.DurationMinutes,
		string(session.Status),
		session.Synced,
		session.ConflictResolved,
		nullableString(session.ResolutionStrategy),
		nullableTime(session.ResolvedAt),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return errors.NewUpsertFailedError(err)
	}
	return nil
}

// MarkSynced flags cloud rows whose local copies have been exported.
// updated_at is left alone so the flag flip does not read as a fresh
// edit on the next reconciliation pass.
func (r *SessionRepository) MarkSynced(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	query := `UPDATE focus_sessions SET synced = true WHERE id = ANY($1)`
	if _, err := r.client.Exec(ctx, query, pq.Array(sessionIDs)); err != nil {
		return errors.NewDatabaseError("mark synced", err)
	}
	return nil
}

func (r *SessionRepository) scanSessions(rows *sql.Rows) ([]*models.FocusSession, error) {
	var sessions []*models.FocusSession
	for rows.Next() {
		var (
			s                  models.FocusSession
			endTime            sql.NullTime
			endTimeUTC         sql.NullTime
			resolvedAt         sql.NullTime
			resolutionStrategy sql.NullString
			status             string
		)
		err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.StartTime,
			&s.StartTimeUTC,
			&endTime,
			&endTimeUTC,
			&s.Timezone,
			&s.UTCDate,
			&s.DurationMinutes,
			&status,
			&s.Synced,
			&s.ConflictResolved,
			&resolutionStrategy,
			&resolvedAt,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, errors.NewDatabaseError("scan session row", err)
		}

		s.Status = models.SessionStatus(status)
		if endTime.Valid {
			t := endTime.Time
			s.EndTime = &t
		}
		if endTimeUTC.Valid {
			t := endTimeUTC.Time
			s.EndTimeUTC = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			s.ResolvedAt = &t
		}
		s.ResolutionStrategy = resolutionStrategy.String

		sessions = append(sessions, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("iterate session rows", err)
	}
	return sessions, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
