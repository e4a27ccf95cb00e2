// internal/models/session.go
package models

import (
	"time"
)

// SessionStatus enumerates the focus session lifecycle states.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsValid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// DeleteReason is the closed set of reasons accepted by session deletion.
type DeleteReason string

const (
	ReasonTestSession    DeleteReason = "test_session"
	ReasonCorruptedData  DeleteReason = "corrupted_data"
	ReasonManualDeletion DeleteReason = "manual_deletion"
	ReasonAdminCleanup   DeleteReason = "admin_cleanup"
)

// IsValid reports whether the reason is one of the permitted values.
func (r DeleteReason) IsValid() bool {
	switch r {
	case ReasonTestSession, ReasonCorruptedData, ReasonManualDeletion, ReasonAdminCleanup:
		return true
	}
	return false
}

// PartitionDateLayout is the UTC calendar date format used as the storage
// partition key.
const PartitionDateLayout = "2006-01-02"

// FocusSession represents one tracked focus interval.
//
// StartTimeUTC is authoritative for cross-timezone comparisons; StartTime
// keeps the wall-clock instant in the timezone captured at session start.
// UTCDate is assigned once at creation and never changes afterwards, even
// if later corrections would imply a different calendar date.
type FocusSession struct {
	ID                 string        `json:"id" db:"id"`
	UserID             string        `json:"userId" db:"user_id"`
	StartTime          time.Time     `json:"startTime" db:"start_time"`
	StartTimeUTC       time.Time     `json:"startTimeUtc" db:"start_time_utc"`
	EndTime            *time.Time    `json:"endTime,omitempty" db:"end_time"`
	EndTimeUTC         *time.Time    `json:"endTimeUtc,omitempty" db:"end_time_utc"`
	Timezone           string        `json:"timezone" db:"timezone"`
	UTCDate            string        `json:"utcDate" db:"utc_date"`
	DurationMinutes    int           `json:"durationMinutes" db:"duration_minutes"`
	Status             SessionStatus `json:"status" db:"status"`
	Synced             bool          `json:"synced" db:"synced"`
	ConflictResolved   bool          `json:"conflictResolved,omitempty" db:"conflict_resolved"`
	ResolutionStrategy string        `json:"resolutionStrategy,omitempty" db:"resolution_strategy"`
	ResolvedAt         *time.Time    `json:"resolvedAt,omitempty" db:"resolved_at"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time     `json:"updatedAt" db:"updated_at"`
}

// IsActive reports whether the session is still running.
func (s *FocusSession) IsActive() bool {
	return s.Status == StatusActive
}

// IsFinal reports whether the session reached a terminal state. Final
// sessions are immutable except for the synced flag.
func (s *FocusSession) IsFinal() bool {
	return s.Status == StatusCompleted || s.Status == StatusCancelled
}

// PartitionKey returns the UTC calendar date the session belongs to,
// deriving it from StartTimeUTC when UTCDate was never assigned.
func (s *FocusSession) PartitionKey() string {
	if s.UTCDate != "" {
		return s.UTCDate
	}
	return s.StartTimeUTC.UTC().Format(PartitionDateLayout)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (s *FocusSession) Clone() *FocusSession {
	out := *s
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.EndTimeUTC != nil {
		t := *s.EndTimeUTC
		out.EndTimeUTC = &t
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// FocusState is the coordinator's externally visible per-user state,
// delivered to subscribed listeners on every transition.
type FocusState struct {
	Active    bool       `json:"active"`
	SessionID string     `json:"sessionId,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
}

// DailyStats summarizes the sessions recorded under one date partition.
type DailyStats struct {
	Date              string `json:"date"`
	TotalSessions     int    `json:"totalSessions"`
	CompletedSessions int    `json:"completedSessions"`
	TotalMinutes      int    `json:"totalMinutes"`
}

// CleanupSummary reports the outcome of a stale-session sweep.
type CleanupSummary struct {
	Total   int `json:"total"`
	Cleaned int `json:"cleaned"`
	Removed int `json:"removed"`
}

// UnsyncedExport is the payload handed to the cloud uploader: completed
// sessions the cloud store has not yet durably accepted.
type UnsyncedExport struct {
	Sessions      []*FocusSession `json:"sessions"`
	TotalDuration int             `json:"totalDuration"`
	DateRange     *DateRange      `json:"dateRange,omitempty"`
}

// DateRange is an inclusive span of partition dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}
