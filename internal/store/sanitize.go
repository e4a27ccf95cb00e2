// internal/store/sanitize.go
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"focus-sync/internal/common/errors"
	"focus-sync/internal/models"
)

// Validate checks a session against the storage contract. It returns a
// ValidationError describing the first problem found, or nil.
func Validate(s *models.FocusSession) error {
	if s == nil {
		return errors.NewValidationError("session is nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.NewValidationError("id is required")
	}
	if strings.TrimSpace(s.UserID) == "" {
		return errors.NewValidationError("userId is required")
	}
	if s.StartTime.IsZero() || s.StartTime.Unix() <= 0 {
		return errors.NewValidationError("startTime must be a positive timestamp")
	}
	if s.StartTimeUTC.IsZero() || s.StartTimeUTC.Unix() <= 0 {
		return errors.NewValidationError("startTimeUtc must be a positive timestamp")
	}
	if !s.Status.IsValid() {
		return errors.NewValidationError(fmt.Sprintf("unrecognized status: %q", s.Status))
	}
	if s.DurationMinutes < 0 {
		return errors.NewValidationError("durationMinutes must be non-negative")
	}
	if s.EndTime != nil && !s.EndTime.After(s.StartTime) {
		return errors.NewValidationError("endTime must be after startTime")
	}
	if s.EndTimeUTC != nil && !s.EndTimeUTC.After(s.StartTimeUTC) {
		return errors.NewValidationError("endTimeUtc must be after startTimeUtc")
	}
	if s.UTCDate == "" {
		return errors.NewValidationError("utcDate is required")
	}
	if _, err := time.Parse(models.PartitionDateLayout, s.UTCDate); err != nil {
		return errors.NewValidationError(fmt.Sprintf("utcDate %q is not a calendar date", s.UTCDate))
	}
	return nil
}

// Sanitize repairs a malformed raw record on a best-effort basis. It is
// total: for any input it returns either a session that passes Validate or
// nil, and it never panics. The partition key is backfilled only when
// absent; an existing key is preserved even if the corrected start time
// would imply a different date.
func Sanitize(raw interface{}) *models.FocusSession {
	obj, ok := raw.(map[string]interface{})
	if !ok || obj == nil {
		return nil
	}

	s := &models.FocusSession{}

	s.ID = coerceString(obj["id"])
	s.UserID = coerceString(obj["userId"])

	s.StartTime = coerceTime(obj["startTime"])
	s.StartTimeUTC = coerceTime(obj["startTimeUtc"])
	if s.StartTimeUTC.IsZero() && !s.StartTime.IsZero() {
		s.StartTimeUTC = s.StartTime.UTC()
	}
	if s.StartTime.IsZero() && !s.StartTimeUTC.IsZero() {
		s.StartTime = s.StartTimeUTC
	}

	if end := coerceTime(obj["endTime"]); !end.IsZero() {
		s.EndTime = &end
	}
	if endUTC := coerceTime(obj["endTimeUtc"]); !endUTC.IsZero() {
		s.EndTimeUTC = &endUTC
	} else if s.EndTime != nil {
		utc := s.EndTime.UTC()
		s.EndTimeUTC = &utc
	}

	s.Timezone = coerceString(obj["timezone"])
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}

	s.UTCDate = coerceString(obj["utcDate"])
	if s.UTCDate == "" && !s.StartTimeUTC.IsZero() {
		s.UTCDate = s.StartTimeUTC.UTC().Format(models.PartitionDateLayout)
	}

	if minutes, ok := coerceInt(obj["durationMinutes"]); ok && minutes >= 0 {
		s.DurationMinutes = minutes
	}

	status := models.SessionStatus(coerceString(obj["status"]))
	if !status.IsValid() {
		// A session with an end time evidently finished.
		if s.EndTime != nil {
			status = models.StatusCompleted
		} else {
			status = models.StatusActive
		}
	}
	s.Status = status

	s.Synced = coerceBool(obj["synced"])
	s.ConflictResolved = coerceBool(obj["conflictResolved"])
	s.ResolutionStrategy = coerceString(obj["resolutionStrategy"])
	if resolved := coerceTime(obj["resolvedAt"]); !resolved.IsZero() {
		s.ResolvedAt = &resolved
	}

	s.CreatedAt = coerceTime(obj["createdAt"])
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.StartTime
	}
	s.UpdatedAt = coerceTime(obj["updatedAt"])
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	// Drop contradictory end times instead of failing the whole record.
	if s.EndTime != nil && !s.EndTime.After(s.StartTime) {
		s.EndTime = nil
		s.EndTimeUTC = nil
		if s.Status == models.StatusCompleted {
			s.Status = models.StatusActive
		}
	}

	if err := Validate(s); err != nil {
		return nil
	}
	return s
}

func coerceString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	default:
		return ""
	}
}

func coerceBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func coerceInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case int:
		return val, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// coerceTime accepts RFC3339 strings and epoch values in seconds or
// milliseconds; anything else yields the zero time.
func coerceTime(v interface{}) time.Time {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return time.Time{}
		}
		if t, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return t
		}
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return epochToTime(n)
		}
		return time.Time{}
	case float64:
		return epochToTime(int64(val))
	case int64:
		return epochToTime(val)
	default:
		return time.Time{}
	}
}

func epochToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	// Values past the year 9999 in seconds are millisecond epochs.
	if n > 253402300799 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
