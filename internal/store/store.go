// internal/store/store.go
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/common/metrics"
	"focus-sync/internal/models"
)

// ==========================
// SESSION STORE
// ==========================

// Store is the date-partitioned session ledger. Sessions live in one
// partition per UTC calendar date, persisted as a JSON file per date under
// the configured directory. The partition key is assigned at creation from
// startTimeUtc and never moves afterwards, even when a session's wall-clock
// fields are later corrected.
type Store struct {
	dir        string
	log        logger.Logger
	now        func() time.Time
	mu         sync.RWMutex
	partitions map[string][]*models.FocusSession
}

// NewStore opens the ledger at dir, creating the directory when missing and
// loading every existing partition file. Corrupt records that cannot be
// repaired are dropped with a warning rather than failing the open.
func NewStore(dir string, log logger.Logger) (*Store, error) {
	return NewStoreWithClock(dir, log, time.Now)
}

// NewStoreWithClock is NewStore with an injectable clock.
func NewStoreWithClock(dir string, log logger.Logger, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewStoreIOError("create store directory", err)
	}

	s := &Store{
		dir:        dir,
		log:        log,
		now:        now,
		partitions: make(map[string][]*models.FocusSession),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// ==========================
// WRITE PATH
// ==========================

// Create validates the session, assigns an ID when none is set, backfills
// derived fields and appends it to the partition for its UTC start date.
func (s *Store) Create(session *models.FocusSession) (string, error) {
	if session == nil {
		return "", errors.NewValidationError("session is nil")
	}

	record := session.Clone()
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.StartTimeUTC.IsZero() && !record.StartTime.IsZero() {
		record.StartTimeUTC = record.StartTime.UTC()
	}
	if record.Timezone == "" {
		record.Timezone = "UTC"
	}
	if record.UTCDate == "" && !record.StartTimeUTC.IsZero() {
		record.UTCDate = record.StartTimeUTC.UTC().Format(models.PartitionDateLayout)
	}
	if record.Status == "" {
		record.Status = models.StatusActive
	}
	ts := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = ts
	}
	record.UpdatedAt = ts

	if err := Validate(record); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.PartitionKey()
	s.partitions[key] = append(s.partitions[key], record)
	if err := s.persistPartition(key); err != nil {
		return "", err
	}

	s.log.Debug("session created", map[string]interface{}{
		"sessionId": record.ID,
		"userId":    record.UserID,
		"utcDate":   key,
	})
	return record.ID, nil
}

// UpdateDuration records a new elapsed-minutes value for an active session.
// It returns false without error when the session does not exist, has
// already reached a final status, or the new value is lower than the one
// already recorded.
func (s *Store) UpdateDuration(sessionID string, minutes int) (bool, error) {
	if minutes < 0 {
		return false, errors.NewValidationError("durationMinutes must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, session := s.findLocked(sessionID)
	if session == nil {
		return false, nil
	}
	if session.IsFinal() {
		s.log.Debug("duration update ignored for finalized session", map[string]interface{}{
			"sessionId": sessionID,
			"status":    string(session.Status),
		})
		return false, nil
	}
	if minutes < session.DurationMinutes {
		s.log.Warn("rejected duration decrease", map[string]interface{}{
			"sessionId": sessionID,
			"current":   session.DurationMinutes,
			"proposed":  minutes,
		})
		return false, nil
	}

	session.DurationMinutes = minutes
	session.UpdatedAt = s.now().UTC()
	if err := s.persistPartition(key); err != nil {
		return false, err
	}
	return true, nil
}

// RelabelTimezone rewrites a session's display timezone after the ambient
// zone moved mid-session. The UTC fields are the source of truth and stay
// put; only the label changes.
func (s *Store) RelabelTimezone(sessionID, timezone string) (bool, error) {
	if strings.TrimSpace(timezone) == "" {
		return false, errors.NewValidationError("timezone is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, session := s.findLocked(sessionID)
	if session == nil || session.IsFinal() || session.Timezone == timezone {
		return false, nil
	}

	session.Timezone = timezone
	session.UpdatedAt = s.now().UTC()
	if err := s.persistPartition(key); err != nil {
		return false, err
	}
	return true, nil
}

// Complete finalizes a session. finalMinutes, when provided, wins over the
// stored duration unless it would lower it. The duration derived from the
// session's own timestamps is used only when the stored duration is zero.
func (s *Store) Complete(sessionID string, finalMinutes *int) (*models.FocusSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, session := s.findLocked(sessionID)
	if session == nil {
		return nil, errors.NewSessionNotFoundError(sessionID)
	}
	if session.IsFinal() {
		return session.Clone(), nil
	}

	end := s.now().UTC()
	session.EndTime = &end
	endUTC := end
	session.EndTimeUTC = &endUTC
	session.Status = models.StatusCompleted

	if finalMinutes != nil && *finalMinutes > session.DurationMinutes {
		session.DurationMinutes = *finalMinutes
	}
	if session.DurationMinutes == 0 {
		derived := int(end.Sub(session.StartTimeUTC).Minutes())
		if derived > 0 {
			session.DurationMinutes = derived
		}
	}
	session.UpdatedAt = end

	if err := s.persistPartition(key); err != nil {
		return nil, err
	}

	s.log.Info("session completed", map[string]interface{}{
		"sessionId":       sessionID,
		"durationMinutes": session.DurationMinutes,
		"utcDate":         key,
	})
	return session.Clone(), nil
}

// Delete removes a session for one of the closed set of reasons. Active
// sessions may only be deleted by admin_cleanup; any other reason on an
// active session is a permission error. The removed session is returned
// with its status set to cancelled when it was still active.
func (s *Store) Delete(sessionID string, reason models.DeleteReason) (*models.FocusSession, error) {
	if !reason.IsValid() {
		return nil, errors.NewInvalidReasonError(string(reason))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, session := s.findLocked(sessionID)
	if session == nil {
		return nil, errors.NewSessionNotFoundError(sessionID)
	}
	if session.IsActive() && reason != models.ReasonAdminCleanup {
		return nil, errors.NewPermissionError(sessionID, string(reason))
	}

	removed := session.Clone()
	if removed.IsActive() {
		removed.Status = models.StatusCancelled
		removed.UpdatedAt = s.now().UTC()
	}

	s.removeLocked(key, sessionID)
	if err := s.persistPartition(key); err != nil {
		return nil, err
	}

	s.log.Info("session deleted", map[string]interface{}{
		"sessionId": sessionID,
		"reason":    string(reason),
		"utcDate":   key,
	})
	return removed, nil
}

// MarkSynced flags the given sessions as pushed to the cloud store. Only
// the flag changes; touching updatedAt here would make the two sides
// diverge again right after a reconciliation pass converged them.
func (s *Store) MarkSynced(sessionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]bool)
	for _, id := range sessionIDs {
		key, session := s.findLocked(id)
		if session == nil {
			continue
		}
		session.Synced = true
		touched[key] = true
	}
	for key := range touched {
		if err := s.persistPartition(key); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResolution overwrites a session with its reconciled form, keeping
// the original partition key. Used by the reconciliation engine after a
// conflict is resolved in the remote copy's favor or merged.
func (s *Store) ApplyResolution(resolved *models.FocusSession) error {
	if err := Validate(resolved); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, existing := s.findLocked(resolved.ID)
	if existing == nil {
		// Remote-only session: adopt it under its own partition key.
		record := resolved.Clone()
		key = record.PartitionKey()
		s.partitions[key] = append(s.partitions[key], record)
		return s.persistPartition(key)
	}

	record := resolved.Clone()
	record.UTCDate = existing.UTCDate
	for i, sess := range s.partitions[key] {
		if sess.ID == record.ID {
			s.partitions[key][i] = record
			break
		}
	}
	return s.persistPartition(key)
}

// ==========================
// READ PATH
// ==========================

// Get returns a sanitized copy of a single session, or nil when absent.
func (s *Store) Get(sessionID string) *models.FocusSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, session := s.findLocked(sessionID)
	if session == nil {
		return nil
	}
	return session.Clone()
}

// ActiveForUser returns the user's active session, or nil when there is
// none. The single-active invariant means at most one can exist.
func (s *Store) ActiveForUser(userID string) *models.FocusSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sessions := range s.partitions {
		for _, session := range sessions {
			if session.UserID == userID && session.IsActive() {
				return session.Clone()
			}
		}
	}
	return nil
}

// ListForDate returns validated copies of the sessions in one partition,
// ordered by start time. Records that fail validation are repaired where
// possible and dropped with a warning otherwise.
func (s *Store) ListForDate(date string) ([]*models.FocusSession, error) {
	if _, err := time.Parse(models.PartitionDateLayout, date); err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("date %q is not a calendar date", date))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(date), nil
}

// ListForRange returns validated copies of every session whose partition
// date falls within [start, end], inclusive.
func (s *Store) ListForRange(start, end string) ([]*models.FocusSession, error) {
	startDay, err := time.Parse(models.PartitionDateLayout, start)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("startDate %q is not a calendar date", start))
	}
	endDay, err := time.Parse(models.PartitionDateLayout, end)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("endDate %q is not a calendar date", end))
	}
	if endDay.Before(startDay) {
		return nil, errors.NewValidationError("endDate is before startDate")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.FocusSession
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		out = append(out, s.snapshotLocked(day.Format(models.PartitionDateLayout))...)
	}
	return out, nil
}

// StatsForRange aggregates per-day totals over a date range.
func (s *Store) StatsForRange(start, end string) ([]models.DailyStats, error) {
	sessions, err := s.ListForRange(start, end)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*models.DailyStats)
	for _, session := range sessions {
		stats, ok := byDate[session.UTCDate]
		if !ok {
			stats = &models.DailyStats{Date: session.UTCDate}
			byDate[session.UTCDate] = stats
		}
		stats.TotalSessions++
		stats.TotalMinutes += session.DurationMinutes
		if session.Status == models.StatusCompleted {
			stats.CompletedSessions++
		}
	}

	out := make([]models.DailyStats, 0, len(byDate))
	for _, stats := range byDate {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// ExportUnsynced collects completed sessions not yet pushed to the cloud
// store. Every candidate is revalidated; invalid ones are skipped with a
// warning so a single bad record cannot poison a sync batch.
func (s *Store) ExportUnsynced() *models.UnsyncedExport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	export := &models.UnsyncedExport{}
	for _, sessions := range s.partitions {
		for _, session := range sessions {
			if session.Status != models.StatusCompleted || session.Synced {
				continue
			}
			if err := Validate(session); err != nil {
				s.log.Warn("skipping invalid session in export", map[string]interface{}{
					"sessionId": session.ID,
					"error":     err.Error(),
				})
				continue
			}
			export.Sessions = append(export.Sessions, session.Clone())
			export.TotalDuration += session.DurationMinutes
		}
	}

	sort.Slice(export.Sessions, func(i, j int) bool {
		return export.Sessions[i].StartTimeUTC.Before(export.Sessions[j].StartTimeUTC)
	})
	if n := len(export.Sessions); n > 0 {
		export.DateRange = &models.DateRange{
			Start: export.Sessions[0].UTCDate,
			End:   export.Sessions[n-1].UTCDate,
		}
	}
	return export
}

// ==========================
// MAINTENANCE
// ==========================

// CleanupStale walks every partition, repairing records that fail
// validation and removing those that cannot be repaired or whose start is
// older than maxAgeDays. Empty partitions are deleted from disk.
func (s *Store) CleanupStale(maxAgeDays int) (*models.CleanupSummary, error) {
	if maxAgeDays <= 0 {
		return nil, errors.NewValidationError("maxAgeDays must be positive")
	}
	cutoff := s.now().UTC().AddDate(0, 0, -maxAgeDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	summary := &models.CleanupSummary{}
	for key, sessions := range s.partitions {
		kept := sessions[:0]
		changed := false
		for _, session := range sessions {
			summary.Total++

			if !session.StartTimeUTC.IsZero() && session.StartTimeUTC.Before(cutoff) {
				summary.Removed++
				changed = true
				continue
			}

			if err := Validate(session); err == nil {
				kept = append(kept, session)
				continue
			}

			raw := toRawMap(session)
			if repaired := Sanitize(raw); repaired != nil {
				repaired.UTCDate = session.UTCDate
				if Validate(repaired) == nil {
					kept = append(kept, repaired)
					summary.Cleaned++
					changed = true
					continue
				}
			}

			s.log.Warn("removing unrepairable session", map[string]interface{}{
				"sessionId": session.ID,
				"utcDate":   key,
			})
			summary.Removed++
			changed = true
		}

		s.partitions[key] = kept
		if !changed {
			continue
		}
		if len(kept) == 0 {
			delete(s.partitions, key)
			if err := os.Remove(s.partitionPath(key)); err != nil && !os.IsNotExist(err) {
				return nil, errors.NewStoreIOError("remove empty partition", err)
			}
			continue
		}
		if err := s.persistPartition(key); err != nil {
			return nil, err
		}
	}

	metrics.StaleSessionsRemoved.Add(float64(summary.Removed))
	s.log.Info("cleanup finished", map[string]interface{}{
		"total":   summary.Total,
		"cleaned": summary.Cleaned,
		"removed": summary.Removed,
	})
	return summary, nil
}

// ==========================
// PERSISTENCE
// ==========================

func (s *Store) partitionPath(date string) string {
	return filepath.Join(s.dir, date+".json")
}

func (s *Store) persistPartition(date string) error {
	sessions := s.partitions[date]
	if len(sessions) == 0 {
		delete(s.partitions, date)
		if err := os.Remove(s.partitionPath(date)); err != nil && !os.IsNotExist(err) {
			return errors.NewStoreIOError("remove partition", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return errors.NewStoreIOError("encode partition", err)
	}

	tmp := s.partitionPath(date) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.NewStoreIOError("write partition", err)
	}
	if err := os.Rename(tmp, s.partitionPath(date)); err != nil {
		return errors.NewStoreIOError("replace partition", err)
	}
	return nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.NewStoreIOError("read store directory", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		date := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(models.PartitionDateLayout, date); err != nil {
			continue
		}
		if err := s.loadPartition(date); err != nil {
			return err
		}
	}
	return nil
}

// loadPartition decodes one partition file entry by entry so a single
// corrupt record drops only itself. A file that is not a JSON array at the
// top level is skipped wholesale with a warning.
func (s *Store) loadPartition(date string) error {
	data, err := os.ReadFile(s.partitionPath(date))
	if err != nil {
		return errors.NewStoreIOError("read partition", err)
	}

	var rawEntries []json.RawMessage
	if err := json.Unmarshal(data, &rawEntries); err != nil {
		s.log.Warn("skipping unreadable partition file", map[string]interface{}{
			"utcDate": date,
			"error":   err.Error(),
		})
		metrics.CorruptRecordsDropped.Inc()
		return nil
	}

	var sessions []*models.FocusSession
	for _, raw := range rawEntries {
		var session models.FocusSession
		if err := json.Unmarshal(raw, &session); err == nil && Validate(&session) == nil {
			sessions = append(sessions, &session)
			continue
		}

		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if repaired := Sanitize(obj); repaired != nil {
				sessions = append(sessions, repaired)
				continue
			}
		}

		s.log.Warn("dropping corrupt session record", map[string]interface{}{
			"utcDate": date,
		})
		metrics.CorruptRecordsDropped.Inc()
	}

	if len(sessions) > 0 {
		s.partitions[date] = sessions
	}
	return nil
}

// ==========================
// HELPERS
// ==========================

func (s *Store) findLocked(sessionID string) (string, *models.FocusSession) {
	for key, sessions := range s.partitions {
		for _, session := range sessions {
			if session.ID == sessionID {
				return key, session
			}
		}
	}
	return "", nil
}

func (s *Store) removeLocked(key, sessionID string) {
	sessions := s.partitions[key]
	for i, session := range sessions {
		if session.ID == sessionID {
			s.partitions[key] = append(sessions[:i], sessions[i+1:]...)
			return
		}
	}
}

func (s *Store) snapshotLocked(date string) []*models.FocusSession {
	sessions := s.partitions[date]
	out := make([]*models.FocusSession, 0, len(sessions))
	for _, session := range sessions {
		if err := Validate(session); err != nil {
			if repaired := Sanitize(toRawMap(session)); repaired != nil {
				out = append(out, repaired)
				continue
			}
			s.log.Warn("dropping invalid session from listing", map[string]interface{}{
				"sessionId": session.ID,
				"utcDate":   date,
			})
			continue
		}
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTimeUTC.Before(out[j].StartTimeUTC)
	})
	return out
}

// toRawMap round-trips a session through JSON so Sanitize sees the same
// shape it would read from disk.
func toRawMap(session *models.FocusSession) map[string]interface{} {
	data, err := json.Marshal(session)
	if err != nil {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}
	return obj
}
