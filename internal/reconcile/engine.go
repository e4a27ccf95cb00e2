// internal/reconcile/engine.go
package reconcile

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"focus-sync/internal/common/config"
	"focus-sync/internal/common/errors"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/common/metrics"
	"focus-sync/internal/common/observability"
	"focus-sync/internal/cloud"
	"focus-sync/internal/coordinator"
	"focus-sync/internal/models"
)

// ==========================
// RECONCILIATION ENGINE
// ==========================

// extensionKeyPrefix is the companion side's storage-key prefix. The two
// naming schemes map one-to-one: the application side addresses the same
// record by the bare session ID.
const extensionKeyPrefix = "focus_session_"

func extensionKey(sessionID string) string {
	return extensionKeyPrefix + sessionID
}

func translateKey(key string) string {
	return strings.TrimPrefix(key, extensionKeyPrefix)
}

// Engine brings the companion agent's recent-window data and the
// application's cloud-backed data into agreement. Every pass probes the
// remote side first and degrades to a skipped pass when it is unreachable;
// all local write-backs go through the coordinator.
type Engine struct {
	cfg      config.ReconcileConfig
	coord    *coordinator.Coordinator
	repo     cloud.Repository
	notifier ConflictNotifier
	log      logger.Logger
	obs      *observability.Observability

	classify *classifier
	resolve  *resolver
	now      func() time.Time
}

// NewEngine validates the configured strategy and builds an engine.
func NewEngine(cfg config.ReconcileConfig, coord *coordinator.Coordinator, repo cloud.Repository, notifier ConflictNotifier, obs *observability.Observability, log logger.Logger) (*Engine, error) {
	return NewEngineWithClock(cfg, coord, repo, notifier, obs, log, time.Now)
}

// NewEngineWithClock is NewEngine with an injectable clock.
func NewEngineWithClock(cfg config.ReconcileConfig, coord *coordinator.Coordinator, repo cloud.Repository, notifier ConflictNotifier, obs *observability.Observability, log logger.Logger, now func() time.Time) (*Engine, error) {
	resolver, err := newResolver(models.ResolutionStrategy(cfg.Strategy), now)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	return &Engine{
		cfg:      cfg,
		coord:    coord,
		repo:     repo,
		notifier: notifier,
		log:      log,
		obs:      obs,
		classify: newClassifier(cfg.TimestampSkewSeconds, cfg.SizeDeltaPercent),
		resolve:  resolver,
		now:      now,
	}, nil
}

// RunPass reconciles one user's recent window. An unreachable remote side
// yields a skipped report, not an error; the caller retries on the next
// interval.
func (e *Engine) RunPass(ctx context.Context, userID string) (*models.ReconcileReport, error) {
	started := e.now().UTC()
	report := &models.ReconcileReport{StartedAt: started}

	finish := func(status string) *models.ReconcileReport {
		report.FinishedAt = e.now().UTC()
		elapsed := report.FinishedAt.Sub(started)
		metrics.ReconcileDuration.Observe(elapsed.Seconds())
		if e.obs != nil {
			e.obs.RecordPass(ctx, status)
			e.obs.RecordPassDuration(ctx, elapsed, status)
		}
		return report
	}

	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ProbeTimeout)*time.Millisecond)
	err := e.repo.Ping(probeCtx)
	cancel()
	if err != nil {
		report.Skipped = true
		report.SkipReason = errors.NewSyncUnreachableError(err).Error()
		metrics.ReconcileSkipped.Inc()
		e.log.Warn("reconciliation skipped, remote unreachable", map[string]interface{}{
			"userId": userID,
			"error":  err.Error(),
		})
		return finish("skipped"), nil
	}

	endDate := started.Format(models.PartitionDateLayout)
	startDate := started.AddDate(0, 0, -(e.cfg.WindowDays - 1)).Format(models.PartitionDateLayout)

	local, err := e.localSessions(userID, startDate, endDate)
	if err != nil {
		return finish("failed"), err
	}
	remote, err := e.repo.GetSessionsForRange(ctx, userID, startDate, endDate)
	if err != nil {
		return finish("failed"), err
	}

	remoteByID := make(map[string]*models.FocusSession, len(remote))
	for _, session := range remote {
		remoteByID[session.ID] = session
	}

	seen := make(map[string]bool, len(local))
	for _, localSession := range local {
		key := extensionKey(localSession.ID)
		report.KeysChecked++

		remoteSession, ok := remoteByID[translateKey(key)]
		seen[localSession.ID] = true
		if !ok {
			// Local-only: nothing to reconcile, push it to the cloud side.
			if err := e.repo.Upsert(ctx, localSession); err != nil {
				return finish("failed"), err
			}
			continue
		}

		conflict := e.classify.Classify(key, localSession, remoteSession, started)
		if conflict == nil {
			continue
		}
		report.Conflicts = append(report.Conflicts, *conflict)
		metrics.ConflictsDetected.WithLabelValues(string(conflict.Type), string(conflict.Severity)).Inc()

		if conflict.Severity == models.SeverityHigh {
			// Best effort only; the notifier deduplicates per key.
			_ = e.notifier.NotifyHighSeverity(ctx, conflict)
		}

		resolution := e.resolve.Resolve(conflict)
		resolved, err := e.materialize(resolution, localSession)
		if err != nil {
			return finish("failed"), err
		}
		if err := e.coord.ApplyResolved(resolved); err != nil {
			return finish("failed"), err
		}
		if err := e.repo.Upsert(ctx, resolved); err != nil {
			return finish("failed"), err
		}
		report.Resolutions = append(report.Resolutions, *resolution)
		metrics.ConflictsResolved.WithLabelValues(string(conflict.Type), string(resolution.Strategy)).Inc()
	}

	// Remote-only sessions get adopted locally so the next pass sees both
	// sides converged.
	for _, remoteSession := range remote {
		if seen[remoteSession.ID] {
			continue
		}
		report.KeysChecked++
		if err := e.coord.ApplyResolved(remoteSession); err != nil {
			return finish("failed"), err
		}
	}

	// Export pass: flip the synced flag on everything the cloud side now
	// holds. Anything inside the window was already written above, so only
	// older unsynced sessions still need a push. The flag flips on both
	// sides in the same step; a one-sided flip would read as a content
	// divergence next pass.
	var exported []string
	for _, session := range e.coord.ExportUnsynced().Sessions {
		if session.UserID != userID {
			continue
		}
		if !seen[session.ID] {
			if _, ok := remoteByID[session.ID]; !ok {
				if err := e.repo.Upsert(ctx, session); err != nil {
					return finish("failed"), err
				}
			}
		}
		exported = append(exported, session.ID)
	}
	if len(exported) > 0 {
		if err := e.repo.MarkSynced(ctx, exported); err != nil {
			return finish("failed"), err
		}
		if err := e.coord.MarkSynced(exported); err != nil {
			return finish("failed"), err
		}
	}

	e.log.Info("reconciliation pass finished", map[string]interface{}{
		"userId":      userID,
		"keysChecked": report.KeysChecked,
		"conflicts":   len(report.Conflicts),
		"resolutions": len(report.Resolutions),
		"exported":    len(exported),
	})
	return finish("ok"), nil
}

// Run executes passes at the configured interval until the context ends.
// users is consulted on every tick, so sessions that appear after startup
// still get their owner reconciled. A failed pass is logged and the loop
// moves on; the next tick retries.
func (e *Engine) Run(ctx context.Context, users func() []string) {
	interval := time.Duration(e.cfg.Interval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range users() {
				if _, err := e.RunPass(ctx, userID); err != nil {
					e.log.WithError(err).Error("reconciliation pass failed", map[string]interface{}{
						"userId": userID,
					})
				}
			}
		}
	}
}

func (e *Engine) localSessions(userID, startDate, endDate string) ([]*models.FocusSession, error) {
	sessions, err := e.coord.Sessions(startDate, endDate)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, session := range sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	return out, nil
}

// materialize turns a resolution's winning value back into a session and
// stamps the resolution metadata on it. Both sides receive this exact
// record, which is what makes a second pass over it find nothing to do.
func (e *Engine) materialize(resolution *models.Resolution, fallback *models.FocusSession) (*models.FocusSession, error) {
	data, err := json.Marshal(resolution.ResolvedValue)
	if err != nil {
		return nil, errors.NewValidationError("resolved value does not serialize: " + err.Error())
	}

	resolved := fallback.Clone()
	if err := json.Unmarshal(data, resolved); err != nil {
		return nil, errors.NewValidationError("resolved value is not a session: " + err.Error())
	}

	resolved.ConflictResolved = true
	resolved.ResolutionStrategy = string(resolution.Strategy)
	resolvedAt := resolution.ResolvedAt
	resolved.ResolvedAt = &resolvedAt
	resolved.UpdatedAt = resolvedAt
	return resolved, nil
}
