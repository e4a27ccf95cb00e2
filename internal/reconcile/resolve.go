// internal/reconcile/resolve.go
package reconcile

import (
	"time"

	"focus-sync/internal/common/errors"
	"focus-sync/internal/models"
)

// ==========================
// CONFLICT RESOLUTION
// ==========================

// resolver applies the configured strategy to classified conflicts.
type resolver struct {
	strategy models.ResolutionStrategy
	now      func() time.Time
}

func newResolver(strategy models.ResolutionStrategy, now func() time.Time) (*resolver, error) {
	if !strategy.IsValid() {
		return nil, errors.NewValidationError("unknown resolution strategy: " + string(strategy))
	}
	return &resolver{strategy: strategy, now: now}, nil
}

// Resolve picks the winning value for a conflict and tags the resolution.
func (r *resolver) Resolve(conflict *models.Conflict) *models.Resolution {
	var value interface{}
	switch r.strategy {
	case models.PreferWebapp:
		value = conflict.WebappValue
	case models.PreferExtension:
		value = conflict.ExtensionValue
	case models.MergeStrategy:
		value = r.merge(conflict)
	}

	return &models.Resolution{
		Key:              conflict.Key,
		Type:             conflict.Type,
		Severity:         conflict.Severity,
		Strategy:         r.strategy,
		ResolvedValue:    value,
		ConflictResolved: true,
		ResolvedAt:       r.now().UTC(),
	}
}

// merge resolves per conflict type: timestamp conflicts go to the later
// side, content conflicts over collections union by identity, and
// structure conflicts fall back to the application side because it sits
// behind central validation.
func (r *resolver) merge(conflict *models.Conflict) interface{} {
	switch conflict.Type {
	case models.ConflictTimestamp:
		return laterSide(conflict.ExtensionValue, conflict.WebappValue)
	case models.ConflictContent:
		extList, extOK := conflict.ExtensionValue.([]interface{})
		webList, webOK := conflict.WebappValue.([]interface{})
		if extOK && webOK {
			return unionByIdentity(extList, webList)
		}
		return laterSide(conflict.ExtensionValue, conflict.WebappValue)
	default:
		return conflict.WebappValue
	}
}

// laterSide returns the value with the later extractable timestamp,
// preferring the application side when neither has one or they tie.
func laterSide(extension, webapp interface{}) interface{} {
	extTS, extOK := extractTimestamp(extension)
	webTS, webOK := extractTimestamp(webapp)

	switch {
	case extOK && webOK:
		if extTS.After(webTS) {
			return extension
		}
		return webapp
	case extOK:
		return extension
	default:
		return webapp
	}
}

// unionByIdentity merges two collections by their members' stable
// identity. When both sides carry the same member, the one with the later
// timestamp survives. The result is ordered newest-first.
func unionByIdentity(extension, webapp []interface{}) []interface{} {
	merged := make(map[string]interface{}, len(extension)+len(webapp))
	for _, item := range webapp {
		merged[identityKey(item)] = item
	}
	for _, item := range extension {
		key := identityKey(item)
		if existing, ok := merged[key]; ok {
			merged[key] = laterSide(item, existing)
		} else {
			merged[key] = item
		}
	}

	out := make([]interface{}, 0, len(merged))
	for _, item := range merged {
		out = append(out, item)
	}
	sortNewestFirst(out)
	return out
}
