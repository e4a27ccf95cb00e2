// internal/reconcile/classify.go
package reconcile

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"focus-sync/internal/models"
)

// ==========================
// CONFLICT CLASSIFICATION
// ==========================

// classifier turns a pair of records into a typed, ranked conflict. The
// skew and size-delta thresholds come from config; the check order is
// fixed: timestamp, then structure, then content.
type classifier struct {
	timestampSkew    time.Duration
	sizeDeltaPercent int
}

func newClassifier(skewSeconds, sizeDeltaPercent int) *classifier {
	return &classifier{
		timestampSkew:    time.Duration(skewSeconds) * time.Second,
		sizeDeltaPercent: sizeDeltaPercent,
	}
}

// Classify compares the companion-side and application-side values for one
// logical key. It returns nil when the two agree.
func (c *classifier) Classify(key string, extension, webapp interface{}, detectedAt time.Time) *models.Conflict {
	extNorm := normalize(extension)
	webNorm := normalize(webapp)

	conflictType, ok := c.classifyType(extNorm, webNorm)
	if !ok {
		return nil
	}

	return &models.Conflict{
		Key:            key,
		Type:           conflictType,
		Severity:       c.severity(conflictType, extNorm, webNorm),
		ExtensionValue: extNorm,
		WebappValue:    webNorm,
		DetectedAt:     detectedAt,
	}
}

func (c *classifier) classifyType(ext, web interface{}) (models.ConflictType, bool) {
	extTS, extOK := extractTimestamp(ext)
	webTS, webOK := extractTimestamp(web)
	if extOK && webOK {
		skew := extTS.Sub(webTS)
		if skew < 0 {
			skew = -skew
		}
		if skew > c.timestampSkew {
			return models.ConflictTimestamp, true
		}
	}

	if !sameFieldSets(ext, web) {
		return models.ConflictStructure, true
	}

	if !bytes.Equal(canonicalJSON(ext), canonicalJSON(web)) {
		return models.ConflictContent, true
	}
	return "", false
}

func (c *classifier) severity(conflictType models.ConflictType, ext, web interface{}) models.ConflictSeverity {
	switch conflictType {
	case models.ConflictTimestamp:
		return models.SeverityLow
	case models.ConflictStructure:
		return models.SeverityHigh
	case models.ConflictContent:
		if sizeDeltaPercent(ext, web) > c.sizeDeltaPercent {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// sizeDeltaPercent is the serialized size difference relative to the
// larger side, as a whole percentage.
func sizeDeltaPercent(a, b interface{}) int {
	sizeA := len(canonicalJSON(a))
	sizeB := len(canonicalJSON(b))
	larger := sizeA
	if sizeB > larger {
		larger = sizeB
	}
	if larger == 0 {
		return 0
	}
	delta := sizeA - sizeB
	if delta < 0 {
		delta = -delta
	}
	return delta * 100 / larger
}

// ==========================
// VALUE INSPECTION
// ==========================

// normalize round-trips a value through JSON so typed structs and raw maps
// compare by shape rather than by Go type.
func normalize(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// canonicalJSON serializes with sorted keys, which encoding/json already
// guarantees for maps.
func canonicalJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func sameFieldSets(a, b interface{}) bool {
	mapA, okA := a.(map[string]interface{})
	mapB, okB := b.(map[string]interface{})
	if !okA || !okB {
		// Non-object pairs have no field sets to compare.
		return true
	}

	if len(mapA) != len(mapB) {
		return false
	}
	for key := range mapA {
		if _, ok := mapB[key]; !ok {
			return false
		}
	}
	return true
}

// timestampFields are checked in order when extracting a record's
// authoritative modification time.
var timestampFields = []string{"updatedAt", "resolvedAt", "startTimeUtc", "startTime", "createdAt"}

// extractTimestamp pulls the most authoritative timestamp out of a record.
// For collections it is the newest member timestamp.
func extractTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		for _, field := range timestampFields {
			raw, ok := val[field]
			if !ok {
				continue
			}
			if ts, ok := parseTimestamp(raw); ok {
				return ts, true
			}
		}
		return time.Time{}, false
	case []interface{}:
		var newest time.Time
		found := false
		for _, item := range val {
			if ts, ok := extractTimestamp(item); ok && ts.After(newest) {
				newest = ts
				found = true
			}
		}
		return newest, found
	default:
		return time.Time{}, false
	}
}

func parseTimestamp(raw interface{}) (time.Time, bool) {
	switch val := raw.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.RFC3339, val); err == nil {
			return ts, true
		}
		return time.Time{}, false
	case float64:
		if val <= 0 {
			return time.Time{}, false
		}
		// Epochs past the year 9999 in seconds are milliseconds.
		if val > 253402300799 {
			return time.UnixMilli(int64(val)).UTC(), true
		}
		return time.Unix(int64(val), 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

// identityKey returns the stable identity of a collection member, falling
// back to its full canonical serialization.
func identityKey(v interface{}) string {
	if obj, ok := v.(map[string]interface{}); ok {
		if id, ok := obj["id"].(string); ok && id != "" {
			return "id:" + id
		}
		if id, ok := obj["sessionId"].(string); ok && id != "" {
			return "sessionId:" + id
		}
	}
	return "value:" + string(canonicalJSON(v))
}

// sortNewestFirst orders collection members by extracted timestamp,
// newest first, with a canonical-serialization tiebreak so the order is
// deterministic.
func sortNewestFirst(items []interface{}) {
	sort.SliceStable(items, func(i, j int) bool {
		tsI, okI := extractTimestamp(items[i])
		tsJ, okJ := extractTimestamp(items[j])
		if okI && okJ && !tsI.Equal(tsJ) {
			return tsI.After(tsJ)
		}
		if okI != okJ {
			return okI
		}
		return string(canonicalJSON(items[i])) < string(canonicalJSON(items[j]))
	})
}
