// internal/models/conflict.go
package models

import "time"

// ConflictType classifies how two sides of a reconciled record diverge.
// Classification is ordered: timestamp first, then structure, then content.
type ConflictType string

const (
	ConflictTimestamp ConflictType = "timestamp"
	ConflictStructure ConflictType = "structure"
	ConflictContent   ConflictType = "content"
)

// ConflictSeverity ranks a conflict for reporting and notification.
type ConflictSeverity string

const (
	SeverityLow    ConflictSeverity = "low"
	SeverityMedium ConflictSeverity = "medium"
	SeverityHigh   ConflictSeverity = "high"
)

// ResolutionStrategy selects which side wins during reconciliation.
type ResolutionStrategy string

const (
	PreferWebapp    ResolutionStrategy = "prefer_webapp"
	PreferExtension ResolutionStrategy = "prefer_extension"
	MergeStrategy   ResolutionStrategy = "merge"
)

// IsValid reports whether the strategy is one of the configured choices.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case PreferWebapp, PreferExtension, MergeStrategy:
		return true
	}
	return false
}

// Conflict describes one detected divergence between the companion agent's
// value and the primary application's value for the same logical key.
type Conflict struct {
	Key            string           `json:"key"`
	Type           ConflictType     `json:"type"`
	Severity       ConflictSeverity `json:"severity"`
	ExtensionValue interface{}      `json:"extensionValue"`
	WebappValue    interface{}      `json:"webappValue"`
	DetectedAt     time.Time        `json:"detectedAt"`
}

// Resolution records how a conflict was settled. Every resolution carries
// the strategy used and a timestamp so repeated passes can recognize
// already-converged data.
type Resolution struct {
	Key              string             `json:"key"`
	Type             ConflictType       `json:"type"`
	Severity         ConflictSeverity   `json:"severity"`
	Strategy         ResolutionStrategy `json:"strategy"`
	ResolvedValue    interface{}        `json:"resolvedValue"`
	ConflictResolved bool               `json:"conflictResolved"`
	ResolvedAt       time.Time          `json:"resolvedAt"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
	KeysChecked int          `json:"keysChecked"`
	Conflicts   []Conflict   `json:"conflicts"`
	Resolutions []Resolution `json:"resolutions"`
	Skipped     bool         `json:"skipped"`
	SkipReason  string       `json:"skipReason,omitempty"`
}
