package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SnapshotType tags why a snapshot was taken.
type SnapshotType string

const (
	SnapshotTypeManual            SnapshotType = "manual"
	SnapshotTypeAutoApproval      SnapshotType = "auto_approval"
	SnapshotTypeAutoPeriodic      SnapshotType = "auto_periodic"
	SnapshotTypeBeforeMajorChange SnapshotType = "before_major_change"
)

// IsValid returns true if t is a known snapshot type.
func (t SnapshotType) IsValid() bool {
	switch t {
	case SnapshotTypeManual, SnapshotTypeAutoApproval, SnapshotTypeAutoPeriodic, SnapshotTypeBeforeMajorChange:
		return true
	}
	return false
}

// Snapshot is an immutable serialized copy of the estimate tree.
type Snapshot struct {
	ID              uuid.UUID     `json:"id"`
	OrganizationID  uuid.UUID     `json:"organization_id"`
	EstimateID      uuid.UUID     `json:"estimate_id"`
	SnapshotType    SnapshotType  `json:"snapshot_type"`
	Label           string        `json:"label,omitempty"`
	EstimateVersion int64         `json:"estimate_version"`
	Tree            *EstimateTree `json:"tree,omitempty"`
	CreatedBy       *uuid.UUID    `json:"created_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// SnapshotSummary is a snapshot without its tree payload.
type SnapshotSummary struct {
	ID              uuid.UUID    `json:"id"`
	EstimateID      uuid.UUID    `json:"estimate_id"`
	SnapshotType    SnapshotType `json:"snapshot_type"`
	Label           string       `json:"label,omitempty"`
	EstimateVersion int64        `json:"estimate_version"`
	CreatedAt       time.Time    `json:"created_at"`
}

// DiffKind says whether an entity was added, removed or changed between snapshots.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// EntityDiff is the difference for one section, item or resource line.
type EntityDiff struct {
	Kind       DiffKind               `json:"kind"`
	EntityType string                 `json:"entity_type"`
	EntityID   uuid.UUID              `json:"entity_id"`
	Label      string                 `json:"label"`
	Fields     map[string]FieldChange `json:"fields,omitempty"`
}

// StructuredDiff compares two snapshots of the same estimate.
type StructuredDiff struct {
	SnapshotA   uuid.UUID       `json:"snapshot_a"`
	SnapshotB   uuid.UUID       `json:"snapshot_b"`
	VersionA    int64           `json:"version_a"`
	VersionB    int64           `json:"version_b"`
	Sections    []EntityDiff    `json:"sections"`
	Items       []EntityDiff    `json:"items"`
	Resources   []EntityDiff    `json:"resources"`
	AmountDelta decimal.Decimal `json:"amount_delta"`
	DirectDelta decimal.Decimal `json:"direct_delta"`
}

// IsEmpty returns true if the snapshots are equivalent.
func (d *StructuredDiff) IsEmpty() bool {
	return len(d.Sections) == 0 && len(d.Items) == 0 && len(d.Resources) == 0
}
