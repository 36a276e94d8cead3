package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType is the kind of change recorded in the estimate change log.
type ChangeType string

const (
	ChangeTypeCreate      ChangeType = "create"
	ChangeTypeUpdate      ChangeType = "update"
	ChangeTypeDelete      ChangeType = "delete"
	ChangeTypeRecalculate ChangeType = "recalculate"
	ChangeTypeStatus      ChangeType = "status"
	ChangeTypeImport      ChangeType = "import"
	ChangeTypeRestore     ChangeType = "restore"
)

// Entity types referenced by change log entries.
const (
	EntityTypeEstimate = "estimate"
	EntityTypeSection  = "section"
	EntityTypeItem     = "item"
	EntityTypeResource = "resource"
	EntityTypeSnapshot = "snapshot"
	EntityTypeImport   = "import_session"
)

// EntityRef points at the entity a change applies to.
type EntityRef struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

// ChangeLogEntry is one append-only record of a change to an estimate.
// Stored in estimate_change_log, written in the same transaction as the change.
type ChangeLogEntry struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	EstimateID     uuid.UUID      `json:"estimate_id"`
	ChangeType     ChangeType     `json:"change_type"`
	EntityType     string         `json:"entity_type"`
	EntityID       uuid.UUID      `json:"entity_id"`
	OldValues      map[string]any `json:"old_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`

	// Who/how
	Source  string     `json:"source"`
	ActorID *uuid.UUID `json:"actor_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// FieldChange represents the old and new values for a changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}
