package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ImportSessionStatus is the lifecycle state of an import session.
type ImportSessionStatus string

const (
	ImportStatusPending   ImportSessionStatus = "pending"
	ImportStatusRunning   ImportSessionStatus = "running"
	ImportStatusCompleted ImportSessionStatus = "completed"
	ImportStatusFailed    ImportSessionStatus = "failed"
	ImportStatusCancelled ImportSessionStatus = "cancelled"
)

// IsTerminal returns true if the session no longer accepts rows.
func (s ImportSessionStatus) IsTerminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed || s == ImportStatusCancelled
}

// ColumnField is the logical item field a source column maps to.
type ColumnField string

const (
	ColumnCode      ColumnField = "code"
	ColumnName      ColumnField = "name"
	ColumnUnit      ColumnField = "unit"
	ColumnQuantity  ColumnField = "quantity"
	ColumnUnitPrice ColumnField = "unit_price"
	ColumnPosition  ColumnField = "position"
	ColumnSection   ColumnField = "section"
)

// ColumnMapping maps logical fields to zero-based source column positions.
type ColumnMapping map[ColumnField]int

// Clone returns a copy of the mapping.
func (m ColumnMapping) Clone() ColumnMapping {
	out := make(ColumnMapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ImportSession tracks one import of normalized rows into an estimate.
type ImportSession struct {
	ID              uuid.UUID           `json:"id"`
	OrganizationID  uuid.UUID           `json:"organization_id"`
	EstimateID      uuid.UUID           `json:"estimate_id"`
	SourceName      string              `json:"source_name"`
	Status          ImportSessionStatus `json:"status"`
	Headers         []string            `json:"headers"`
	HeaderSignature string              `json:"header_signature"`
	ColumnMapping   ColumnMapping       `json:"column_mapping"`
	FromMemory      bool                `json:"from_memory"`

	// Progress counters
	TotalRows     int `json:"total_rows"`
	ProcessedRows int `json:"processed_rows"`
	CommittedRows int `json:"committed_rows"`
	ReviewRows    int `json:"review_rows"`
	FailedRows    int `json:"failed_rows"`

	// LastWorkItemID is the most recent committed work item; resource rows attach to it.
	LastWorkItemID *uuid.UUID `json:"last_work_item_id,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedBy    *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ImportMemory is an organization's previously confirmed column mapping for a header signature.
type ImportMemory struct {
	ID             uuid.UUID     `json:"id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	Signature      string        `json:"signature"`
	ColumnMapping  ColumnMapping `json:"column_mapping"`
	ConfirmedCount int           `json:"confirmed_count"`
	LastUsedAt     time.Time     `json:"last_used_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ImportRow is one normalized row produced by the external parser.
type ImportRow struct {
	RowNumber int      `json:"row_number"`
	Cells     []string `json:"cells"`
	// RowType is the parser-detected type (e.g. "work", "material", "section"), may be empty.
	RowType string `json:"row_type,omitempty"`
}

// ItemDraft is a mapped but not yet committed item.
type ItemDraft struct {
	PositionNumber string          `json:"position_number,omitempty"`
	SectionNumber  string          `json:"section_number,omitempty"`
	RateCode       string          `json:"rate_code,omitempty"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	ItemType       ItemType        `json:"item_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	// IsSection marks a section header row; only SectionNumber and Name are meaningful.
	IsSection bool `json:"is_section,omitempty"`
	// Reasons explains each confidence reduction.
	Reasons []string `json:"reasons,omitempty"`
}

// IsResource returns true for rows that describe a resource rather than a work position.
func (d *ItemDraft) IsResource() bool {
	return !d.IsSection && d.ItemType != ItemTypeWork && d.ItemType != ""
}

// ReviewStatus is the state of a review queue entry.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusAccepted ReviewStatus = "accepted"
	ReviewStatusRejected ReviewStatus = "rejected"
)

// ReviewQueueEntry is an import row held for manual review because its confidence was too low.
type ReviewQueueEntry struct {
	ID             uuid.UUID    `json:"id"`
	OrganizationID uuid.UUID    `json:"organization_id"`
	SessionID      uuid.UUID    `json:"session_id"`
	RowNumber      int          `json:"row_number"`
	Row            ImportRow    `json:"row"`
	Draft          ItemDraft    `json:"draft"`
	Confidence     float64      `json:"confidence"`
	Status         ReviewStatus `json:"status"`
	ItemID         *uuid.UUID   `json:"item_id,omitempty"`
	ResolvedBy     *uuid.UUID   `json:"resolved_by,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

// ImportRowOutcome is what happened to a single imported row.
type ImportRowOutcome struct {
	RowNumber   int               `json:"row_number"`
	Confidence  float64           `json:"confidence"`
	Item        *Item             `json:"item,omitempty"`
	Resource    *ResourceLine     `json:"resource,omitempty"`
	ReviewEntry *ReviewQueueEntry `json:"review_entry,omitempty"`
	Error       string            `json:"error,omitempty"`
}
