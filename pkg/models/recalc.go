package models

import (
	"fmt"

	"github.com/google/uuid"
)

// RecalcScopeKind is the extent of a recalculation pass.
type RecalcScopeKind string

const (
	RecalcScopeItem    RecalcScopeKind = "item"
	RecalcScopeSection RecalcScopeKind = "section"
	RecalcScopeFull    RecalcScopeKind = "full"
)

// RecalcScope selects what a recalculation pass recomputes.
// Item scope needs ItemID, section scope needs SectionID.
type RecalcScope struct {
	Kind      RecalcScopeKind `json:"scope"`
	ItemID    *uuid.UUID      `json:"item_id,omitempty"`
	SectionID *uuid.UUID      `json:"section_id,omitempty"`
}

// FullScope returns a whole-estimate scope.
func FullScope() RecalcScope { return RecalcScope{Kind: RecalcScopeFull} }

// ItemScope returns a single-item scope.
func ItemScope(id uuid.UUID) RecalcScope { return RecalcScope{Kind: RecalcScopeItem, ItemID: &id} }

// SectionScope returns a section-subtree scope.
func SectionScope(id uuid.UUID) RecalcScope {
	return RecalcScope{Kind: RecalcScopeSection, SectionID: &id}
}

// Validate checks that the scope carries the identifier its kind needs.
func (s RecalcScope) Validate() error {
	switch s.Kind {
	case RecalcScopeFull:
		return nil
	case RecalcScopeItem:
		if s.ItemID == nil {
			return fmt.Errorf("item scope requires item_id")
		}
		return nil
	case RecalcScopeSection:
		if s.SectionID == nil {
			return fmt.Errorf("section scope requires section_id")
		}
		return nil
	}
	return fmt.Errorf("unknown recalculation scope %q", s.Kind)
}

// RecalcState is the per-estimate recalculation state. Failures return to idle.
type RecalcState string

const (
	RecalcStateIdle          RecalcState = "idle"
	RecalcStateRecalculating RecalcState = "recalculating"
)

// ItemError is a calculation-level failure for one item. The item keeps its previous totals.
type ItemError struct {
	ItemID         uuid.UUID `json:"item_id"`
	PositionNumber string    `json:"position_number"`
	Error          string    `json:"error"`
}

// RecalcResult summarizes one committed recalculation pass.
type RecalcResult struct {
	EstimateID      uuid.UUID      `json:"estimate_id"`
	Scope           RecalcScope    `json:"scope"`
	Version         int64          `json:"version"`
	ItemsComputed   int            `json:"items_computed"`
	SectionsUpdated int            `json:"sections_updated"`
	ItemErrors      []ItemError    `json:"item_errors,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	Totals          EstimateTotals `json:"totals"`
	BaseTotals      EstimateTotals `json:"base_totals"`
}
