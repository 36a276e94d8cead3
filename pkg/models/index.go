package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IndexType is the resource category a price index applies to.
type IndexType string

const (
	IndexTypeMaterials IndexType = "materials"
	IndexTypeMachinery IndexType = "machinery"
	IndexTypeLabor     IndexType = "labor"
	IndexTypeEquipment IndexType = "equipment"
	IndexTypeOverall   IndexType = "overall"
)

// PriceIndex converts base-year prices to current-period prices.
// At most one index exists per (type, region, year, quarter, month).
type PriceIndex struct {
	ID         uuid.UUID       `json:"id"`
	IndexType  IndexType       `json:"index_type"`
	RegionCode string          `json:"region_code"`
	Year       int             `json:"year"`
	Quarter    int             `json:"quarter"`
	Month      *int            `json:"month,omitempty"`
	Value      decimal.Decimal `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
}

// IndexSet holds the resolved indices for one pricing period.
// Missing lists the index types that fell back to 1.
type IndexSet struct {
	Materials decimal.Decimal `json:"materials"`
	Machinery decimal.Decimal `json:"machinery"`
	Labor     decimal.Decimal `json:"labor"`
	Equipment decimal.Decimal `json:"equipment"`
	Missing   []IndexType     `json:"missing,omitempty"`
}

// NeutralIndexSet returns an index set where every index is 1.
func NeutralIndexSet() IndexSet {
	one := decimal.NewFromInt(1)
	return IndexSet{Materials: one, Machinery: one, Labor: one, Equipment: one}
}

// For returns the index applicable to the resource type.
// "other" resources are indexed like materials.
func (s IndexSet) For(t ResourceType) decimal.Decimal {
	switch t {
	case ResourceTypeMachinery:
		return s.Machinery
	case ResourceTypeLabor:
		return s.Labor
	case ResourceTypeEquipment:
		return s.Equipment
	default:
		return s.Materials
	}
}

// CoefficientKind is the business origin of a coefficient.
type CoefficientKind string

const (
	CoefficientKindRegional CoefficientKind = "regional"
	CoefficientKindClimatic CoefficientKind = "climatic"
	CoefficientKindCustom   CoefficientKind = "custom"
)

// CoefficientScopeLevel is the level a coefficient is attached to.
type CoefficientScopeLevel string

const (
	ScopeLevelRate       CoefficientScopeLevel = "rate"
	ScopeLevelSection    CoefficientScopeLevel = "section"
	ScopeLevelCollection CoefficientScopeLevel = "collection"
)

// Precedence returns the application order of the level (most specific first).
func (l CoefficientScopeLevel) Precedence() int {
	switch l {
	case ScopeLevelRate:
		return 0
	case ScopeLevelSection:
		return 1
	case ScopeLevelCollection:
		return 2
	}
	return 3
}

// Coefficient is a multiplicative adjustment applied on top of indexation.
type Coefficient struct {
	ID             uuid.UUID             `json:"id"`
	OrganizationID *uuid.UUID            `json:"organization_id,omitempty"`
	Name           string                `json:"name"`
	Kind           CoefficientKind       `json:"kind"`
	ScopeLevel     CoefficientScopeLevel `json:"scope_level"`
	ScopeID        uuid.UUID             `json:"scope_id"`
	Value          decimal.Decimal       `json:"value"`
	IsMandatory    bool                  `json:"is_mandatory"`
	IsActive       bool                  `json:"is_active"`
	EffectiveFrom  *time.Time            `json:"effective_from,omitempty"`
	EffectiveTo    *time.Time            `json:"effective_to,omitempty"`
	SortOrder      int                   `json:"sort_order"`
}

// InEffect returns true if the coefficient is active and its window contains asOf.
// EffectiveTo is inclusive.
func (c *Coefficient) InEffect(asOf time.Time) bool {
	if !c.IsActive {
		return false
	}
	if c.EffectiveFrom != nil && asOf.Before(*c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && asOf.After(*c.EffectiveTo) {
		return false
	}
	return true
}

// CoefficientScope identifies the rate, section and collection an item is priced under.
type CoefficientScope struct {
	RateID       *uuid.UUID
	SectionID    *uuid.UUID
	CollectionID *uuid.UUID
}

// ResolvedCoefficients is the ordered list of coefficients in effect and their product.
type ResolvedCoefficients struct {
	Coefficients []Coefficient  `json:"coefficients"`
	Total        decimal.Decimal `json:"total"`
}

// OrgRates are the overhead and profit rates applied to an item.
type OrgRates struct {
	OverheadRate decimal.Decimal
	ProfitRate   decimal.Decimal
}
