package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EstimateStatus is the approval lifecycle state of an estimate.
type EstimateStatus string

const (
	EstimateStatusDraft     EstimateStatus = "draft"
	EstimateStatusInReview  EstimateStatus = "in_review"
	EstimateStatusApproved  EstimateStatus = "approved"
	EstimateStatusCancelled EstimateStatus = "cancelled"
)

// IsEditable returns true if items and sections of the estimate may be changed.
func (s EstimateStatus) IsEditable() bool {
	return s == EstimateStatusDraft || s == EstimateStatusInReview
}

// CostTotals is one column set (current-price or base-price) of computed amounts.
type CostTotals struct {
	Materials decimal.Decimal `json:"materials"`
	Machinery decimal.Decimal `json:"machinery"`
	Labor     decimal.Decimal `json:"labor"`
	Equipment decimal.Decimal `json:"equipment"`
	Direct    decimal.Decimal `json:"direct"`
	Overhead  decimal.Decimal `json:"overhead"`
	Profit    decimal.Decimal `json:"profit"`
	Amount    decimal.Decimal `json:"amount"`
}

// Add returns the component-wise sum of two totals.
func (t CostTotals) Add(o CostTotals) CostTotals {
	return CostTotals{
		Materials: t.Materials.Add(o.Materials),
		Machinery: t.Machinery.Add(o.Machinery),
		Labor:     t.Labor.Add(o.Labor),
		Equipment: t.Equipment.Add(o.Equipment),
		Direct:    t.Direct.Add(o.Direct),
		Overhead:  t.Overhead.Add(o.Overhead),
		Profit:    t.Profit.Add(o.Profit),
		Amount:    t.Amount.Add(o.Amount),
	}
}

// Equal compares totals by value, ignoring decimal exponent differences.
func (t CostTotals) Equal(o CostTotals) bool {
	return t.Materials.Equal(o.Materials) &&
		t.Machinery.Equal(o.Machinery) &&
		t.Labor.Equal(o.Labor) &&
		t.Equipment.Equal(o.Equipment) &&
		t.Direct.Equal(o.Direct) &&
		t.Overhead.Equal(o.Overhead) &&
		t.Profit.Equal(o.Profit) &&
		t.Amount.Equal(o.Amount)
}

// EstimateTotals extends CostTotals with the VAT layer applied at estimate level.
type EstimateTotals struct {
	CostTotals
	VAT           decimal.Decimal `json:"vat"`
	AmountWithVAT decimal.Decimal `json:"amount_with_vat"`
}

// Estimate is the root aggregate of the bill of quantities.
// Totals and BaseTotals are always derived from the section/item rollup.
type Estimate struct {
	ID             uuid.UUID      `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	ProjectID      *uuid.UUID     `json:"project_id,omitempty"`
	ContractID     *uuid.UUID     `json:"contract_id,omitempty"`
	Number         string         `json:"number"`
	Name           string         `json:"name"`
	EstimateType   string         `json:"estimate_type"`
	Status         EstimateStatus `json:"status"`
	Version        int64          `json:"version"`

	// Pricing context
	RegionCode   string          `json:"region_code"`
	PriceYear    int             `json:"price_year"`
	PriceQuarter int             `json:"price_quarter"`
	VATRate      decimal.Decimal `json:"vat_rate"`
	OverheadRate decimal.Decimal `json:"overhead_rate"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`

	Totals     EstimateTotals `json:"totals"`
	BaseTotals EstimateTotals `json:"base_totals"`

	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Section is a node of the estimate's section tree.
type Section struct {
	ID                uuid.UUID  `json:"id"`
	OrganizationID    uuid.UUID  `json:"organization_id"`
	EstimateID        uuid.UUID  `json:"estimate_id"`
	ParentID          *uuid.UUID `json:"parent_id,omitempty"`
	Number            string     `json:"number"`
	FullSectionNumber string     `json:"full_section_number"`
	Name              string     `json:"name"`
	SortOrder         int        `json:"sort_order"`

	Totals     CostTotals `json:"totals"`
	BaseTotals CostTotals `json:"base_totals"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ItemType classifies a position in the bill of quantities.
type ItemType string

const (
	ItemTypeWork      ItemType = "work"
	ItemTypeMaterial  ItemType = "material"
	ItemTypeMachinery ItemType = "machinery"
	ItemTypeLabor     ItemType = "labor"
	ItemTypeEquipment ItemType = "equipment"
	ItemTypeOther     ItemType = "other"
)

// IsValid returns true if t is a known item type.
func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeWork, ItemTypeMaterial, ItemTypeMachinery, ItemTypeLabor, ItemTypeEquipment, ItemTypeOther:
		return true
	}
	return false
}

// ResourceType returns the resource category an item of this type contributes to
// when it is priced without resource lines.
func (t ItemType) ResourceType() ResourceType {
	switch t {
	case ItemTypeMachinery:
		return ResourceTypeMachinery
	case ItemTypeLabor:
		return ResourceTypeLabor
	case ItemTypeEquipment:
		return ResourceTypeEquipment
	default:
		return ResourceTypeMaterial
	}
}

// PricingMode tells whether an item is priced from a bound normative rate or manually.
type PricingMode string

const (
	PricingModeRate   PricingMode = "rate"
	PricingModeManual PricingMode = "manual"
)

// Item is a position of the estimate. Resource lines, when present, decompose its direct cost.
type Item struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	EstimateID     uuid.UUID  `json:"estimate_id"`
	SectionID      *uuid.UUID `json:"section_id,omitempty"`
	ParentItemID   *uuid.UUID `json:"parent_item_id,omitempty"`
	PositionNumber string     `json:"position_number"`
	SortOrder      int        `json:"sort_order"`

	// Rate binding
	PricingMode  PricingMode `json:"pricing_mode"`
	RateID       *uuid.UUID  `json:"rate_id,omitempty"`
	CollectionID *uuid.UUID  `json:"collection_id,omitempty"`
	RateCode     string      `json:"rate_code,omitempty"`

	Name     string   `json:"name"`
	Unit     string   `json:"unit"`
	ItemType ItemType `json:"item_type"`

	Quantity            decimal.Decimal `json:"quantity"`
	QuantityCoefficient decimal.Decimal `json:"quantity_coefficient"`
	QuantityTotal       decimal.Decimal `json:"quantity_total"`

	// Unit prices. BaseUnitPrice is frozen at creation/import; the rest are derived.
	BaseUnitPrice    decimal.Decimal `json:"base_unit_price"`
	ManualUnitPrice  decimal.Decimal `json:"manual_unit_price"`
	IndexValue       decimal.Decimal `json:"index_value"`
	CoefficientTotal decimal.Decimal `json:"coefficient_total"`
	CurrentUnitPrice decimal.Decimal `json:"current_unit_price"`

	// Item-level overrides of the estimate's overhead/profit rates.
	OverheadRate decimal.NullDecimal `json:"overhead_rate"`
	ProfitRate   decimal.NullDecimal `json:"profit_rate"`

	Totals       CostTotals      `json:"totals"`
	BaseTotals   CostTotals      `json:"base_totals"`
	LaborHours   decimal.Decimal `json:"labor_hours"`
	MachineHours decimal.Decimal `json:"machine_hours"`

	CalcWarnings []string `json:"calc_warnings,omitempty"`
	CalcError    string   `json:"calc_error,omitempty"`

	Resources []ResourceLine `json:"resources,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted returns true if the item was soft-deleted.
func (i *Item) IsDeleted() bool {
	return i.DeletedAt != nil
}

// ResourceType is the tag of the resource line union.
type ResourceType string

const (
	ResourceTypeMaterial  ResourceType = "material"
	ResourceTypeMachinery ResourceType = "machinery"
	ResourceTypeLabor     ResourceType = "labor"
	ResourceTypeEquipment ResourceType = "equipment"
	ResourceTypeOther     ResourceType = "other"
)

// IsValid returns true if t is a known resource type.
func (t ResourceType) IsValid() bool {
	switch t {
	case ResourceTypeMaterial, ResourceTypeMachinery, ResourceTypeLabor, ResourceTypeEquipment, ResourceTypeOther:
		return true
	}
	return false
}

// HasHours returns true for resource types that carry labor or machine hours.
func (t ResourceType) HasHours() bool {
	return t == ResourceTypeLabor || t == ResourceTypeMachinery
}

// ResourceLine is one material/machinery/labor/equipment component of an item.
// Hours is only meaningful for labor and machinery lines.
type ResourceLine struct {
	ID           uuid.UUID    `json:"id"`
	ItemID       uuid.UUID    `json:"item_id"`
	ResourceType ResourceType `json:"resource_type"`
	Code         string       `json:"code,omitempty"`
	Name         string       `json:"name"`
	Unit         string       `json:"unit"`
	SortOrder    int          `json:"sort_order"`

	QuantityPerUnit  decimal.Decimal `json:"quantity_per_unit"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	BaseUnitPrice    decimal.Decimal `json:"base_unit_price"`
	CurrentUnitPrice decimal.Decimal `json:"current_unit_price"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	Amount           decimal.Decimal `json:"amount"`
	Hours            decimal.Decimal `json:"hours"`

	// NotAccounted marks informational lines excluded from the item's direct cost.
	NotAccounted bool `json:"not_accounted"`
	// PriceFlagged is set when the line has a zero or negative unit price.
	PriceFlagged bool `json:"price_flagged"`
}

// EstimateTree is the full estimate with its sections, items and resource lines.
// It is the unit of recalculation and the payload of snapshots.
type EstimateTree struct {
	Estimate *Estimate `json:"estimate"`
	Sections []*Section `json:"sections"`
	Items    []*Item    `json:"items"`
}
