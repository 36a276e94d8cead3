package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateCollection is a normative base (a set of rates). Collections without an
// organization are shared reference data; private collections may be marked public.
type RateCollection struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	BaseYear       int        `json:"base_year"`
	IsPublic       bool       `json:"is_public"`
	CreatedAt      time.Time  `json:"created_at"`
}

// VisibleTo returns true if the collection may be referenced by the organization.
func (c *RateCollection) VisibleTo(orgID uuid.UUID) bool {
	if c.OrganizationID == nil || c.IsPublic {
		return true
	}
	return *c.OrganizationID == orgID
}

// NormativeRate is a standardized unit-cost record keyed by collection and code.
// Read-only to the engine; maintained by the normative-base ingestion process.
type NormativeRate struct {
	ID             uuid.UUID       `json:"id"`
	CollectionID   uuid.UUID       `json:"collection_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Unit           string          `json:"unit"`
	BaseCost       decimal.Decimal `json:"base_cost"`
	BaseMaterials  decimal.Decimal `json:"base_materials"`
	BaseMachinery  decimal.Decimal `json:"base_machinery"`
	BaseLabor      decimal.Decimal `json:"base_labor"`
	BaseEquipment  decimal.Decimal `json:"base_equipment"`
	LaborHours     decimal.Decimal `json:"labor_hours"`
	MachineHours   decimal.Decimal `json:"machine_hours"`
	Collection     *RateCollection `json:"collection,omitempty"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RateResource is one base resource line of a normative rate, per unit of work.
type RateResource struct {
	ID            uuid.UUID       `json:"id"`
	RateID        uuid.UUID       `json:"rate_id"`
	ResourceType  ResourceType    `json:"resource_type"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Unit          string          `json:"unit"`
	Quantity      decimal.Decimal `json:"quantity"`
	BaseUnitPrice decimal.Decimal `json:"base_unit_price"`
	Hours         decimal.Decimal `json:"hours"`
	NotAccounted  bool            `json:"not_accounted"`
	SortOrder     int             `json:"sort_order"`
}

// ToResourceLine converts the rate resource into an item resource line template.
func (r RateResource) ToResourceLine(itemID uuid.UUID) ResourceLine {
	return ResourceLine{
		ID:              uuid.New(),
		ItemID:          itemID,
		ResourceType:    r.ResourceType,
		Code:            r.Code,
		Name:            r.Name,
		Unit:            r.Unit,
		SortOrder:       r.SortOrder,
		QuantityPerUnit: r.Quantity,
		BaseUnitPrice:   r.BaseUnitPrice,
		Hours:           r.Hours,
		NotAccounted:    r.NotAccounted,
	}
}
