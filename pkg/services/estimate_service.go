package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// DefaultListLimit caps estimate listings when no limit is given.
const DefaultListLimit = 50

// StatusAction is a requested estimate lifecycle transition.
type StatusAction string

const (
	StatusActionSubmit  StatusAction = "submit"
	StatusActionApprove StatusAction = "approve"
	StatusActionReopen  StatusAction = "reopen"
	StatusActionCancel  StatusAction = "cancel"
)

// statusTransitions lists, per action, the statuses it may start from and where it leads.
var statusTransitions = map[StatusAction]struct {
	from []models.EstimateStatus
	to   models.EstimateStatus
}{
	StatusActionSubmit:  {from: []models.EstimateStatus{models.EstimateStatusDraft}, to: models.EstimateStatusInReview},
	StatusActionApprove: {from: []models.EstimateStatus{models.EstimateStatusInReview}, to: models.EstimateStatusApproved},
	StatusActionReopen: {
		from: []models.EstimateStatus{models.EstimateStatusApproved, models.EstimateStatusInReview},
		to:   models.EstimateStatusDraft,
	},
	StatusActionCancel: {
		from: []models.EstimateStatus{models.EstimateStatusDraft, models.EstimateStatusInReview, models.EstimateStatusApproved},
		to:   models.EstimateStatusCancelled,
	},
}

// CreateEstimateInput holds the fields of a new estimate.
type CreateEstimateInput struct {
	ProjectID    *uuid.UUID      `json:"project_id,omitempty"`
	ContractID   *uuid.UUID      `json:"contract_id,omitempty"`
	Number       string          `json:"number"`
	Name         string          `json:"name"`
	EstimateType string          `json:"estimate_type"`
	RegionCode   string          `json:"region_code"`
	PriceYear    int             `json:"price_year"`
	PriceQuarter int             `json:"price_quarter"`
	VATRate      decimal.Decimal `json:"vat_rate"`
	OverheadRate decimal.Decimal `json:"overhead_rate"`
	ProfitRate   decimal.Decimal `json:"profit_rate"`
}

// UpdateRatesInput changes the pricing context of an estimate. Nil fields are left alone.
type UpdateRatesInput struct {
	RegionCode   *string          `json:"region_code,omitempty"`
	PriceYear    *int             `json:"price_year,omitempty"`
	PriceQuarter *int             `json:"price_quarter,omitempty"`
	VATRate      *decimal.Decimal `json:"vat_rate,omitempty"`
	OverheadRate *decimal.Decimal `json:"overhead_rate,omitempty"`
	ProfitRate   *decimal.Decimal `json:"profit_rate,omitempty"`
}

// SectionInput holds the fields of a new section.
type SectionInput struct {
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	Number    string     `json:"number"`
	Name      string     `json:"name"`
	SortOrder int        `json:"sort_order"`
}

// ItemInput holds the fields of a new item. With CollectionID and RateCode set the
// item is bound to that normative rate; otherwise UnitPrice prices it manually.
type ItemInput struct {
	SectionID           *uuid.UUID            `json:"section_id,omitempty"`
	ParentItemID        *uuid.UUID            `json:"parent_item_id,omitempty"`
	PositionNumber      string                `json:"position_number"`
	SortOrder           int                   `json:"sort_order"`
	CollectionID        *uuid.UUID            `json:"collection_id,omitempty"`
	RateCode            string                `json:"rate_code,omitempty"`
	Name                string                `json:"name"`
	Unit                string                `json:"unit"`
	ItemType            models.ItemType       `json:"item_type"`
	Quantity            decimal.Decimal       `json:"quantity"`
	QuantityCoefficient decimal.NullDecimal   `json:"quantity_coefficient"`
	UnitPrice           decimal.Decimal       `json:"unit_price"`
	OverheadRate        decimal.NullDecimal   `json:"overhead_rate"`
	ProfitRate          decimal.NullDecimal   `json:"profit_rate"`
	Resources           []models.ResourceLine `json:"resources,omitempty"`
}

// ItemUpdate changes user-editable item fields. Nil fields are left alone.
type ItemUpdate struct {
	SectionID           *uuid.UUID           `json:"section_id,omitempty"`
	PositionNumber      *string              `json:"position_number,omitempty"`
	SortOrder           *int                 `json:"sort_order,omitempty"`
	Name                *string              `json:"name,omitempty"`
	Unit                *string              `json:"unit,omitempty"`
	Quantity            *decimal.Decimal     `json:"quantity,omitempty"`
	QuantityCoefficient *decimal.Decimal     `json:"quantity_coefficient,omitempty"`
	UnitPrice           *decimal.Decimal     `json:"unit_price,omitempty"`
	OverheadRate        *decimal.NullDecimal `json:"overhead_rate,omitempty"`
	ProfitRate          *decimal.NullDecimal `json:"profit_rate,omitempty"`
}

// Snapshotter takes snapshots on behalf of other services.
type Snapshotter interface {
	// CreateSnapshotBestEffort takes a snapshot and logs, never returns, a failure.
	CreateSnapshotBestEffort(ctx context.Context, orgID, estimateID uuid.UUID, snapshotType models.SnapshotType, label string) *uuid.UUID
}

// EstimateService edits estimates, their section tree and their items. Every edit
// is serialized per estimate, logged in the change log inside its transaction, bumps
// the estimate version and is followed by a scoped recalculation.
type EstimateService interface {
	CreateEstimate(ctx context.Context, orgID uuid.UUID, in CreateEstimateInput) (*models.Estimate, error)
	GetEstimate(ctx context.Context, orgID, estimateID uuid.UUID) (*models.Estimate, error)
	// GetTree returns the estimate with its sections, items and resource lines.
	GetTree(ctx context.Context, orgID, estimateID uuid.UUID) (*models.EstimateTree, error)
	ListEstimates(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.Estimate, error)
	DeleteEstimate(ctx context.Context, orgID, estimateID uuid.UUID) error
	UpdateRates(ctx context.Context, orgID, estimateID uuid.UUID, in UpdateRatesInput) (*models.Estimate, error)

	AddSection(ctx context.Context, orgID, estimateID uuid.UUID, in SectionInput) (*models.Section, error)
	// MoveSection reparents a section and renumbers its subtree. A nil parent moves it to the root.
	MoveSection(ctx context.Context, orgID, estimateID, sectionID uuid.UUID, newParentID *uuid.UUID) (*models.Section, error)
	// DeleteSection soft-deletes the section subtree and every item in it.
	DeleteSection(ctx context.Context, orgID, estimateID, sectionID uuid.UUID) error

	AddItem(ctx context.Context, orgID, estimateID uuid.UUID, in ItemInput) (*models.Item, error)
	UpdateItem(ctx context.Context, orgID, estimateID, itemID uuid.UUID, in ItemUpdate) (*models.Item, error)
	DeleteItem(ctx context.Context, orgID, estimateID, itemID uuid.UUID) error
	// SetResources replaces the resource lines of an item.
	SetResources(ctx context.Context, orgID, estimateID, itemID uuid.UUID, lines []models.ResourceLine) (*models.Item, error)

	// ChangeStatus applies a lifecycle transition. Approval takes a snapshot.
	ChangeStatus(ctx context.Context, orgID, estimateID uuid.UUID, action StatusAction) (*models.Estimate, error)
}

type estimateService struct {
	tree      treeLoader
	estimates repositories.EstimateRepository
	sections  repositories.SectionRepository
	items     repositories.ItemRepository
	rates     RateLibrary
	changes   ChangeLogService
	recalc    RecalculationService
	snapshots Snapshotter
	tx        Transactor
	locks     *EstimateLocks
	maxDepth  int
	logger    *zap.Logger
}

// NewEstimateService creates a new EstimateService.
func NewEstimateService(
	estimates repositories.EstimateRepository,
	sections repositories.SectionRepository,
	items repositories.ItemRepository,
	rates RateLibrary,
	changes ChangeLogService,
	recalc RecalculationService,
	snapshots Snapshotter,
	tx Transactor,
	locks *EstimateLocks,
	maxDepth int,
	logger *zap.Logger,
) EstimateService {
	if maxDepth <= 0 {
		maxDepth = costing.DefaultMaxDepth
	}
	return &estimateService{
		tree:      treeLoader{estimates: estimates, sections: sections, items: items},
		estimates: estimates,
		sections:  sections,
		items:     items,
		rates:     rates,
		changes:   changes,
		recalc:    recalc,
		snapshots: snapshots,
		tx:        tx,
		locks:     locks,
		maxDepth:  maxDepth,
		logger:    logger.Named("estimate-service"),
	}
}

var _ EstimateService = (*estimateService)(nil)

// mutate runs fn against the locked estimate in one transaction and bumps the version.
// With editableOnly set, approved and cancelled estimates are rejected.
func (s *estimateService) mutate(ctx context.Context, orgID, estimateID uuid.UUID, editableOnly bool, fn func(ctx context.Context, e *models.Estimate) error) error {
	if err := s.locks.Lock(ctx, estimateID); err != nil {
		return err
	}
	defer s.locks.Unlock(estimateID)

	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.tx.LockEstimate(txCtx, estimateID); err != nil {
			return err
		}
		e, err := s.loadEstimate(txCtx, orgID, estimateID)
		if err != nil {
			return err
		}
		if editableOnly && !e.Status.IsEditable() {
			return fmt.Errorf("estimate %s is %s: %w", estimateID, e.Status, apperrors.ErrEstimateLocked)
		}
		if err := fn(txCtx, e); err != nil {
			return err
		}
		e.Version++
		return s.estimates.Update(txCtx, e)
	})
}

func (s *estimateService) loadEstimate(ctx context.Context, orgID, estimateID uuid.UUID) (*models.Estimate, error) {
	e, err := s.estimates.GetByID(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	if e.OrganizationID != orgID {
		return nil, apperrors.ErrNotFound
	}
	return e, nil
}

// recalculateAfter runs the follow-up recalculation of a committed edit. When another
// pass holds the estimate, the recalculation is queued instead.
func (s *estimateService) recalculateAfter(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) {
	_, err := s.recalc.Recalculate(ctx, orgID, estimateID, scope)
	if err == nil {
		return
	}
	if apperrors.IsRetryable(err) {
		jobID, qerr := s.recalc.Enqueue(ctx, orgID, estimateID, models.FullScope())
		if qerr != nil {
			s.logger.Error("Failed to queue recalculation after edit",
				zap.String("estimate_id", estimateID.String()),
				zap.Error(qerr))
			return
		}
		s.logger.Info("Estimate busy, recalculation queued",
			zap.String("estimate_id", estimateID.String()),
			zap.String("job_id", jobID))
		return
	}
	s.logger.Error("Recalculation after edit failed",
		zap.String("estimate_id", estimateID.String()),
		zap.String("scope", string(scope.Kind)),
		zap.Error(err))
}

func (s *estimateService) CreateEstimate(ctx context.Context, orgID uuid.UUID, in CreateEstimateInput) (*models.Estimate, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("name is required: %w", apperrors.ErrInvalidInput)
	}
	if err := validatePeriod(in.PriceYear, in.PriceQuarter); err != nil {
		return nil, err
	}
	for _, r := range []decimal.Decimal{in.VATRate, in.OverheadRate, in.ProfitRate} {
		if r.IsNegative() {
			return nil, fmt.Errorf("rates must not be negative: %w", apperrors.ErrInvalidInput)
		}
	}

	prov := models.ProvenanceOrSystem(ctx)
	e := &models.Estimate{
		OrganizationID: orgID,
		ProjectID:      in.ProjectID,
		ContractID:     in.ContractID,
		Number:         in.Number,
		Name:           in.Name,
		EstimateType:   in.EstimateType,
		Status:         models.EstimateStatusDraft,
		Version:        1,
		RegionCode:     in.RegionCode,
		PriceYear:      in.PriceYear,
		PriceQuarter:   in.PriceQuarter,
		VATRate:        in.VATRate,
		OverheadRate:   in.OverheadRate,
		ProfitRate:     in.ProfitRate,
		Totals:         costing.WithVAT(models.CostTotals{}, in.VATRate),
		BaseTotals:     costing.WithVAT(models.CostTotals{}, in.VATRate),
		CreatedBy:      prov.ActorPtr(),
	}

	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.estimates.Create(txCtx, e); err != nil {
			return err
		}
		return s.changes.LogCreate(txCtx, orgID, e.ID, models.EntityTypeEstimate, e.ID, map[string]any{
			"number": e.Number,
			"name":   e.Name,
			"status": string(e.Status),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Estimate created",
		zap.String("organization_id", orgID.String()),
		zap.String("estimate_id", e.ID.String()))
	return e, nil
}

// validatePeriod requires a complete price period; the estimates table stores it NOT NULL.
func validatePeriod(year, quarter int) error {
	if year < 1900 || quarter < 1 || quarter > 4 {
		return fmt.Errorf("price period %d Q%d: %w", year, quarter, apperrors.ErrInvalidInput)
	}
	return nil
}

func (s *estimateService) GetEstimate(ctx context.Context, orgID, estimateID uuid.UUID) (*models.Estimate, error) {
	return s.loadEstimate(ctx, orgID, estimateID)
}

func (s *estimateService) GetTree(ctx context.Context, orgID, estimateID uuid.UUID) (*models.EstimateTree, error) {
	if _, err := s.loadEstimate(ctx, orgID, estimateID); err != nil {
		return nil, err
	}
	return s.tree.load(ctx, estimateID)
}

func (s *estimateService) ListEstimates(ctx context.Context, orgID uuid.UUID, limit int) ([]*models.Estimate, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.estimates.List(ctx, limit)
}

func (s *estimateService) DeleteEstimate(ctx context.Context, orgID, estimateID uuid.UUID) error {
	if err := s.locks.Lock(ctx, estimateID); err != nil {
		return err
	}
	defer s.locks.Unlock(estimateID)

	return s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.tx.LockEstimate(txCtx, estimateID); err != nil {
			return err
		}
		e, err := s.loadEstimate(txCtx, orgID, estimateID)
		if err != nil {
			return err
		}
		if e.Status == models.EstimateStatusApproved {
			return fmt.Errorf("approved estimate must be reopened before deletion: %w", apperrors.ErrEstimateLocked)
		}
		if err := s.changes.LogDelete(txCtx, orgID, e.ID, models.EntityTypeEstimate, e.ID, map[string]any{
			"number": e.Number,
			"name":   e.Name,
			"amount": e.Totals.Amount.StringFixed(costing.MoneyPlaces),
		}); err != nil {
			return err
		}
		return s.estimates.SoftDelete(txCtx, estimateID)
	})
}

func (s *estimateService) UpdateRates(ctx context.Context, orgID, estimateID uuid.UUID, in UpdateRatesInput) (*models.Estimate, error) {
	var updated *models.Estimate
	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		changes := make(map[string]models.FieldChange)
		if in.RegionCode != nil && *in.RegionCode != e.RegionCode {
			changes["region_code"] = models.FieldChange{Old: e.RegionCode, New: *in.RegionCode}
			e.RegionCode = *in.RegionCode
		}
		year, quarter := e.PriceYear, e.PriceQuarter
		if in.PriceYear != nil {
			year = *in.PriceYear
		}
		if in.PriceQuarter != nil {
			quarter = *in.PriceQuarter
		}
		if err := validatePeriod(year, quarter); err != nil {
			return err
		}
		if year != e.PriceYear {
			changes["price_year"] = models.FieldChange{Old: e.PriceYear, New: year}
		}
		if quarter != e.PriceQuarter {
			changes["price_quarter"] = models.FieldChange{Old: e.PriceQuarter, New: quarter}
		}
		e.PriceYear, e.PriceQuarter = year, quarter

		for _, f := range []struct {
			name string
			in   *decimal.Decimal
			dst  *decimal.Decimal
		}{
			{"vat_rate", in.VATRate, &e.VATRate},
			{"overhead_rate", in.OverheadRate, &e.OverheadRate},
			{"profit_rate", in.ProfitRate, &e.ProfitRate},
		} {
			if f.in == nil || f.in.Equal(*f.dst) {
				continue
			}
			if f.in.IsNegative() {
				return fmt.Errorf("%s must not be negative: %w", f.name, apperrors.ErrInvalidInput)
			}
			changes[f.name] = models.FieldChange{Old: f.dst.String(), New: f.in.String()}
			*f.dst = *f.in
		}

		updated = e
		return s.changes.LogUpdate(ctx, orgID, e.ID, models.EntityTypeEstimate, e.ID, changes)
	})
	if err != nil {
		return nil, err
	}

	s.recalculateAfter(ctx, orgID, estimateID, models.FullScope())
	return s.reloadEstimate(ctx, orgID, estimateID, updated), nil
}

// reloadEstimate returns the current estimate, or fallback if it cannot be read.
func (s *estimateService) reloadEstimate(ctx context.Context, orgID, estimateID uuid.UUID, fallback *models.Estimate) *models.Estimate {
	e, err := s.loadEstimate(ctx, orgID, estimateID)
	if err != nil {
		s.logger.Warn("Failed to reload estimate after edit",
			zap.String("estimate_id", estimateID.String()),
			zap.Error(err))
		return fallback
	}
	return e
}

func (s *estimateService) AddSection(ctx context.Context, orgID, estimateID uuid.UUID, in SectionInput) (*models.Section, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("section name is required: %w", apperrors.ErrInvalidInput)
	}

	section := &models.Section{
		ID:             uuid.New(),
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ParentID:       in.ParentID,
		Number:         in.Number,
		Name:           in.Name,
		SortOrder:      in.SortOrder,
	}

	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		existing, err := s.sections.ListByEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		all := append(existing, section)
		if err := costing.ValidateParent(all, section.ID, section.ParentID, s.maxDepth); err != nil {
			return fmt.Errorf("section parent: %w", err)
		}
		numbers, err := costing.FullSectionNumbers(all, s.maxDepth)
		if err != nil {
			return err
		}
		section.FullSectionNumber = numbers[section.ID]

		if err := s.sections.Create(ctx, section); err != nil {
			return err
		}
		return s.changes.LogCreate(ctx, orgID, estimateID, models.EntityTypeSection, section.ID, map[string]any{
			"number":              section.Number,
			"full_section_number": section.FullSectionNumber,
			"name":                section.Name,
		})
	})
	if err != nil {
		return nil, err
	}
	return section, nil
}

func (s *estimateService) MoveSection(ctx context.Context, orgID, estimateID, sectionID uuid.UUID, newParentID *uuid.UUID) (*models.Section, error) {
	var moved *models.Section
	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		all, err := s.sections.ListByEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		for _, sec := range all {
			if sec.ID == sectionID {
				moved = sec
			}
		}
		if moved == nil {
			return fmt.Errorf("section %s: %w", sectionID, apperrors.ErrNotFound)
		}
		if err := costing.ValidateParent(all, sectionID, newParentID, s.maxDepth); err != nil {
			return fmt.Errorf("section parent: %w", err)
		}

		oldParent := moved.ParentID
		moved.ParentID = newParentID
		numbers, err := costing.FullSectionNumbers(all, s.maxDepth)
		if err != nil {
			return err
		}

		renumbered := 0
		for _, sec := range all {
			n := numbers[sec.ID]
			if sec.ID != sectionID && n == sec.FullSectionNumber {
				continue
			}
			sec.FullSectionNumber = n
			if err := s.sections.Update(ctx, sec); err != nil {
				return err
			}
			renumbered++
		}

		s.logger.Debug("Section moved",
			zap.String("section_id", sectionID.String()),
			zap.Int("renumbered", renumbered))

		return s.changes.LogUpdate(ctx, orgID, estimateID, models.EntityTypeSection, sectionID, map[string]models.FieldChange{
			"parent_id": {Old: uuidOrNil(oldParent), New: uuidOrNil(newParentID)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.recalculateAfter(ctx, orgID, estimateID, models.SectionScope(sectionID))
	return moved, nil
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func (s *estimateService) DeleteSection(ctx context.Context, orgID, estimateID, sectionID uuid.UUID) error {
	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		all, err := s.sections.ListByEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		subtree, err := costing.NewTree(all, nil, s.maxDepth).SubtreeSections(sectionID)
		if err != nil {
			return fmt.Errorf("section %s: %w", sectionID, err)
		}
		if err := s.items.SoftDeleteBySections(ctx, subtree); err != nil {
			return err
		}
		if err := s.sections.SoftDelete(ctx, subtree); err != nil {
			return err
		}
		return s.changes.LogDelete(ctx, orgID, estimateID, models.EntityTypeSection, sectionID, map[string]any{
			"sections_deleted": len(subtree),
		})
	})
	if err != nil {
		return err
	}

	s.recalculateAfter(ctx, orgID, estimateID, models.FullScope())
	return nil
}

func (s *estimateService) AddItem(ctx context.Context, orgID, estimateID uuid.UUID, in ItemInput) (*models.Item, error) {
	if in.Quantity.IsNegative() {
		return nil, fmt.Errorf("position %s: %w", in.PositionNumber, apperrors.ErrNegativeQuantity)
	}
	if in.ItemType == "" {
		in.ItemType = models.ItemTypeWork
	}
	if !in.ItemType.IsValid() {
		return nil, fmt.Errorf("item type %q: %w", in.ItemType, apperrors.ErrInvalidInput)
	}
	qtyCoef := decimal.NewFromInt(1)
	if in.QuantityCoefficient.Valid {
		qtyCoef = in.QuantityCoefficient.Decimal
	}
	if qtyCoef.IsNegative() {
		return nil, fmt.Errorf("position %s quantity coefficient: %w", in.PositionNumber, apperrors.ErrNegativeQuantity)
	}
	if err := validateLines(in.Resources); err != nil {
		return nil, err
	}

	item := &models.Item{
		ID:                  uuid.New(),
		OrganizationID:      orgID,
		EstimateID:          estimateID,
		SectionID:           in.SectionID,
		ParentItemID:        in.ParentItemID,
		PositionNumber:      in.PositionNumber,
		SortOrder:           in.SortOrder,
		PricingMode:         models.PricingModeManual,
		CollectionID:        in.CollectionID,
		RateCode:            in.RateCode,
		Name:                in.Name,
		Unit:                in.Unit,
		ItemType:            in.ItemType,
		Quantity:            in.Quantity,
		QuantityCoefficient: qtyCoef,
		BaseUnitPrice:       in.UnitPrice,
		ManualUnitPrice:     in.UnitPrice,
		OverheadRate:        in.OverheadRate,
		ProfitRate:          in.ProfitRate,
	}

	// Rate lookups read reference data only and run outside the estimate lock.
	if in.CollectionID != nil && in.RateCode != "" {
		if err := s.bindRate(ctx, orgID, item); err != nil {
			return nil, err
		}
	}
	if len(in.Resources) > 0 {
		item.Resources = normalizeLines(item.ID, in.Resources)
	}

	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		if err := s.checkSection(ctx, estimateID, item.SectionID); err != nil {
			return err
		}
		if item.PositionNumber == "" {
			existing, err := s.items.ListByEstimate(ctx, estimateID)
			if err != nil {
				return err
			}
			item.PositionNumber = nextPositionNumber(existing)
			if item.SortOrder == 0 {
				item.SortOrder = len(existing) + 1
			}
		}
		if err := s.items.Create(ctx, item); err != nil {
			if errors.Is(err, apperrors.ErrDuplicatePositionNumber) {
				return fmt.Errorf("position %s: %w", item.PositionNumber, err)
			}
			return err
		}
		return s.changes.LogCreate(ctx, orgID, estimateID, models.EntityTypeItem, item.ID, map[string]any{
			"position_number": item.PositionNumber,
			"name":            item.Name,
			"quantity":        item.Quantity.String(),
			"pricing_mode":    string(item.PricingMode),
			"rate_code":       item.RateCode,
			"resources":       len(item.Resources),
		})
	})
	if err != nil {
		return nil, err
	}

	s.recalculateAfter(ctx, orgID, estimateID, models.ItemScope(item.ID))
	return s.reloadItem(ctx, item), nil
}

// bindRate resolves the item's rate code. A rate that is missing from the library
// leaves the item in manual pricing; a rate of another organization is rejected.
func (s *estimateService) bindRate(ctx context.Context, orgID uuid.UUID, item *models.Item) error {
	rate, err := s.rates.LookupRate(ctx, orgID, *item.CollectionID, item.RateCode)
	if errors.Is(err, apperrors.ErrRateNotFound) {
		s.logger.Info("Rate not in library, item priced manually",
			zap.String("collection_id", item.CollectionID.String()),
			zap.String("rate_code", item.RateCode))
		item.CalcWarnings = append(item.CalcWarnings, "rate_not_found:"+item.RateCode)
		return nil
	}
	if err != nil {
		return err
	}

	resources, err := s.rates.ResourcesOf(ctx, rate.ID)
	if err != nil {
		return err
	}

	item.PricingMode = models.PricingModeRate
	item.RateID = &rate.ID
	item.BaseUnitPrice = rate.BaseCost
	if item.Name == "" {
		item.Name = rate.Name
	}
	if item.Unit == "" {
		item.Unit = rate.Unit
	}
	for _, r := range resources {
		item.Resources = append(item.Resources, r.ToResourceLine(item.ID))
	}
	return nil
}

func (s *estimateService) checkSection(ctx context.Context, estimateID uuid.UUID, sectionID *uuid.UUID) error {
	if sectionID == nil {
		return nil
	}
	sec, err := s.sections.GetByID(ctx, *sectionID)
	if err != nil {
		return fmt.Errorf("section %s: %w", *sectionID, err)
	}
	if sec.EstimateID != estimateID {
		return fmt.Errorf("section %s: %w", *sectionID, apperrors.ErrNotFound)
	}
	return nil
}

// nextPositionNumber returns one past the highest numeric position number.
func nextPositionNumber(items []*models.Item) string {
	max := 0
	for _, it := range items {
		if n, err := strconv.Atoi(it.PositionNumber); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// normalizeLines assigns identities and ownership to caller-supplied resource lines.
func normalizeLines(itemID uuid.UUID, lines []models.ResourceLine) []models.ResourceLine {
	out := make([]models.ResourceLine, len(lines))
	for i, l := range lines {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.ItemID = itemID
		if l.SortOrder == 0 {
			l.SortOrder = i + 1
		}
		out[i] = l
	}
	return out
}

func (s *estimateService) reloadItem(ctx context.Context, fallback *models.Item) *models.Item {
	it, err := s.items.GetByID(ctx, fallback.ID)
	if err != nil {
		s.logger.Warn("Failed to reload item after edit",
			zap.String("item_id", fallback.ID.String()),
			zap.Error(err))
		return fallback
	}
	return it
}

func (s *estimateService) loadItem(ctx context.Context, estimateID, itemID uuid.UUID) (*models.Item, error) {
	it, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", itemID, err)
	}
	if it.EstimateID != estimateID {
		return nil, fmt.Errorf("item %s: %w", itemID, apperrors.ErrNotFound)
	}
	return it, nil
}

func (s *estimateService) UpdateItem(ctx context.Context, orgID, estimateID, itemID uuid.UUID, in ItemUpdate) (*models.Item, error) {
	if in.Quantity != nil && in.Quantity.IsNegative() {
		return nil, fmt.Errorf("item %s: %w", itemID, apperrors.ErrNegativeQuantity)
	}
	if in.QuantityCoefficient != nil && in.QuantityCoefficient.IsNegative() {
		return nil, fmt.Errorf("item %s quantity coefficient: %w", itemID, apperrors.ErrNegativeQuantity)
	}
	var item *models.Item
	scope := models.ItemScope(itemID)

	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		var err error
		item, err = s.loadItem(ctx, estimateID, itemID)
		if err != nil {
			return err
		}

		changes := make(map[string]models.FieldChange)
		if in.SectionID != nil && (item.SectionID == nil || *item.SectionID != *in.SectionID) {
			if err := s.checkSection(ctx, estimateID, in.SectionID); err != nil {
				return err
			}
			changes["section_id"] = models.FieldChange{Old: uuidOrNil(item.SectionID), New: in.SectionID.String()}
			item.SectionID = in.SectionID
		}
		setString(changes, "position_number", &item.PositionNumber, in.PositionNumber)
		setString(changes, "name", &item.Name, in.Name)
		setString(changes, "unit", &item.Unit, in.Unit)
		if in.SortOrder != nil && *in.SortOrder != item.SortOrder {
			changes["sort_order"] = models.FieldChange{Old: item.SortOrder, New: *in.SortOrder}
			item.SortOrder = *in.SortOrder
		}
		setDecimal(changes, "quantity", &item.Quantity, in.Quantity)
		setDecimal(changes, "quantity_coefficient", &item.QuantityCoefficient, in.QuantityCoefficient)
		if in.UnitPrice != nil && item.PricingMode == models.PricingModeManual {
			setDecimal(changes, "manual_unit_price", &item.ManualUnitPrice, in.UnitPrice)
			item.BaseUnitPrice = item.ManualUnitPrice
		}
		setNullDecimal(changes, "overhead_rate", &item.OverheadRate, in.OverheadRate)
		setNullDecimal(changes, "profit_rate", &item.ProfitRate, in.ProfitRate)

		if len(changes) == 0 {
			return nil
		}
		if err := s.items.Update(ctx, item); err != nil {
			if errors.Is(err, apperrors.ErrDuplicatePositionNumber) {
				return fmt.Errorf("position %s: %w", item.PositionNumber, err)
			}
			return err
		}
		return s.changes.LogUpdate(ctx, orgID, estimateID, models.EntityTypeItem, itemID, changes)
	})
	if err != nil {
		return nil, err
	}

	s.recalculateAfter(ctx, orgID, estimateID, scope)
	return s.reloadItem(ctx, item), nil
}

func setString(changes map[string]models.FieldChange, field string, dst *string, v *string) {
	if v == nil || *v == *dst {
		return
	}
	changes[field] = models.FieldChange{Old: *dst, New: *v}
	*dst = *v
}

func setDecimal(changes map[string]models.FieldChange, field string, dst *decimal.Decimal, v *decimal.Decimal) {
	if v == nil || v.Equal(*dst) {
		return
	}
	changes[field] = models.FieldChange{Old: dst.String(), New: v.String()}
	*dst = *v
}

func setNullDecimal(changes map[string]models.FieldChange, field string, dst *decimal.NullDecimal, v *decimal.NullDecimal) {
	if v == nil {
		return
	}
	if v.Valid == dst.Valid && (!v.Valid || v.Decimal.Equal(dst.Decimal)) {
		return
	}
	changes[field] = models.FieldChange{Old: nullDecimalValue(*dst), New: nullDecimalValue(*v)}
	*dst = *v
}

func nullDecimalValue(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func (s *estimateService) DeleteItem(ctx context.Context, orgID, estimateID, itemID uuid.UUID) error {
	scope := models.FullScope()

	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		item, err := s.loadItem(ctx, estimateID, itemID)
		if err != nil {
			return err
		}
		if item.SectionID != nil {
			scope = models.SectionScope(*item.SectionID)
		}

		ids := []uuid.UUID{itemID}
		all, err := s.items.ListByEstimate(ctx, estimateID)
		if err != nil {
			return err
		}
		for _, it := range all {
			if it.ParentItemID != nil && *it.ParentItemID == itemID {
				ids = append(ids, it.ID)
			}
		}
		if err := s.items.SoftDelete(ctx, ids); err != nil {
			return err
		}
		return s.changes.LogDelete(ctx, orgID, estimateID, models.EntityTypeItem, itemID, map[string]any{
			"position_number": item.PositionNumber,
			"name":            item.Name,
			"amount":          item.Totals.Amount.StringFixed(costing.MoneyPlaces),
		})
	})
	if err != nil {
		return err
	}

	s.recalculateAfter(ctx, orgID, estimateID, scope)
	return nil
}

// validateLines rejects resource lines the calculator cannot price.
func validateLines(lines []models.ResourceLine) error {
	for _, l := range lines {
		if !l.ResourceType.IsValid() {
			return fmt.Errorf("resource type %q: %w", l.ResourceType, apperrors.ErrInvalidInput)
		}
		if l.QuantityPerUnit.IsNegative() {
			return fmt.Errorf("resource %s: %w", l.Name, apperrors.ErrNegativeQuantity)
		}
	}
	return nil
}

func (s *estimateService) SetResources(ctx context.Context, orgID, estimateID, itemID uuid.UUID, lines []models.ResourceLine) (*models.Item, error) {
	if err := validateLines(lines); err != nil {
		return nil, err
	}

	var item *models.Item
	err := s.mutate(ctx, orgID, estimateID, true, func(ctx context.Context, e *models.Estimate) error {
		var err error
		item, err = s.loadItem(ctx, estimateID, itemID)
		if err != nil {
			return err
		}
		before := len(item.Resources)
		item.Resources = normalizeLines(itemID, lines)
		if err := s.items.ReplaceResources(ctx, item); err != nil {
			return err
		}
		return s.changes.LogUpdate(ctx, orgID, estimateID, models.EntityTypeItem, itemID, map[string]models.FieldChange{
			"resources": {Old: before, New: len(item.Resources)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.recalculateAfter(ctx, orgID, estimateID, models.ItemScope(itemID))
	return s.reloadItem(ctx, item), nil
}

func (s *estimateService) ChangeStatus(ctx context.Context, orgID, estimateID uuid.UUID, action StatusAction) (*models.Estimate, error) {
	transition, ok := statusTransitions[action]
	if !ok {
		return nil, fmt.Errorf("unknown status action %q: %w", action, apperrors.ErrInvalidInput)
	}

	var updated *models.Estimate
	err := s.mutate(ctx, orgID, estimateID, false, func(ctx context.Context, e *models.Estimate) error {
		allowed := false
		for _, from := range transition.from {
			if e.Status == from {
				allowed = true
			}
		}
		if !allowed {
			return fmt.Errorf("%s from %s: %w", action, e.Status, apperrors.ErrInvalidStatusTransition)
		}

		old := e.Status
		e.Status = transition.to
		updated = e
		return s.changes.LogChange(ctx, &models.ChangeLogEntry{
			OrganizationID: orgID,
			EstimateID:     estimateID,
			ChangeType:     models.ChangeTypeStatus,
			EntityType:     models.EntityTypeEstimate,
			EntityID:       estimateID,
			OldValues:      map[string]any{"status": string(old)},
			NewValues:      map[string]any{"status": string(e.Status), "action": string(action)},
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Estimate status changed",
		zap.String("estimate_id", estimateID.String()),
		zap.String("action", string(action)),
		zap.String("status", string(updated.Status)))

	if action == StatusActionApprove && s.snapshots != nil {
		s.snapshots.CreateSnapshotBestEffort(ctx, orgID, estimateID, models.SnapshotTypeAutoApproval, "approved")
	}
	return updated, nil
}
