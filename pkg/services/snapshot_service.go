package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/audit"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
)

// SnapshotService takes, lists, compares and restores immutable estimate snapshots.
type SnapshotService interface {
	Snapshotter

	// CreateSnapshot serializes the full estimate tree at its current version.
	CreateSnapshot(ctx context.Context, orgID, estimateID uuid.UUID, snapshotType models.SnapshotType, label string) (uuid.UUID, error)
	GetSnapshot(ctx context.Context, orgID, snapshotID uuid.UUID) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, orgID, estimateID uuid.UUID) ([]*models.SnapshotSummary, error)

	// Diff compares two snapshots of the same estimate. Results are cached.
	Diff(ctx context.Context, orgID, snapshotA, snapshotB uuid.UUID) (*models.StructuredDiff, error)

	// RestoreSnapshot rewrites the estimate tree from a snapshot and recalculates it.
	// The current tree is snapshotted first. When the recalculation cannot run right
	// away it is queued and the job ID is returned instead of a result.
	RestoreSnapshot(ctx context.Context, orgID, snapshotID uuid.UUID) (*models.RecalcResult, string, error)
}

type snapshotService struct {
	tree      treeLoader
	repo      repositories.SnapshotRepository
	estimates repositories.EstimateRepository
	sections  repositories.SectionRepository
	items     repositories.ItemRepository
	changes   ChangeLogService
	recalc    RecalculationService
	cache     DiffCache
	tx        Transactor
	locks     *EstimateLocks
	auditor   *audit.SecurityAuditor
	logger    *zap.Logger
}

// NewSnapshotService creates a new SnapshotService. A nil cache disables diff caching.
func NewSnapshotService(
	repo repositories.SnapshotRepository,
	estimates repositories.EstimateRepository,
	sections repositories.SectionRepository,
	items repositories.ItemRepository,
	changes ChangeLogService,
	recalc RecalculationService,
	cache DiffCache,
	tx Transactor,
	locks *EstimateLocks,
	logger *zap.Logger,
) SnapshotService {
	return &snapshotService{
		tree:      treeLoader{estimates: estimates, sections: sections, items: items},
		repo:      repo,
		estimates: estimates,
		sections:  sections,
		items:     items,
		changes:   changes,
		recalc:    recalc,
		cache:     cache,
		tx:        tx,
		locks:     locks,
		auditor:   audit.NewSecurityAuditor(logger),
		logger:    logger.Named("snapshot-service"),
	}
}

var _ SnapshotService = (*snapshotService)(nil)

func (s *snapshotService) CreateSnapshot(ctx context.Context, orgID, estimateID uuid.UUID, snapshotType models.SnapshotType, label string) (uuid.UUID, error) {
	if !snapshotType.IsValid() {
		return uuid.Nil, fmt.Errorf("snapshot type %q: %w", snapshotType, apperrors.ErrInvalidInput)
	}

	snap := &models.Snapshot{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		SnapshotType:   snapshotType,
		Label:          label,
		CreatedBy:      models.ProvenanceOrSystem(ctx).ActorPtr(),
	}

	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		tree, err := s.tree.load(txCtx, estimateID)
		if err != nil {
			return err
		}
		if tree.Estimate.OrganizationID != orgID {
			return apperrors.ErrNotFound
		}
		snap.Tree = tree
		snap.EstimateVersion = tree.Estimate.Version
		return s.repo.Create(txCtx, snap)
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("Snapshot created",
		zap.String("estimate_id", estimateID.String()),
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("type", string(snapshotType)),
		zap.Int64("version", snap.EstimateVersion))
	return snap.ID, nil
}

func (s *snapshotService) CreateSnapshotBestEffort(ctx context.Context, orgID, estimateID uuid.UUID, snapshotType models.SnapshotType, label string) *uuid.UUID {
	id, err := s.CreateSnapshot(ctx, orgID, estimateID, snapshotType, label)
	if err != nil {
		s.logger.Error("Snapshot failed; continuing without it",
			zap.String("estimate_id", estimateID.String()),
			zap.String("type", string(snapshotType)),
			zap.Error(err))
		return nil
	}
	return &id
}

func (s *snapshotService) GetSnapshot(ctx context.Context, orgID, snapshotID uuid.UUID) (*models.Snapshot, error) {
	snap, err := s.repo.GetByID(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.OrganizationID != orgID {
		return nil, apperrors.ErrNotFound
	}
	return snap, nil
}

func (s *snapshotService) ListSnapshots(ctx context.Context, orgID, estimateID uuid.UUID) ([]*models.SnapshotSummary, error) {
	e, err := s.estimates.GetByID(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	if e.OrganizationID != orgID {
		return nil, apperrors.ErrNotFound
	}
	return s.repo.ListByEstimate(ctx, estimateID)
}

func (s *snapshotService) Diff(ctx context.Context, orgID, snapshotA, snapshotB uuid.UUID) (*models.StructuredDiff, error) {
	key := orgID.String() + ":" + snapshotA.String() + ":" + snapshotB.String()
	if s.cache != nil {
		if d, ok := s.cache.Get(ctx, key); ok {
			return d, nil
		}
	}

	a, err := s.GetSnapshot(ctx, orgID, snapshotA)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotA, err)
	}
	b, err := s.GetSnapshot(ctx, orgID, snapshotB)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotB, err)
	}
	if a.EstimateID != b.EstimateID {
		return nil, fmt.Errorf("snapshots belong to different estimates: %w", apperrors.ErrInvalidInput)
	}

	diff := DiffTrees(a.Tree, b.Tree)
	diff.SnapshotA, diff.SnapshotB = a.ID, b.ID
	diff.VersionA, diff.VersionB = a.EstimateVersion, b.EstimateVersion

	if s.cache != nil {
		s.cache.Set(ctx, key, diff)
	}
	return diff, nil
}

// DiffTrees compares two estimate trees entity by entity.
func DiffTrees(a, b *models.EstimateTree) *models.StructuredDiff {
	if a == nil {
		a = &models.EstimateTree{}
	}
	if b == nil {
		b = &models.EstimateTree{}
	}
	d := &models.StructuredDiff{
		Sections:  []models.EntityDiff{},
		Items:     []models.EntityDiff{},
		Resources: []models.EntityDiff{},
	}

	sectionsA, sectionsB := indexSections(a.Sections), indexSections(b.Sections)
	d.Sections = diffEntities(models.EntityTypeSection, sectionsA, sectionsB)

	itemsA, itemsB := indexItems(a.Items), indexItems(b.Items)
	d.Items = diffEntities(models.EntityTypeItem, itemsA, itemsB)

	resA, resB := indexResources(a.Items), indexResources(b.Items)
	d.Resources = diffEntities(models.EntityTypeResource, resA, resB)

	var amountA, amountB, directA, directB decimal.Decimal
	if a.Estimate != nil {
		amountA, directA = a.Estimate.Totals.Amount, a.Estimate.Totals.Direct
	}
	if b.Estimate != nil {
		amountB, directB = b.Estimate.Totals.Amount, b.Estimate.Totals.Direct
	}
	d.AmountDelta = amountB.Sub(amountA)
	d.DirectDelta = directB.Sub(directA)
	return d
}

// diffView is the comparable projection of one entity.
type diffView struct {
	label  string
	fields map[string]string
}

func indexSections(sections []*models.Section) map[uuid.UUID]diffView {
	out := make(map[uuid.UUID]diffView, len(sections))
	for _, s := range sections {
		if s.DeletedAt != nil {
			continue
		}
		parent := ""
		if s.ParentID != nil {
			parent = s.ParentID.String()
		}
		out[s.ID] = diffView{
			label: strings.TrimSpace(s.FullSectionNumber + " " + s.Name),
			fields: map[string]string{
				"parent_id":           parent,
				"number":              s.Number,
				"full_section_number": s.FullSectionNumber,
				"name":                s.Name,
				"sort_order":          fmt.Sprint(s.SortOrder),
				"amount":              money(s.Totals.Amount),
				"direct":              money(s.Totals.Direct),
			},
		}
	}
	return out
}

func indexItems(items []*models.Item) map[uuid.UUID]diffView {
	out := make(map[uuid.UUID]diffView, len(items))
	for _, it := range items {
		if it.DeletedAt != nil {
			continue
		}
		section := ""
		if it.SectionID != nil {
			section = it.SectionID.String()
		}
		out[it.ID] = diffView{
			label: strings.TrimSpace(it.PositionNumber + " " + it.Name),
			fields: map[string]string{
				"section_id":           section,
				"position_number":      it.PositionNumber,
				"name":                 it.Name,
				"unit":                 it.Unit,
				"rate_code":            it.RateCode,
				"pricing_mode":         string(it.PricingMode),
				"quantity":             it.Quantity.String(),
				"quantity_coefficient": it.QuantityCoefficient.String(),
				"base_unit_price":      it.BaseUnitPrice.String(),
				"current_unit_price":   it.CurrentUnitPrice.String(),
				"index_value":          it.IndexValue.String(),
				"coefficient_total":    it.CoefficientTotal.String(),
				"direct":               money(it.Totals.Direct),
				"overhead":             money(it.Totals.Overhead),
				"profit":               money(it.Totals.Profit),
				"amount":               money(it.Totals.Amount),
			},
		}
	}
	return out
}

func indexResources(items []*models.Item) map[uuid.UUID]diffView {
	out := make(map[uuid.UUID]diffView)
	for _, it := range items {
		if it.DeletedAt != nil {
			continue
		}
		for _, r := range it.Resources {
			label := r.Name
			if r.Code != "" {
				label = r.Code + " " + r.Name
			}
			out[r.ID] = diffView{
				label: it.PositionNumber + " / " + label,
				fields: map[string]string{
					"item_id":            r.ItemID.String(),
					"resource_type":      string(r.ResourceType),
					"code":               r.Code,
					"name":               r.Name,
					"quantity_per_unit":  r.QuantityPerUnit.String(),
					"base_unit_price":    r.BaseUnitPrice.String(),
					"current_unit_price": r.CurrentUnitPrice.String(),
					"amount":             money(r.Amount),
					"not_accounted":      fmt.Sprint(r.NotAccounted),
				},
			}
		}
	}
	return out
}

func money(d decimal.Decimal) string {
	return d.StringFixed(costing.MoneyPlaces)
}

// diffEntities returns added, removed and changed entities ordered by label, then ID.
func diffEntities(entityType string, a, b map[uuid.UUID]diffView) []models.EntityDiff {
	out := []models.EntityDiff{}
	for id, vb := range b {
		va, ok := a[id]
		if !ok {
			out = append(out, models.EntityDiff{Kind: models.DiffAdded, EntityType: entityType, EntityID: id, Label: vb.label})
			continue
		}
		changed := make(map[string]models.FieldChange)
		for field, nv := range vb.fields {
			if ov := va.fields[field]; ov != nv {
				changed[field] = models.FieldChange{Old: ov, New: nv}
			}
		}
		if len(changed) > 0 {
			out = append(out, models.EntityDiff{Kind: models.DiffChanged, EntityType: entityType, EntityID: id, Label: vb.label, Fields: changed})
		}
	}
	for id, va := range a {
		if _, ok := b[id]; !ok {
			out = append(out, models.EntityDiff{Kind: models.DiffRemoved, EntityType: entityType, EntityID: id, Label: va.label})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].EntityID.String() < out[j].EntityID.String()
	})
	return out
}

func (s *snapshotService) RestoreSnapshot(ctx context.Context, orgID, snapshotID uuid.UUID) (*models.RecalcResult, string, error) {
	snap, err := s.GetSnapshot(ctx, orgID, snapshotID)
	if err != nil {
		return nil, "", err
	}
	if snap.Tree == nil || snap.Tree.Estimate == nil {
		return nil, "", fmt.Errorf("snapshot %s has no tree: %w", snapshotID, apperrors.ErrIntegrity)
	}
	estimateID := snap.EstimateID

	current, err := s.estimates.GetByID(ctx, estimateID)
	if err != nil {
		return nil, "", err
	}
	if !current.Status.IsEditable() {
		return nil, "", fmt.Errorf("estimate %s is %s: %w", estimateID, current.Status, apperrors.ErrEstimateLocked)
	}

	s.CreateSnapshotBestEffort(ctx, orgID, estimateID, models.SnapshotTypeBeforeMajorChange,
		"before restore of "+snapshotID.String())

	if err := s.locks.Lock(ctx, estimateID); err != nil {
		return nil, "", err
	}
	err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.tx.LockEstimate(txCtx, estimateID); err != nil {
			return err
		}
		return s.restoreTree(txCtx, orgID, snap)
	})
	s.locks.Unlock(estimateID)
	if err != nil {
		return nil, "", err
	}

	s.auditor.LogSnapshotRestore(ctx, orgID, audit.RestoreDetails{
		EstimateID: estimateID,
		SnapshotID: snapshotID,
	})

	result, err := s.recalc.Recalculate(ctx, orgID, estimateID, models.FullScope())
	if err != nil {
		if apperrors.IsRetryable(err) {
			if jobID, qerr := s.recalc.Enqueue(ctx, orgID, estimateID, models.FullScope()); qerr == nil {
				return nil, jobID, nil
			}
		}
		return nil, "", fmt.Errorf("restore committed but recalculation failed: %w", err)
	}
	return result, "", nil
}

// restoreTree runs inside the restore transaction.
func (s *snapshotService) restoreTree(ctx context.Context, orgID uuid.UUID, snap *models.Snapshot) error {
	estimateID := snap.EstimateID
	live, err := s.tree.load(ctx, estimateID)
	if err != nil {
		return err
	}
	e := live.Estimate
	if !e.Status.IsEditable() {
		return fmt.Errorf("estimate %s is %s: %w", estimateID, e.Status, apperrors.ErrEstimateLocked)
	}

	keepSections := make(map[uuid.UUID]bool, len(snap.Tree.Sections))
	for _, sec := range snap.Tree.Sections {
		keepSections[sec.ID] = true
	}
	keepItems := make(map[uuid.UUID]bool, len(snap.Tree.Items))
	for _, it := range snap.Tree.Items {
		keepItems[it.ID] = true
	}

	// Drop rows the snapshot does not have first, so their position numbers are free.
	var dropItems, dropSections []uuid.UUID
	for _, it := range live.Items {
		if !keepItems[it.ID] {
			dropItems = append(dropItems, it.ID)
		}
	}
	for _, sec := range live.Sections {
		if !keepSections[sec.ID] {
			dropSections = append(dropSections, sec.ID)
		}
	}
	if len(dropItems) > 0 {
		if err := s.items.SoftDelete(ctx, dropItems); err != nil {
			return err
		}
	}
	if len(dropSections) > 0 {
		if err := s.sections.SoftDelete(ctx, dropSections); err != nil {
			return err
		}
	}

	for _, sec := range parentsFirst(snap.Tree.Sections) {
		sec.OrganizationID = orgID
		sec.EstimateID = estimateID
		sec.DeletedAt = nil
		if err := s.sections.Upsert(ctx, sec); err != nil {
			return fmt.Errorf("restore section %s: %w", sec.ID, err)
		}
	}
	for _, it := range snap.Tree.Items {
		it.OrganizationID = orgID
		it.EstimateID = estimateID
		it.DeletedAt = nil
		if err := s.items.Upsert(ctx, it); err != nil {
			if errors.Is(err, apperrors.ErrDuplicatePositionNumber) {
				return fmt.Errorf("restore position %s: %w", it.PositionNumber, err)
			}
			return fmt.Errorf("restore item %s: %w", it.ID, err)
		}
	}

	from := snap.Tree.Estimate
	e.RegionCode = from.RegionCode
	e.PriceYear = from.PriceYear
	e.PriceQuarter = from.PriceQuarter
	e.VATRate = from.VATRate
	e.OverheadRate = from.OverheadRate
	e.ProfitRate = from.ProfitRate
	e.Version++
	if err := s.estimates.Update(ctx, e); err != nil {
		return err
	}

	return s.changes.LogChange(ctx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ChangeType:     models.ChangeTypeRestore,
		EntityType:     models.EntityTypeSnapshot,
		EntityID:       snap.ID,
		OldValues:      map[string]any{"version": e.Version - 1},
		NewValues: map[string]any{
			"snapshot_version": snap.EstimateVersion,
			"sections":         len(snap.Tree.Sections),
			"items":            len(snap.Tree.Items),
			"sections_removed": len(dropSections),
			"items_removed":    len(dropItems),
		},
	})
}

// parentsFirst orders sections so every parent precedes its children.
func parentsFirst(sections []*models.Section) []*models.Section {
	present := make(map[uuid.UUID]bool, len(sections))
	for _, s := range sections {
		present[s.ID] = true
	}
	children := make(map[uuid.UUID][]*models.Section)
	var queue []*models.Section
	for _, s := range sections {
		if s.ParentID == nil || !present[*s.ParentID] {
			queue = append(queue, s)
			continue
		}
		children[*s.ParentID] = append(children[*s.ParentID], s)
	}

	out := make([]*models.Section, 0, len(sections))
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		out = append(out, s)
		queue = append(queue, children[s.ID]...)
	}
	return out
}
