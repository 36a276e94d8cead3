package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/costing"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/repositories"
	"github.com/ekaya-inc/costing-engine/pkg/services/workqueue"
)

// RecalculationConfig tunes the recalculation orchestrator.
type RecalculationConfig struct {
	// Timeout bounds one pass; exceeding it rolls the pass back.
	Timeout time.Duration
	// MaxDepth bounds section traversal.
	MaxDepth int
	// WaitForLock makes a concurrent request wait up to LockWaitTimeout instead of failing fast.
	WaitForLock     bool
	LockWaitTimeout time.Duration
	// RollupTolerance is the allowed difference between cached and recomputed totals.
	RollupTolerance decimal.Decimal
}

// DefaultRecalculationConfig returns the orchestrator defaults.
func DefaultRecalculationConfig() RecalculationConfig {
	return RecalculationConfig{
		Timeout:         30 * time.Second,
		MaxDepth:        costing.DefaultMaxDepth,
		LockWaitTimeout: 5 * time.Second,
		RollupTolerance: decimal.RequireFromString("0.01"),
	}
}

// RecalculationService recomputes item costs and rolls them up through the section tree.
// At most one pass runs per estimate at a time, across goroutines (EstimateLocks) and
// across instances (a transaction-scoped advisory lock).
type RecalculationService interface {
	// Recalculate runs one synchronous pass and commits items, resources, sections,
	// estimate totals, the version bump and one change log entry atomically.
	// Item-level calculation failures are reported in RecalcResult.ItemErrors.
	Recalculate(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) (*models.RecalcResult, error)

	// VerifyIntegrity compares cached totals with a fresh rollup. On mismatch it logs a
	// data-quality warning and, for editable estimates, forces a full recalculation.
	VerifyIntegrity(ctx context.Context, orgID, estimateID uuid.UUID) ([]costing.Mismatch, error)

	// Enqueue schedules an asynchronous pass and returns the job ID.
	Enqueue(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) (string, error)

	// Job returns the status of a queued pass.
	Job(jobID string) (workqueue.TaskSnapshot, bool)

	// State reports whether a pass is running for the estimate in this process.
	State(estimateID uuid.UUID) models.RecalcState
}

type recalculationService struct {
	tree      treeLoader
	estimates repositories.EstimateRepository
	sections  repositories.SectionRepository
	items     repositories.ItemRepository
	rates     RateLibrary
	indices   IndexResolver
	changes   ChangeLogService
	tx        Transactor
	locks     *EstimateLocks
	queue     *workqueue.Queue
	tenantCtx TenantContextFunc
	cfg       RecalculationConfig
	logger    *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]bool
}

// NewRecalculationService creates a new RecalculationService.
func NewRecalculationService(
	estimates repositories.EstimateRepository,
	sections repositories.SectionRepository,
	items repositories.ItemRepository,
	rates RateLibrary,
	indices IndexResolver,
	changes ChangeLogService,
	tx Transactor,
	locks *EstimateLocks,
	queue *workqueue.Queue,
	tenantCtx TenantContextFunc,
	cfg RecalculationConfig,
	logger *zap.Logger,
) RecalculationService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRecalculationConfig().Timeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = costing.DefaultMaxDepth
	}
	return &recalculationService{
		tree:      treeLoader{estimates: estimates, sections: sections, items: items},
		estimates: estimates,
		sections:  sections,
		items:     items,
		rates:     rates,
		indices:   indices,
		changes:   changes,
		tx:        tx,
		locks:     locks,
		queue:     queue,
		tenantCtx: tenantCtx,
		cfg:       cfg,
		logger:    logger.Named("recalculation"),
		running:   make(map[uuid.UUID]bool),
	}
}

var _ RecalculationService = (*recalculationService)(nil)

func (s *recalculationService) Recalculate(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) (*models.RecalcResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}

	if err := s.acquire(ctx, estimateID); err != nil {
		return nil, err
	}
	defer s.release(estimateID)

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	started := time.Now()
	var result *models.RecalcResult
	err := s.tx.RunInTx(passCtx, func(txCtx context.Context) error {
		if err := s.lockAcrossInstances(txCtx, estimateID); err != nil {
			return err
		}
		var err error
		result, err = s.pass(txCtx, orgID, estimateID, scope)
		return err
	})
	if err != nil {
		if errors.Is(passCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.Error("Recalculation exceeded its time budget",
				zap.String("estimate_id", estimateID.String()),
				zap.Duration("timeout", s.cfg.Timeout))
			return nil, fmt.Errorf("estimate %s: %w", estimateID, apperrors.ErrRecalculationTimeout)
		}
		return nil, err
	}

	s.logger.Info("Recalculation committed",
		zap.String("estimate_id", estimateID.String()),
		zap.String("scope", string(scope.Kind)),
		zap.Int64("version", result.Version),
		zap.Int("items_computed", result.ItemsComputed),
		zap.Int("item_errors", len(result.ItemErrors)),
		zap.Duration("elapsed", time.Since(started)))

	return result, nil
}

// acquire takes the in-process lock according to the configured lock mode.
func (s *recalculationService) acquire(ctx context.Context, estimateID uuid.UUID) error {
	if !s.cfg.WaitForLock {
		if !s.locks.TryLock(estimateID) {
			return fmt.Errorf("estimate %s: %w", estimateID, apperrors.ErrRecalculationInProgress)
		}
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
		defer cancel()
		if err := s.locks.Lock(waitCtx, estimateID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("estimate %s: %w", estimateID, apperrors.ErrRecalculationInProgress)
		}
	}

	s.mu.Lock()
	s.running[estimateID] = true
	s.mu.Unlock()
	return nil
}

func (s *recalculationService) release(estimateID uuid.UUID) {
	s.mu.Lock()
	delete(s.running, estimateID)
	s.mu.Unlock()
	s.locks.Unlock(estimateID)
}

func (s *recalculationService) lockAcrossInstances(ctx context.Context, estimateID uuid.UUID) error {
	if s.cfg.WaitForLock {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
		defer cancel()
		if err := s.tx.LockEstimate(waitCtx, estimateID); err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("estimate %s: %w", estimateID, apperrors.ErrRecalculationInProgress)
			}
			return err
		}
		return nil
	}

	locked, err := s.tx.TryLockEstimate(ctx, estimateID)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("estimate %s locked by another instance: %w", estimateID, apperrors.ErrRecalculationInProgress)
	}
	return nil
}

// pass runs inside the recalculation transaction.
func (s *recalculationService) pass(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) (*models.RecalcResult, error) {
	tree, err := s.tree.load(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	estimate := tree.Estimate
	if estimate.OrganizationID != orgID {
		return nil, fmt.Errorf("estimate %s: %w", estimateID, apperrors.ErrNotFound)
	}
	if !estimate.Status.IsEditable() {
		return nil, fmt.Errorf("estimate %s is %s: %w", estimateID, estimate.Status, apperrors.ErrEstimateLocked)
	}

	affected, err := s.affectedItems(tree, scope)
	if err != nil {
		return nil, err
	}

	result := &models.RecalcResult{EstimateID: estimateID, Scope: scope}

	indices, err := s.indices.ResolveIndices(ctx, estimate.RegionCode, estimate.PriceYear, estimate.PriceQuarter)
	if err != nil {
		return nil, err
	}
	for _, t := range indices.Missing {
		result.Warnings = append(result.Warnings, "missing_index:"+string(t))
	}

	env := &pricingEnv{
		orgID:   orgID,
		indices: indices,
		asOf:    pricingDate(estimate),
		rates:   models.OrgRates{OverheadRate: estimate.OverheadRate, ProfitRate: estimate.ProfitRate},
		rateMemo: make(map[uuid.UUID]*models.NormativeRate),
	}

	for _, item := range affected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		computed, err := s.priceItem(ctx, env, item)
		if err != nil {
			if !isItemLevel(err) {
				return nil, err
			}
			result.ItemErrors = append(result.ItemErrors, models.ItemError{
				ItemID:         item.ID,
				PositionNumber: item.PositionNumber,
				Error:          err.Error(),
			})
			if err := s.items.SetCalcError(ctx, item.ID, err.Error()); err != nil {
				return nil, err
			}
			continue
		}

		if err := s.items.SaveComputed(ctx, computed); err != nil {
			return nil, err
		}
		*item = *computed
		result.ItemsComputed++

		if item.Totals.Amount.IsNegative() {
			s.logger.Warn("negative item total",
				zap.String("estimate_id", estimateID.String()),
				zap.String("item_id", item.ID.String()),
				zap.String("position_number", item.PositionNumber),
				zap.String("amount", item.Totals.Amount.String()))
		}
	}
	result.Warnings = append(result.Warnings, env.warnings...)

	rollup, err := costing.NewTree(tree.Sections, tree.Items, s.cfg.MaxDepth).RecomputeAll()
	if err != nil {
		return nil, err
	}

	for _, sec := range tree.Sections {
		totals, ok := rollup.Sections[sec.ID]
		if !ok {
			continue
		}
		if sec.Totals.Equal(totals.Current) && sec.BaseTotals.Equal(totals.Base) {
			continue
		}
		sec.Totals = totals.Current
		sec.BaseTotals = totals.Base
		if err := s.sections.UpdateTotals(ctx, sec); err != nil {
			return nil, err
		}
		result.SectionsUpdated++
	}

	old := estimate.Totals.Amount
	estimate.Totals = costing.WithVAT(rollup.Estimate.Current, estimate.VATRate)
	estimate.BaseTotals = costing.WithVAT(rollup.Estimate.Base, estimate.VATRate)
	estimate.Version++
	if err := s.estimates.UpdateTotals(ctx, estimate); err != nil {
		return nil, err
	}
	if estimate.Totals.Amount.IsNegative() {
		s.logger.Warn("negative estimate total",
			zap.String("estimate_id", estimateID.String()),
			zap.String("amount", estimate.Totals.Amount.String()))
	}

	newValues := map[string]any{
		"scope":          string(scope.Kind),
		"version":        estimate.Version,
		"amount":         estimate.Totals.Amount.StringFixed(costing.MoneyPlaces),
		"items_computed": result.ItemsComputed,
		"item_errors":    len(result.ItemErrors),
	}
	if scope.ItemID != nil {
		newValues["item_id"] = scope.ItemID.String()
	}
	if scope.SectionID != nil {
		newValues["section_id"] = scope.SectionID.String()
	}
	if err := s.changes.LogChange(ctx, &models.ChangeLogEntry{
		OrganizationID: orgID,
		EstimateID:     estimateID,
		ChangeType:     models.ChangeTypeRecalculate,
		EntityType:     models.EntityTypeEstimate,
		EntityID:       estimateID,
		OldValues:      map[string]any{"amount": old.StringFixed(costing.MoneyPlaces)},
		NewValues:      newValues,
	}); err != nil {
		return nil, err
	}

	result.Version = estimate.Version
	result.Totals = estimate.Totals
	result.BaseTotals = estimate.BaseTotals
	return result, nil
}

// affectedItems selects the items a scope recomputes in a deterministic order.
func (s *recalculationService) affectedItems(tree *models.EstimateTree, scope models.RecalcScope) ([]*models.Item, error) {
	var out []*models.Item
	switch scope.Kind {
	case models.RecalcScopeItem:
		for _, it := range tree.Items {
			if it.ID == *scope.ItemID {
				out = append(out, it)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("item %s: %w", *scope.ItemID, apperrors.ErrNotFound)
		}
		return out, nil

	case models.RecalcScopeSection:
		ids, err := costing.NewTree(tree.Sections, tree.Items, s.cfg.MaxDepth).SubtreeSections(*scope.SectionID)
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", *scope.SectionID, err)
		}
		inScope := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			inScope[id] = true
		}
		for _, it := range tree.Items {
			if it.SectionID != nil && inScope[*it.SectionID] {
				out = append(out, it)
			}
		}

	default:
		out = append(out, tree.Items...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		if out[i].PositionNumber != out[j].PositionNumber {
			return out[i].PositionNumber < out[j].PositionNumber
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// pricingEnv is the per-pass pricing context shared by all items.
type pricingEnv struct {
	orgID    uuid.UUID
	indices  models.IndexSet
	asOf     time.Time
	rates    models.OrgRates
	rateMemo map[uuid.UUID]*models.NormativeRate
	warnings []string
}

// priceItem computes a copy of item. Validation and reference errors are item-level.
func (s *recalculationService) priceItem(ctx context.Context, env *pricingEnv, item *models.Item) (*models.Item, error) {
	var rate *models.NormativeRate
	if item.PricingMode == models.PricingModeRate && item.RateID != nil {
		var err error
		rate, err = s.boundRate(ctx, env, *item.RateID)
		switch {
		case errors.Is(err, apperrors.ErrRateNotFound):
			// The rate left the library; keep pricing from the frozen resource lines.
			env.warnings = append(env.warnings, "rate_unavailable:"+item.RateCode)
			rate = nil
		case err != nil:
			return nil, err
		}
	}

	coefficients, err := s.indices.ResolveCoefficients(ctx, models.CoefficientScope{
		RateID:       item.RateID,
		SectionID:    item.SectionID,
		CollectionID: item.CollectionID,
	}, env.asOf)
	if err != nil {
		return nil, err
	}

	res, err := costing.Calculate(costing.Input{
		Item:             item,
		Rate:             rate,
		Resources:        item.Resources,
		Indices:          env.indices,
		CoefficientTotal: coefficients.Total,
		OrgRates:         env.rates,
	})
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", item.PositionNumber, err)
	}

	computed := *item
	computed.Resources = append([]models.ResourceLine(nil), item.Resources...)
	res.Rounded().Apply(&computed)
	if item.PricingMode == models.PricingModeManual && item.CollectionID != nil && item.RateCode != "" {
		// Requested rate was never found; the item stays manually priced.
		computed.CalcWarnings = append(computed.CalcWarnings, "rate_not_found:"+item.RateCode)
	}
	return &computed, nil
}

func (s *recalculationService) boundRate(ctx context.Context, env *pricingEnv, rateID uuid.UUID) (*models.NormativeRate, error) {
	if r, ok := env.rateMemo[rateID]; ok {
		if r == nil {
			return nil, apperrors.ErrRateNotFound
		}
		return r, nil
	}
	r, err := s.rates.GetRate(ctx, env.orgID, rateID)
	if errors.Is(err, apperrors.ErrRateNotFound) {
		env.rateMemo[rateID] = nil
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	env.rateMemo[rateID] = r
	return r, nil
}

// isItemLevel reports whether err fails only the item being priced.
func isItemLevel(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) || errors.Is(err, apperrors.ErrReference)
}

// pricingDate is the first day of the estimate's pricing quarter, used to decide which
// coefficients are in effect. Estimates without a pricing period use the current time.
func pricingDate(e *models.Estimate) time.Time {
	if e.PriceYear <= 0 || e.PriceQuarter < 1 || e.PriceQuarter > 4 {
		return time.Now().UTC()
	}
	return time.Date(e.PriceYear, time.Month((e.PriceQuarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

func (s *recalculationService) VerifyIntegrity(ctx context.Context, orgID, estimateID uuid.UUID) ([]costing.Mismatch, error) {
	tree, err := s.tree.load(ctx, estimateID)
	if err != nil {
		return nil, err
	}

	mismatches, err := costing.CheckRollup(tree, s.cfg.RollupTolerance, s.cfg.MaxDepth)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, apperrors.ErrRollupMismatch) {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("estimate_id", estimateID.String()),
		zap.Int("mismatches", len(mismatches)),
	}
	if len(mismatches) > 0 {
		m := mismatches[0]
		fields = append(fields,
			zap.String("entity_type", m.EntityType),
			zap.String("entity_id", m.EntityID.String()),
			zap.String("cached", m.Cached.String()),
			zap.String("computed", m.Computed.String()))
	}
	s.logger.Warn("data quality: cached totals do not match rollup", fields...)

	if !tree.Estimate.Status.IsEditable() {
		return mismatches, nil
	}
	if _, err := s.Recalculate(models.WithSystemProvenance(ctx), orgID, estimateID, models.FullScope()); err != nil {
		return mismatches, fmt.Errorf("integrity repair failed: %w", err)
	}
	return mismatches, nil
}

func (s *recalculationService) Enqueue(ctx context.Context, orgID, estimateID uuid.UUID, scope models.RecalcScope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidInput)
	}

	tenantCtx := WithProvenanceWrapper(s.tenantCtx, models.ProvenanceOrSystem(ctx))
	task := workqueue.NewFuncTask("recalculate estimate "+estimateID.String(), estimateID.String(),
		func(jobCtx context.Context) error {
			scopedCtx, cleanup, err := tenantCtx(jobCtx, orgID)
			if err != nil {
				return fmt.Errorf("failed to acquire organization scope: %w", err)
			}
			defer cleanup()
			_, err = s.Recalculate(scopedCtx, orgID, estimateID, scope)
			return err
		})

	id := s.queue.Enqueue(task)
	if id == "" {
		return "", workqueue.ErrQueueClosed
	}
	return id, nil
}

func (s *recalculationService) Job(jobID string) (workqueue.TaskSnapshot, bool) {
	return s.queue.Get(jobID)
}

func (s *recalculationService) State(estimateID uuid.UUID) models.RecalcState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[estimateID] {
		return models.RecalcStateRecalculating
	}
	return models.RecalcStateIdle
}
