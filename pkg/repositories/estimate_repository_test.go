//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
	"github.com/ekaya-inc/costing-engine/pkg/testhelpers"
)

// estimateTestContext holds test dependencies for estimate tree repository tests.
type estimateTestContext struct {
	t         *testing.T
	engineDB  *testhelpers.EngineDB
	estimates EstimateRepository
	sections  SectionRepository
	items     ItemRepository
	changes   ChangeLogRepository
	snapshots SnapshotRepository
	orgID     uuid.UUID
}

func setupEstimateTest(t *testing.T) *estimateTestContext {
	return &estimateTestContext{
		t:         t,
		engineDB:  testhelpers.GetEngineDB(t),
		estimates: NewEstimateRepository(),
		sections:  NewSectionRepository(),
		items:     NewItemRepository(),
		changes:   NewChangeLogRepository(),
		snapshots: NewSnapshotRepository(),
		orgID:     uuid.New(),
	}
}

// orgContext returns a context scoped to the given organization.
func (tc *estimateTestContext) orgContext(orgID uuid.UUID) (context.Context, func()) {
	tc.t.Helper()
	ctx := context.Background()
	scope, err := tc.engineDB.DB.WithTenant(ctx, orgID)
	require.NoError(tc.t, err)
	return database.SetTenantScope(ctx, scope), scope.Close
}

func (tc *estimateTestContext) createEstimate(ctx context.Context) *models.Estimate {
	tc.t.Helper()
	e := &models.Estimate{
		OrganizationID: tc.orgID,
		Name:           "Warehouse",
		EstimateType:   "local",
		RegionCode:     "77",
		PriceYear:      2024,
		PriceQuarter:   2,
		VATRate:        decimal.RequireFromString("0.2"),
		OverheadRate:   decimal.RequireFromString("0.12"),
		ProfitRate:     decimal.RequireFromString("0.08"),
	}
	require.NoError(tc.t, tc.estimates.Create(ctx, e))
	return e
}

func TestEstimateRepository_CreateAndGet(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, models.EstimateStatusDraft, e.Status)

	got, err := tc.estimates.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Warehouse", got.Name)
	assert.True(t, got.VATRate.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, got.Totals.Amount.IsZero())

	got.Totals.Amount = decimal.RequireFromString("3110.52")
	got.Totals.AmountWithVAT = decimal.RequireFromString("3732.62")
	got.Version = 2
	require.NoError(t, tc.estimates.UpdateTotals(ctx, got))

	reloaded, err := tc.estimates.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "3110.52", reloaded.Totals.Amount.StringFixed(2))
	assert.Equal(t, int64(2), reloaded.Version)

	require.NoError(t, tc.estimates.SoftDelete(ctx, e.ID))
	_, err = tc.estimates.GetByID(ctx, e.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEstimateRepository_RejectsMissingPricePeriod(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	err := tc.estimates.Create(ctx, &models.Estimate{OrganizationID: tc.orgID, Name: "No period"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation, "CHECK violations surface as validation errors, not internal errors")

	e := tc.createEstimate(ctx)
	e.PriceQuarter = 7
	assert.ErrorIs(t, tc.estimates.Update(ctx, e), apperrors.ErrInvalidInput)
}

func TestEstimateRepository_OrganizationIsolation(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	e := tc.createEstimate(ctx)
	done()

	otherCtx, otherDone := tc.orgContext(uuid.New())
	defer otherDone()

	_, err := tc.estimates.GetByID(otherCtx, e.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestItemRepository_ResourcesAndPositionUniqueness(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	sec := &models.Section{OrganizationID: tc.orgID, EstimateID: e.ID, Number: "1", FullSectionNumber: "1", Name: "Foundations"}
	require.NoError(t, tc.sections.Create(ctx, sec))

	item := &models.Item{
		OrganizationID:      tc.orgID,
		EstimateID:          e.ID,
		SectionID:           &sec.ID,
		PositionNumber:      "1",
		PricingMode:         models.PricingModeManual,
		Name:                "Concrete",
		Unit:                "m3",
		ItemType:            models.ItemTypeWork,
		Quantity:            decimal.RequireFromString("10"),
		QuantityCoefficient: decimal.NewFromInt(1),
		OverheadRate:        decimal.NewNullDecimal(decimal.RequireFromString("0.1")),
		Resources: []models.ResourceLine{
			{ResourceType: models.ResourceTypeMaterial, Name: "Cement", Unit: "t", QuantityPerUnit: decimal.RequireFromString("0.3"), BaseUnitPrice: decimal.RequireFromString("100")},
			{ResourceType: models.ResourceTypeLabor, Name: "Worker", Unit: "h", QuantityPerUnit: decimal.RequireFromString("2"), Hours: decimal.RequireFromString("2"), BaseUnitPrice: decimal.RequireFromString("50")},
		},
	}
	require.NoError(t, tc.items.Create(ctx, item))

	got, err := tc.items.GetByID(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got.Resources, 2)
	assert.True(t, got.OverheadRate.Valid)
	assert.False(t, got.ProfitRate.Valid)

	dup := *item
	dup.ID = uuid.Nil
	dup.Resources = nil
	assert.ErrorIs(t, tc.items.Create(ctx, &dup), apperrors.ErrDuplicatePositionNumber)

	got.Totals.Amount = decimal.RequireFromString("1234.56")
	got.CalcWarnings = []string{"negative_total"}
	got.Resources = got.Resources[:1]
	require.NoError(t, tc.items.SaveComputed(ctx, got))

	list, err := tc.items.ListByEstimate(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].Resources, 1)
	assert.Equal(t, []string{"negative_total"}, list[0].CalcWarnings)
	assert.Equal(t, "1234.56", list[0].Totals.Amount.StringFixed(2))

	// a deleted item frees its position number
	require.NoError(t, tc.items.SoftDelete(ctx, []uuid.UUID{item.ID}))
	dup.ID = uuid.Nil
	assert.NoError(t, tc.items.Create(ctx, &dup))
}

func TestRunInTx_RollsBackAllWrites(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		e.Version = 5
		if err := tc.estimates.UpdateTotals(ctx, e); err != nil {
			return err
		}
		if err := tc.changes.Create(ctx, &models.ChangeLogEntry{
			OrganizationID: tc.orgID, EstimateID: e.ID, ChangeType: models.ChangeTypeRecalculate,
			EntityType: models.EntityTypeEstimate, EntityID: e.ID, Source: "system",
		}); err != nil {
			return err
		}
		return apperrors.ErrRecalculationTimeout
	})
	require.ErrorIs(t, err, apperrors.ErrRecalculationTimeout)

	got, err := tc.estimates.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	entries, err := tc.changes.ListByEstimate(ctx, e.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAdvisoryLock_SecondTransactionRejected(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()
	otherCtx, otherDone := tc.orgContext(tc.orgID)
	defer otherDone()

	id := uuid.New()
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := database.TryAdvisoryXactLock(ctx, id)
		require.NoError(t, err)
		assert.True(t, locked)

		return database.RunInTx(otherCtx, func(otherCtx context.Context) error {
			locked, err := database.TryAdvisoryXactLock(otherCtx, id)
			require.NoError(t, err)
			assert.False(t, locked)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestChangeLog_AppendOnly(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	entry := &models.ChangeLogEntry{
		OrganizationID: tc.orgID, EstimateID: e.ID, ChangeType: models.ChangeTypeCreate,
		EntityType: models.EntityTypeEstimate, EntityID: e.ID, Source: "manual",
		NewValues: map[string]any{"name": "Warehouse"},
	}
	require.NoError(t, tc.changes.Create(ctx, entry))

	entries, err := tc.changes.ListByEstimate(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Warehouse", entries[0].NewValues["name"])

	q, err := database.GetQuerier(ctx)
	require.NoError(t, err)
	_, err = q.Exec(ctx, `UPDATE estimate_change_log SET source = 'x' WHERE id = $1`, entry.ID)
	assert.Error(t, err)
}

func TestSnapshotRepository_RoundTripAndStale(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	snap := &models.Snapshot{
		OrganizationID:  tc.orgID,
		EstimateID:      e.ID,
		SnapshotType:    models.SnapshotTypeManual,
		Label:           "baseline",
		EstimateVersion: e.Version,
		Tree:            &models.EstimateTree{Estimate: e},
	}
	require.NoError(t, tc.snapshots.Create(ctx, snap))

	got, err := tc.snapshots.GetByID(ctx, snap.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Tree)
	assert.Equal(t, e.ID, got.Tree.Estimate.ID)

	stale, err := tc.snapshots.ListStale(ctx, 100)
	require.NoError(t, err)
	for _, s := range stale {
		assert.NotEqual(t, e.ID, s.EstimateID)
	}

	e.Version = 2
	require.NoError(t, tc.estimates.UpdateTotals(ctx, e))
	stale, err = tc.snapshots.ListStale(ctx, 100)
	require.NoError(t, err)
	var found bool
	for _, s := range stale {
		if s.EstimateID == e.ID {
			found = true
			assert.Equal(t, int64(1), s.SnapshotVersion)
		}
	}
	assert.True(t, found)
}
