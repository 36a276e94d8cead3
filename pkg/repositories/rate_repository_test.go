//go:build integration

package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// seedRate inserts a collection and one rate with a single resource line.
func seedRate(t *testing.T, ctx context.Context, code string) (collectionID, rateID uuid.UUID) {
	t.Helper()
	q, err := database.GetQuerier(ctx)
	require.NoError(t, err)

	collectionID, rateID = uuid.New(), uuid.New()
	_, err = q.Exec(ctx, `INSERT INTO rate_collections (id, code, name, base_year) VALUES ($1, $2, 'Federal', 2001)`,
		collectionID, "FED-"+collectionID.String()[:8])
	require.NoError(t, err)
	_, err = q.Exec(ctx, `INSERT INTO normative_rates (id, collection_id, code, name, unit, base_cost, base_materials, labor_hours)
		VALUES ($1, $2, $3, 'Masonry', 'm3', 120.50, 100.25, 1.5)`, rateID, collectionID, code)
	require.NoError(t, err)
	_, err = q.Exec(ctx, `INSERT INTO rate_resources (rate_id, resource_type, code, name, unit, quantity, base_unit_price, sort_order)
		VALUES ($1, 'material', 'M1', 'Brick', 'pcs', 400, 0.25, 1)`, rateID)
	require.NoError(t, err)
	return collectionID, rateID
}

func TestRateRepository_FindRate(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	repo := NewRateRepository()
	collectionID, rateID := seedRate(t, ctx, "GESN08-02-001-01")

	rate, err := repo.FindRate(ctx, collectionID, "GESN08-02-001-01")
	require.NoError(t, err)
	assert.Equal(t, rateID, rate.ID)
	assert.Equal(t, "100.25", rate.BaseMaterials.StringFixed(2))

	resources, err := repo.ListResources(ctx, rateID)
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, models.ResourceTypeMaterial, resources[0].ResourceType)

	_, err = repo.FindRate(ctx, collectionID, "missing")
	assert.ErrorIs(t, err, apperrors.ErrRateNotFound)

	// soft-deleted rates are invisible
	q, err := database.GetQuerier(ctx)
	require.NoError(t, err)
	_, err = q.Exec(ctx, `UPDATE normative_rates SET deleted_at = now() WHERE id = $1`, rateID)
	require.NoError(t, err)
	_, err = repo.FindRate(ctx, collectionID, "GESN08-02-001-01")
	assert.ErrorIs(t, err, apperrors.ErrRateNotFound)

	coll, err := repo.GetCollection(ctx, collectionID)
	require.NoError(t, err)
	assert.Nil(t, coll.OrganizationID)
	assert.True(t, coll.VisibleTo(tc.orgID))
}

func TestPriceIndexRepository_Upsert(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	repo := NewPriceIndexRepository()
	region := "R" + uuid.New().String()[:6]
	idx := &models.PriceIndex{IndexType: models.IndexTypeMaterials, RegionCode: region, Year: 2024, Quarter: 2, Value: decimal.RequireFromString("8.5")}
	require.NoError(t, repo.Upsert(ctx, idx))

	again := &models.PriceIndex{IndexType: models.IndexTypeMaterials, RegionCode: region, Year: 2024, Quarter: 2, Value: decimal.RequireFromString("8.75")}
	require.NoError(t, repo.Upsert(ctx, again))
	assert.Equal(t, idx.ID, again.ID)

	list, err := repo.ListForPeriod(ctx, region, 2024, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "8.75", list[0].Value.StringFixed(2))
}

func TestCoefficientRepository_OrganizationVisibility(t *testing.T) {
	tc := setupEstimateTest(t)
	repo := NewCoefficientRepository()
	scopeID := uuid.New()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	ctx, done := tc.orgContext(tc.orgID)
	shared := &models.Coefficient{Name: "Winter", Kind: models.CoefficientKindClimatic, ScopeLevel: models.ScopeLevelRate,
		ScopeID: scopeID, Value: decimal.RequireFromString("1.1"), IsActive: true, EffectiveFrom: &from}
	require.NoError(t, repo.Create(ctx, shared))
	own := &models.Coefficient{OrganizationID: &tc.orgID, Name: "Custom", Kind: models.CoefficientKindCustom, ScopeLevel: models.ScopeLevelRate,
		ScopeID: scopeID, Value: decimal.RequireFromString("1.2"), IsActive: true, SortOrder: 1}
	require.NoError(t, repo.Create(ctx, own))

	list, err := repo.ListForScope(ctx, models.ScopeLevelRate, scopeID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	done()

	otherCtx, otherDone := tc.orgContext(uuid.New())
	defer otherDone()
	list, err = repo.ListForScope(otherCtx, models.ScopeLevelRate, scopeID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Winter", list[0].Name)
}

func TestImportRepositories(t *testing.T) {
	tc := setupEstimateTest(t)
	ctx, done := tc.orgContext(tc.orgID)
	defer done()

	e := tc.createEstimate(ctx)
	sessions := NewImportSessionRepository()
	memory := NewImportMemoryRepository()
	review := NewReviewQueueRepository()

	s := &models.ImportSession{
		OrganizationID:  tc.orgID,
		EstimateID:      e.ID,
		SourceName:      "bill.xlsx",
		Headers:         []string{"Name", "Qty"},
		HeaderSignature: "sig",
		ColumnMapping:   models.ColumnMapping{models.ColumnName: 0, models.ColumnQuantity: 1},
	}
	require.NoError(t, sessions.Create(ctx, s))
	require.NoError(t, sessions.AddRows(ctx, s.ID, 3))
	require.NoError(t, sessions.AddProgress(ctx, s.ID, ImportProgress{Processed: 2, Committed: 1, Review: 1}))

	got, err := sessions.GetByID(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalRows)
	assert.Equal(t, 2, got.ProcessedRows)
	assert.Equal(t, 1, got.ColumnMapping[models.ColumnQuantity])

	entry := &models.ReviewQueueEntry{
		OrganizationID: tc.orgID, SessionID: s.ID, RowNumber: 2,
		Row:        models.ImportRow{RowNumber: 2, Cells: []string{"Misc", "1"}},
		Draft:      models.ItemDraft{Name: "Misc", ItemType: models.ItemTypeWork, Quantity: decimal.NewFromInt(1)},
		Confidence: 0.42,
	}
	require.NoError(t, review.Create(ctx, entry))
	pending, err := review.ListBySession(ctx, s.ID, models.ReviewStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Misc", pending[0].Draft.Name)

	require.NoError(t, review.Resolve(ctx, entry.ID, models.ReviewStatusRejected, nil, nil))
	assert.ErrorIs(t, review.Resolve(ctx, entry.ID, models.ReviewStatusAccepted, nil, nil), apperrors.ErrConflict)

	require.NoError(t, sessions.SetStatus(ctx, s.ID, models.ImportStatusCancelled, ""))
	assert.ErrorIs(t, sessions.SetStatus(ctx, s.ID, models.ImportStatusCompleted, ""), apperrors.ErrImportSessionClosed)

	m, err := memory.GetBySignature(ctx, tc.orgID, "sig")
	require.NoError(t, err)
	assert.Nil(t, m)
	_, err = memory.Confirm(ctx, tc.orgID, "sig", s.ColumnMapping)
	require.NoError(t, err)
	m, err = memory.Confirm(ctx, tc.orgID, "sig", s.ColumnMapping)
	require.NoError(t, err)
	assert.Equal(t, 2, m.ConfirmedCount)
}
