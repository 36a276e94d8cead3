package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// PriceIndexRepository reads and maintains price indices.
type PriceIndexRepository interface {
	// ListForPeriod returns every index of a region for the quarter, quarterly rows
	// (month is NULL) first, then monthly rows by month.
	ListForPeriod(ctx context.Context, regionCode string, year, quarter int) ([]models.PriceIndex, error)
	// Upsert writes an index, replacing the value of an existing one for the same period.
	Upsert(ctx context.Context, idx *models.PriceIndex) error
}

type priceIndexRepository struct{}

// NewPriceIndexRepository creates a new PriceIndexRepository.
func NewPriceIndexRepository() PriceIndexRepository {
	return &priceIndexRepository{}
}

var _ PriceIndexRepository = (*priceIndexRepository)(nil)

func (r *priceIndexRepository) ListForPeriod(ctx context.Context, regionCode string, year, quarter int) ([]models.PriceIndex, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, index_type, region_code, year, quarter, month, value, created_at
		FROM price_indices
		WHERE region_code = $1 AND year = $2 AND quarter = $3
		ORDER BY month NULLS FIRST, index_type`, regionCode, year, quarter)
	if err != nil {
		return nil, fmt.Errorf("failed to list price indices: %w", err)
	}
	defer rows.Close()

	var indices []models.PriceIndex
	for rows.Next() {
		var idx models.PriceIndex
		if err := rows.Scan(&idx.ID, &idx.IndexType, &idx.RegionCode, &idx.Year, &idx.Quarter, &idx.Month, &idx.Value, &idx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan price index: %w", err)
		}
		indices = append(indices, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating price indices: %w", err)
	}
	return indices, nil
}

func (r *priceIndexRepository) Upsert(ctx context.Context, idx *models.PriceIndex) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if idx.ID == uuid.Nil {
		idx.ID = uuid.New()
	}
	err = q.QueryRow(ctx, `
		INSERT INTO price_indices (id, index_type, region_code, year, quarter, month, value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (index_type, region_code, year, quarter, COALESCE(month, 0))
		DO UPDATE SET value = EXCLUDED.value
		RETURNING id, created_at`,
		idx.ID, idx.IndexType, idx.RegionCode, idx.Year, idx.Quarter, idx.Month, idx.Value,
	).Scan(&idx.ID, &idx.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert price index: %w", err)
	}
	return nil
}

// CoefficientRepository reads coefficients. Organization-owned rows are filtered by RLS;
// shared rows (no organization) are visible to everyone.
type CoefficientRepository interface {
	// ListForScope returns every coefficient attached to the scope, active or not, by sort order.
	ListForScope(ctx context.Context, level models.CoefficientScopeLevel, scopeID uuid.UUID) ([]models.Coefficient, error)
	Create(ctx context.Context, c *models.Coefficient) error
}

type coefficientRepository struct{}

// NewCoefficientRepository creates a new CoefficientRepository.
func NewCoefficientRepository() CoefficientRepository {
	return &coefficientRepository{}
}

var _ CoefficientRepository = (*coefficientRepository)(nil)

func (r *coefficientRepository) ListForScope(ctx context.Context, level models.CoefficientScopeLevel, scopeID uuid.UUID) ([]models.Coefficient, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, organization_id, name, kind, scope_level, scope_id, value, is_mandatory, is_active,
			effective_from, effective_to, sort_order
		FROM coefficients
		WHERE scope_level = $1 AND scope_id = $2
		ORDER BY sort_order, id`, level, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list coefficients: %w", err)
	}
	defer rows.Close()

	var coefficients []models.Coefficient
	for rows.Next() {
		var c models.Coefficient
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Kind, &c.ScopeLevel, &c.ScopeID, &c.Value,
			&c.IsMandatory, &c.IsActive, &c.EffectiveFrom, &c.EffectiveTo, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan coefficient: %w", err)
		}
		coefficients = append(coefficients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating coefficients: %w", err)
	}
	return coefficients, nil
}

func (r *coefficientRepository) Create(ctx context.Context, c *models.Coefficient) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err = q.Exec(ctx, `
		INSERT INTO coefficients (
			id, organization_id, name, kind, scope_level, scope_id, value, is_mandatory, is_active,
			effective_from, effective_to, sort_order
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.OrganizationID, c.Name, c.Kind, c.ScopeLevel, c.ScopeID, c.Value, c.IsMandatory, c.IsActive,
		c.EffectiveFrom, c.EffectiveTo, c.SortOrder,
	)
	if err != nil {
		return fmt.Errorf("failed to create coefficient: %w", err)
	}
	return nil
}
