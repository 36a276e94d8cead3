package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// EstimateRepository provides data access for estimates.
// All methods run on the querier in context, so they join an open transaction.
type EstimateRepository interface {
	Create(ctx context.Context, estimate *models.Estimate) error
	// GetByID returns a live estimate or apperrors.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Estimate, error)
	// List returns live estimates visible to the organization in context, newest first.
	List(ctx context.Context, limit int) ([]*models.Estimate, error)
	// Update writes header fields, pricing context, status and version.
	Update(ctx context.Context, estimate *models.Estimate) error
	// UpdateTotals writes both totals column sets and the version.
	UpdateTotals(ctx context.Context, estimate *models.Estimate) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type estimateRepository struct{}

// NewEstimateRepository creates a new EstimateRepository.
func NewEstimateRepository() EstimateRepository {
	return &estimateRepository{}
}

var _ EstimateRepository = (*estimateRepository)(nil)

const estimateColumns = `id, organization_id, project_id, contract_id, number, name, estimate_type, status, version,
	region_code, price_year, price_quarter, vat_rate, overhead_rate, profit_rate,
	` + totalsColumns + `, vat, amount_with_vat,
	` + baseTotalsColumns + `, base_vat, base_amount_with_vat,
	created_by, created_at, updated_at, deleted_at`

func (r *estimateRepository) Create(ctx context.Context, e *models.Estimate) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Status == "" {
		e.Status = models.EstimateStatusDraft
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now

	query := `
		INSERT INTO estimates (
			id, organization_id, project_id, contract_id, number, name, estimate_type, status, version,
			region_code, price_year, price_quarter, vat_rate, overhead_rate, profit_rate,
			created_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = q.Exec(ctx, query,
		e.ID, e.OrganizationID, e.ProjectID, e.ContractID, e.Number, e.Name, e.EstimateType, e.Status, e.Version,
		e.RegionCode, e.PriceYear, e.PriceQuarter, e.VATRate, e.OverheadRate, e.ProfitRate,
		e.CreatedBy, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if verr := checkViolation(err); verr != nil {
			return verr
		}
		return fmt.Errorf("failed to create estimate: %w", err)
	}
	return nil
}

func (r *estimateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Estimate, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + estimateColumns + ` FROM estimates WHERE id = $1 AND deleted_at IS NULL`
	e, err := scanEstimate(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get estimate: %w", err)
	}
	return e, nil
}

func (r *estimateRepository) List(ctx context.Context, limit int) ([]*models.Estimate, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + estimateColumns + ` FROM estimates
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list estimates: %w", err)
	}
	defer rows.Close()

	var estimates []*models.Estimate
	for rows.Next() {
		e, err := scanEstimate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan estimate: %w", err)
		}
		estimates = append(estimates, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating estimates: %w", err)
	}
	return estimates, nil
}

func (r *estimateRepository) Update(ctx context.Context, e *models.Estimate) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	e.UpdatedAt = time.Now()
	query := `
		UPDATE estimates SET
			number = $2, name = $3, estimate_type = $4, status = $5, version = $6,
			region_code = $7, price_year = $8, price_quarter = $9,
			vat_rate = $10, overhead_rate = $11, profit_rate = $12, updated_at = $13
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := q.Exec(ctx, query,
		e.ID, e.Number, e.Name, e.EstimateType, e.Status, e.Version,
		e.RegionCode, e.PriceYear, e.PriceQuarter,
		e.VATRate, e.OverheadRate, e.ProfitRate, e.UpdatedAt,
	)
	if err != nil {
		if verr := checkViolation(err); verr != nil {
			return verr
		}
		return fmt.Errorf("failed to update estimate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *estimateRepository) UpdateTotals(ctx context.Context, e *models.Estimate) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	e.UpdatedAt = time.Now()
	query := `
		UPDATE estimates SET
			materials = $2, machinery = $3, labor = $4, equipment = $5,
			direct_costs = $6, overhead = $7, profit = $8, amount = $9,
			vat = $10, amount_with_vat = $11,
			base_materials = $12, base_machinery = $13, base_labor = $14, base_equipment = $15,
			base_direct_costs = $16, base_overhead = $17, base_profit = $18, base_amount = $19,
			base_vat = $20, base_amount_with_vat = $21,
			version = $22, updated_at = $23
		WHERE id = $1 AND deleted_at IS NULL`

	args := []any{e.ID}
	args = append(args, totalsArgs(e.Totals.CostTotals)...)
	args = append(args, e.Totals.VAT, e.Totals.AmountWithVAT)
	args = append(args, totalsArgs(e.BaseTotals.CostTotals)...)
	args = append(args, e.BaseTotals.VAT, e.BaseTotals.AmountWithVAT)
	args = append(args, e.Version, e.UpdatedAt)

	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update estimate totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *estimateRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `UPDATE estimates SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete estimate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func scanEstimate(row pgx.Row) (*models.Estimate, error) {
	var e models.Estimate
	dest := []any{
		&e.ID, &e.OrganizationID, &e.ProjectID, &e.ContractID, &e.Number, &e.Name, &e.EstimateType, &e.Status, &e.Version,
		&e.RegionCode, &e.PriceYear, &e.PriceQuarter, &e.VATRate, &e.OverheadRate, &e.ProfitRate,
	}
	dest = append(dest, totalsDest(&e.Totals.CostTotals)...)
	dest = append(dest, &e.Totals.VAT, &e.Totals.AmountWithVAT)
	dest = append(dest, totalsDest(&e.BaseTotals.CostTotals)...)
	dest = append(dest, &e.BaseTotals.VAT, &e.BaseTotals.AmountWithVAT)
	dest = append(dest, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &e, nil
}
