package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// RateRepository reads the normative reference data. Soft-deleted rows are invisible.
type RateRepository interface {
	GetCollection(ctx context.Context, id uuid.UUID) (*models.RateCollection, error)
	GetRate(ctx context.Context, id uuid.UUID) (*models.NormativeRate, error)
	// FindRate returns the live rate with the given code in a collection, or apperrors.ErrRateNotFound.
	FindRate(ctx context.Context, collectionID uuid.UUID, code string) (*models.NormativeRate, error)
	// ListResources returns the base resource lines of a rate in sort order.
	ListResources(ctx context.Context, rateID uuid.UUID) ([]models.RateResource, error)
}

type rateRepository struct{}

// NewRateRepository creates a new RateRepository.
func NewRateRepository() RateRepository {
	return &rateRepository{}
}

var _ RateRepository = (*rateRepository)(nil)

const rateColumns = `id, collection_id, code, name, unit, base_cost, base_materials, base_machinery, base_labor, base_equipment,
	labor_hours, machine_hours, updated_at, deleted_at`

func (r *rateRepository) GetCollection(ctx context.Context, id uuid.UUID) (*models.RateCollection, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	var c models.RateCollection
	err = q.QueryRow(ctx, `
		SELECT id, organization_id, code, name, base_year, is_public, created_at
		FROM rate_collections
		WHERE id = $1 AND deleted_at IS NULL`, id,
	).Scan(&c.ID, &c.OrganizationID, &c.Code, &c.Name, &c.BaseYear, &c.IsPublic, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get rate collection: %w", err)
	}
	return &c, nil
}

func (r *rateRepository) GetRate(ctx context.Context, id uuid.UUID) (*models.NormativeRate, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rate, err := scanRate(q.QueryRow(ctx, `SELECT `+rateColumns+` FROM normative_rates WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRateNotFound
		}
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}
	return rate, nil
}

func (r *rateRepository) FindRate(ctx context.Context, collectionID uuid.UUID, code string) (*models.NormativeRate, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + rateColumns + ` FROM normative_rates
		WHERE collection_id = $1 AND code = $2 AND deleted_at IS NULL`
	rate, err := scanRate(q.QueryRow(ctx, query, collectionID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrRateNotFound
		}
		return nil, fmt.Errorf("failed to find rate: %w", err)
	}
	return rate, nil
}

func (r *rateRepository) ListResources(ctx context.Context, rateID uuid.UUID) ([]models.RateResource, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, rate_id, resource_type, code, name, unit, quantity, base_unit_price, hours, not_accounted, sort_order
		FROM rate_resources
		WHERE rate_id = $1
		ORDER BY sort_order, id`, rateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate resources: %w", err)
	}
	defer rows.Close()

	var resources []models.RateResource
	for rows.Next() {
		var rr models.RateResource
		if err := rows.Scan(&rr.ID, &rr.RateID, &rr.ResourceType, &rr.Code, &rr.Name, &rr.Unit,
			&rr.Quantity, &rr.BaseUnitPrice, &rr.Hours, &rr.NotAccounted, &rr.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan rate resource: %w", err)
		}
		resources = append(resources, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rate resources: %w", err)
	}
	return resources, nil
}

func scanRate(row pgx.Row) (*models.NormativeRate, error) {
	var r models.NormativeRate
	err := row.Scan(&r.ID, &r.CollectionID, &r.Code, &r.Name, &r.Unit,
		&r.BaseCost, &r.BaseMaterials, &r.BaseMachinery, &r.BaseLabor, &r.BaseEquipment,
		&r.LaborHours, &r.MachineHours, &r.UpdatedAt, &r.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
