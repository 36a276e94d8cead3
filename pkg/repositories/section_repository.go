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

// SectionRepository provides data access for estimate sections.
type SectionRepository interface {
	Create(ctx context.Context, section *models.Section) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Section, error)
	// ListByEstimate returns the live sections of an estimate ordered by sort_order.
	ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.Section, error)
	// Update writes parent, numbering, name and sort order.
	Update(ctx context.Context, section *models.Section) error
	// UpdateTotals writes the cached totals of a section.
	UpdateTotals(ctx context.Context, section *models.Section) error
	// SoftDelete marks the given sections deleted.
	SoftDelete(ctx context.Context, ids []uuid.UUID) error
	// Upsert inserts the section or overwrites it (reviving it if soft-deleted).
	Upsert(ctx context.Context, section *models.Section) error
}

type sectionRepository struct{}

// NewSectionRepository creates a new SectionRepository.
func NewSectionRepository() SectionRepository {
	return &sectionRepository{}
}

var _ SectionRepository = (*sectionRepository)(nil)

const sectionColumns = `id, organization_id, estimate_id, parent_id, number, full_section_number, name, sort_order,
	` + totalsColumns + `,
	` + baseTotalsColumns + `,
	created_at, updated_at, deleted_at`

func (r *sectionRepository) Create(ctx context.Context, s *models.Section) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now

	query := `
		INSERT INTO estimate_sections (
			id, organization_id, estimate_id, parent_id, number, full_section_number, name, sort_order,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = q.Exec(ctx, query,
		s.ID, s.OrganizationID, s.EstimateID, s.ParentID, s.Number, s.FullSectionNumber, s.Name, s.SortOrder,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("parent section: %w", apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to create section: %w", err)
	}
	return nil
}

func (r *sectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Section, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + sectionColumns + ` FROM estimate_sections WHERE id = $1 AND deleted_at IS NULL`
	s, err := scanSection(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get section: %w", err)
	}
	return s, nil
}

func (r *sectionRepository) ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.Section, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + sectionColumns + ` FROM estimate_sections
		WHERE estimate_id = $1 AND deleted_at IS NULL
		ORDER BY sort_order, created_at`

	rows, err := q.Query(ctx, query, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sections: %w", err)
	}
	defer rows.Close()

	var sections []*models.Section
	for rows.Next() {
		s, err := scanSection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		sections = append(sections, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sections: %w", err)
	}
	return sections, nil
}

func (r *sectionRepository) Update(ctx context.Context, s *models.Section) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	s.UpdatedAt = time.Now()
	query := `
		UPDATE estimate_sections SET
			parent_id = $2, number = $3, full_section_number = $4, name = $5, sort_order = $6, updated_at = $7
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := q.Exec(ctx, query, s.ID, s.ParentID, s.Number, s.FullSectionNumber, s.Name, s.SortOrder, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update section: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *sectionRepository) UpdateTotals(ctx context.Context, s *models.Section) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE estimate_sections SET
			materials = $2, machinery = $3, labor = $4, equipment = $5,
			direct_costs = $6, overhead = $7, profit = $8, amount = $9,
			base_materials = $10, base_machinery = $11, base_labor = $12, base_equipment = $13,
			base_direct_costs = $14, base_overhead = $15, base_profit = $16, base_amount = $17,
			updated_at = now()
		WHERE id = $1`

	args := []any{s.ID}
	args = append(args, totalsArgs(s.Totals)...)
	args = append(args, totalsArgs(s.BaseTotals)...)
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update section totals: %w", err)
	}
	return nil
}

func (r *sectionRepository) SoftDelete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `UPDATE estimate_sections SET deleted_at = now(), updated_at = now()
		WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete sections: %w", err)
	}
	return nil
}

func (r *sectionRepository) Upsert(ctx context.Context, s *models.Section) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	s.UpdatedAt = time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	query := `
		INSERT INTO estimate_sections (
			id, organization_id, estimate_id, parent_id, number, full_section_number, name, sort_order,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			number = EXCLUDED.number,
			full_section_number = EXCLUDED.full_section_number,
			name = EXCLUDED.name,
			sort_order = EXCLUDED.sort_order,
			updated_at = EXCLUDED.updated_at,
			deleted_at = NULL`

	_, err = q.Exec(ctx, query,
		s.ID, s.OrganizationID, s.EstimateID, s.ParentID, s.Number, s.FullSectionNumber, s.Name, s.SortOrder,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert section: %w", err)
	}
	return nil
}

func scanSection(row pgx.Row) (*models.Section, error) {
	var s models.Section
	dest := []any{&s.ID, &s.OrganizationID, &s.EstimateID, &s.ParentID, &s.Number, &s.FullSectionNumber, &s.Name, &s.SortOrder}
	dest = append(dest, totalsDest(&s.Totals)...)
	dest = append(dest, totalsDest(&s.BaseTotals)...)
	dest = append(dest, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &s, nil
}
