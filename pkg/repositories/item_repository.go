package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/database"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// ItemRepository provides data access for estimate items and their resource lines.
type ItemRepository interface {
	// Create inserts the item and its resource lines. A live item with the same
	// position number returns apperrors.ErrDuplicatePositionNumber.
	Create(ctx context.Context, item *models.Item) error
	// GetByID returns a live item with its resource lines.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error)
	// ListByEstimate returns the live items of an estimate with their resource lines,
	// ordered by sort_order then position number.
	ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.Item, error)
	// Update writes the user-editable fields.
	Update(ctx context.Context, item *models.Item) error
	// SaveComputed writes calculator output and replaces the resource lines.
	SaveComputed(ctx context.Context, item *models.Item) error
	// SetCalcError records an item-level calculation failure, leaving totals untouched.
	SetCalcError(ctx context.Context, id uuid.UUID, message string) error
	// ReplaceResources replaces the resource lines of an item.
	ReplaceResources(ctx context.Context, item *models.Item) error
	SoftDelete(ctx context.Context, ids []uuid.UUID) error
	// SoftDeleteBySections marks every live item of the given sections deleted.
	SoftDeleteBySections(ctx context.Context, sectionIDs []uuid.UUID) error
	// Upsert inserts the item or overwrites it (reviving it if soft-deleted), then replaces its resources.
	Upsert(ctx context.Context, item *models.Item) error
}

type itemRepository struct{}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository() ItemRepository {
	return &itemRepository{}
}

var _ ItemRepository = (*itemRepository)(nil)

const itemWriteColumns = `id, organization_id, estimate_id, section_id, parent_item_id, position_number, sort_order,
	pricing_mode, rate_id, collection_id, rate_code, name, unit, item_type,
	quantity, quantity_coefficient, quantity_total,
	base_unit_price, manual_unit_price, index_value, coefficient_total, current_unit_price,
	overhead_rate, profit_rate,
	` + totalsColumns + `,
	` + baseTotalsColumns + `,
	labor_hours, machine_hours, calc_warnings, calc_error, created_at, updated_at`

const itemColumns = itemWriteColumns + `, deleted_at`

const resourceColumns = `id, item_id, resource_type, code, name, unit, sort_order,
	quantity_per_unit, total_quantity, base_unit_price, current_unit_price, base_amount, amount, hours,
	not_accounted, price_flagged`

func (r *itemRepository) Create(ctx context.Context, item *models.Item) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	now := time.Now()
	item.CreatedAt = now
	item.UpdatedAt = now

	return database.RunInTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		args, err := itemArgs(item)
		if err != nil {
			return err
		}
		query := `INSERT INTO estimate_items (` + itemWriteColumns + `) VALUES (` + placeholders(1, len(args)) + `)`
		if _, err := q.Exec(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return apperrors.ErrDuplicatePositionNumber
			}
			return fmt.Errorf("failed to create item: %w", err)
		}
		return insertResources(ctx, q, item)
	})
}

func (r *itemRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Item, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM estimate_items WHERE id = $1 AND deleted_at IS NULL`
	item, err := scanItem(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+resourceColumns+` FROM item_resources WHERE item_id = $1 ORDER BY sort_order, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query item resources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		line, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item resource: %w", err)
		}
		item.Resources = append(item.Resources, *line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item resources: %w", err)
	}
	return item, nil
}

func (r *itemRepository) ListByEstimate(ctx context.Context, estimateID uuid.UUID) ([]*models.Item, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + itemColumns + ` FROM estimate_items
		WHERE estimate_id = $1 AND deleted_at IS NULL
		ORDER BY sort_order, position_number`

	rows, err := q.Query(ctx, query, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	var items []*models.Item
	byID := make(map[uuid.UUID]*models.Item)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
		byID[item.ID] = item
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	resQuery := `SELECT r.id, r.item_id, r.resource_type, r.code, r.name, r.unit, r.sort_order,
			r.quantity_per_unit, r.total_quantity, r.base_unit_price, r.current_unit_price,
			r.base_amount, r.amount, r.hours, r.not_accounted, r.price_flagged
		FROM item_resources r
		JOIN estimate_items i ON i.id = r.item_id
		WHERE i.estimate_id = $1 AND i.deleted_at IS NULL
		ORDER BY r.item_id, r.sort_order, r.id`

	resRows, err := q.Query(ctx, resQuery, estimateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list item resources: %w", err)
	}
	defer resRows.Close()
	for resRows.Next() {
		line, err := scanResource(resRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item resource: %w", err)
		}
		if item, ok := byID[line.ItemID]; ok {
			item.Resources = append(item.Resources, *line)
		}
	}
	if err := resRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item resources: %w", err)
	}
	return items, nil
}

func (r *itemRepository) Update(ctx context.Context, item *models.Item) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	item.UpdatedAt = time.Now()
	query := `
		UPDATE estimate_items SET
			section_id = $2, parent_item_id = $3, position_number = $4, sort_order = $5,
			pricing_mode = $6, rate_id = $7, collection_id = $8, rate_code = $9,
			name = $10, unit = $11, item_type = $12,
			quantity = $13, quantity_coefficient = $14,
			base_unit_price = $15, manual_unit_price = $16,
			overhead_rate = $17, profit_rate = $18, updated_at = $19
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := q.Exec(ctx, query,
		item.ID, item.SectionID, item.ParentItemID, item.PositionNumber, item.SortOrder,
		item.PricingMode, item.RateID, item.CollectionID, item.RateCode,
		item.Name, item.Unit, item.ItemType,
		item.Quantity, item.QuantityCoefficient,
		item.BaseUnitPrice, item.ManualUnitPrice,
		item.OverheadRate, item.ProfitRate, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrDuplicatePositionNumber
		}
		return fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *itemRepository) SaveComputed(ctx context.Context, item *models.Item) error {
	return database.RunInTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		warnings, err := json.Marshal(nonNilStrings(item.CalcWarnings))
		if err != nil {
			return fmt.Errorf("failed to marshal calc warnings: %w", err)
		}

		item.UpdatedAt = time.Now()
		query := `
			UPDATE estimate_items SET
				quantity_total = $2, index_value = $3, coefficient_total = $4, current_unit_price = $5,
				materials = $6, machinery = $7, labor = $8, equipment = $9,
				direct_costs = $10, overhead = $11, profit = $12, amount = $13,
				base_materials = $14, base_machinery = $15, base_labor = $16, base_equipment = $17,
				base_direct_costs = $18, base_overhead = $19, base_profit = $20, base_amount = $21,
				labor_hours = $22, machine_hours = $23, calc_warnings = $24, calc_error = $25, updated_at = $26
			WHERE id = $1`

		args := []any{item.ID, item.QuantityTotal, item.IndexValue, item.CoefficientTotal, item.CurrentUnitPrice}
		args = append(args, totalsArgs(item.Totals)...)
		args = append(args, totalsArgs(item.BaseTotals)...)
		args = append(args, item.LaborHours, item.MachineHours, warnings, item.CalcError, item.UpdatedAt)

		if _, err := q.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to save computed item: %w", err)
		}
		return replaceResources(ctx, q, item)
	})
}

func (r *itemRepository) SetCalcError(ctx context.Context, id uuid.UUID, message string) error {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	if _, err := q.Exec(ctx, `UPDATE estimate_items SET calc_error = $2, updated_at = now() WHERE id = $1`, id, message); err != nil {
		return fmt.Errorf("failed to set calc error: %w", err)
	}
	return nil
}

func (r *itemRepository) ReplaceResources(ctx context.Context, item *models.Item) error {
	return database.RunInTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}
		return replaceResources(ctx, q, item)
	})
}

func (r *itemRepository) SoftDelete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `UPDATE estimate_items SET deleted_at = now(), updated_at = now()
		WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}
	return nil
}

func (r *itemRepository) SoftDeleteBySections(ctx context.Context, sectionIDs []uuid.UUID) error {
	if len(sectionIDs) == 0 {
		return nil
	}
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx, `UPDATE estimate_items SET deleted_at = now(), updated_at = now()
		WHERE section_id = ANY($1) AND deleted_at IS NULL`, sectionIDs)
	if err != nil {
		return fmt.Errorf("failed to delete section items: %w", err)
	}
	return nil
}

func (r *itemRepository) Upsert(ctx context.Context, item *models.Item) error {
	item.UpdatedAt = time.Now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = item.UpdatedAt
	}

	return database.RunInTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}

		args, err := itemArgs(item)
		if err != nil {
			return err
		}
		query := `INSERT INTO estimate_items (` + itemWriteColumns + `) VALUES (` + placeholders(1, len(args)) + `)
			ON CONFLICT (id) DO UPDATE SET
				section_id = EXCLUDED.section_id,
				parent_item_id = EXCLUDED.parent_item_id,
				position_number = EXCLUDED.position_number,
				sort_order = EXCLUDED.sort_order,
				pricing_mode = EXCLUDED.pricing_mode,
				rate_id = EXCLUDED.rate_id,
				collection_id = EXCLUDED.collection_id,
				rate_code = EXCLUDED.rate_code,
				name = EXCLUDED.name,
				unit = EXCLUDED.unit,
				item_type = EXCLUDED.item_type,
				quantity = EXCLUDED.quantity,
				quantity_coefficient = EXCLUDED.quantity_coefficient,
				base_unit_price = EXCLUDED.base_unit_price,
				manual_unit_price = EXCLUDED.manual_unit_price,
				overhead_rate = EXCLUDED.overhead_rate,
				profit_rate = EXCLUDED.profit_rate,
				calc_error = '',
				updated_at = EXCLUDED.updated_at,
				deleted_at = NULL`

		if _, err := q.Exec(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				return apperrors.ErrDuplicatePositionNumber
			}
			return fmt.Errorf("failed to upsert item: %w", err)
		}
		return replaceResources(ctx, q, item)
	})
}

func itemArgs(item *models.Item) ([]any, error) {
	warnings, err := json.Marshal(nonNilStrings(item.CalcWarnings))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal calc warnings: %w", err)
	}
	args := []any{
		item.ID, item.OrganizationID, item.EstimateID, item.SectionID, item.ParentItemID, item.PositionNumber, item.SortOrder,
		item.PricingMode, item.RateID, item.CollectionID, item.RateCode, item.Name, item.Unit, item.ItemType,
		item.Quantity, item.QuantityCoefficient, item.QuantityTotal,
		item.BaseUnitPrice, item.ManualUnitPrice, item.IndexValue, item.CoefficientTotal, item.CurrentUnitPrice,
		item.OverheadRate, item.ProfitRate,
	}
	args = append(args, totalsArgs(item.Totals)...)
	args = append(args, totalsArgs(item.BaseTotals)...)
	args = append(args, item.LaborHours, item.MachineHours, warnings, item.CalcError, item.CreatedAt, item.UpdatedAt)
	return args, nil
}

func replaceResources(ctx context.Context, q database.Querier, item *models.Item) error {
	if _, err := q.Exec(ctx, `DELETE FROM item_resources WHERE item_id = $1`, item.ID); err != nil {
		return fmt.Errorf("failed to clear item resources: %w", err)
	}
	return insertResources(ctx, q, item)
}

func insertResources(ctx context.Context, q database.Querier, item *models.Item) error {
	query := `INSERT INTO item_resources (organization_id, ` + resourceColumns + `) VALUES (` + placeholders(1, 17) + `)`
	for i := range item.Resources {
		line := &item.Resources[i]
		if line.ID == uuid.Nil {
			line.ID = uuid.New()
		}
		line.ItemID = item.ID
		_, err := q.Exec(ctx, query,
			item.OrganizationID, line.ID, line.ItemID, line.ResourceType, line.Code, line.Name, line.Unit, line.SortOrder,
			line.QuantityPerUnit, line.TotalQuantity, line.BaseUnitPrice, line.CurrentUnitPrice,
			line.BaseAmount, line.Amount, line.Hours, line.NotAccounted, line.PriceFlagged,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item resource: %w", err)
		}
	}
	return nil
}

func scanItem(row pgx.Row) (*models.Item, error) {
	var item models.Item
	var warnings []byte
	dest := []any{
		&item.ID, &item.OrganizationID, &item.EstimateID, &item.SectionID, &item.ParentItemID, &item.PositionNumber, &item.SortOrder,
		&item.PricingMode, &item.RateID, &item.CollectionID, &item.RateCode, &item.Name, &item.Unit, &item.ItemType,
		&item.Quantity, &item.QuantityCoefficient, &item.QuantityTotal,
		&item.BaseUnitPrice, &item.ManualUnitPrice, &item.IndexValue, &item.CoefficientTotal, &item.CurrentUnitPrice,
		&item.OverheadRate, &item.ProfitRate,
	}
	dest = append(dest, totalsDest(&item.Totals)...)
	dest = append(dest, totalsDest(&item.BaseTotals)...)
	dest = append(dest, &item.LaborHours, &item.MachineHours, &warnings, &item.CalcError,
		&item.CreatedAt, &item.UpdatedAt, &item.DeletedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &item.CalcWarnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calc warnings: %w", err)
		}
	}
	return &item, nil
}

func scanResource(row pgx.Row) (*models.ResourceLine, error) {
	var l models.ResourceLine
	err := row.Scan(
		&l.ID, &l.ItemID, &l.ResourceType, &l.Code, &l.Name, &l.Unit, &l.SortOrder,
		&l.QuantityPerUnit, &l.TotalQuantity, &l.BaseUnitPrice, &l.CurrentUnitPrice, &l.BaseAmount, &l.Amount, &l.Hours,
		&l.NotAccounted, &l.PriceFlagged,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
