package repositories

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

const (
	totalsColumns     = "materials, machinery, labor, equipment, direct_costs, overhead, profit, amount"
	baseTotalsColumns = "base_materials, base_machinery, base_labor, base_equipment, base_direct_costs, base_overhead, base_profit, base_amount"
)

// totalsDest returns scan destinations for the columns of totalsColumns.
func totalsDest(t *models.CostTotals) []any {
	return []any{&t.Materials, &t.Machinery, &t.Labor, &t.Equipment, &t.Direct, &t.Overhead, &t.Profit, &t.Amount}
}

// totalsArgs returns query arguments in totalsColumns order.
func totalsArgs(t models.CostTotals) []any {
	return []any{t.Materials, t.Machinery, t.Labor, t.Equipment, t.Direct, t.Overhead, t.Profit, t.Amount}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// checkViolation maps a CHECK constraint failure to a validation error, or returns nil.
func checkViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("constraint %s: %w", pgErr.ConstraintName, apperrors.ErrInvalidInput)
	}
	return nil
}

// placeholders returns "$from, $from+1, ..." for n parameters.
func placeholders(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(from + i))
	}
	return b.String()
}
