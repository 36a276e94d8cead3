// Package costing holds the pure pricing arithmetic: per-item cost calculation and
// hierarchical rollup. Nothing in this package touches the database.
package costing

import (
	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// Decimal places used at the persistence boundary.
const (
	MoneyPlaces    int32 = 2
	QuantityPlaces int32 = 4
	PricePlaces    int32 = 4
	IndexPlaces    int32 = 4
)

// Warning codes attached to items.
const (
	WarnZeroOrNegativePrice = "zero_or_negative_price"
	WarnNegativeTotal       = "negative_total"
)

var one = decimal.NewFromInt(1)

// Input is everything needed to price one item.
type Input struct {
	Item *models.Item
	// Rate is the bound normative rate, nil for manual pricing.
	Rate *models.NormativeRate
	// Resources are the item's resource lines. When empty the rate's base
	// components (or the item's own unit price) form implicit lines.
	Resources        []models.ResourceLine
	Indices          models.IndexSet
	CoefficientTotal decimal.Decimal
	OrgRates         models.OrgRates
}

// line is one computed cost component. Explicit lines map back to Input.Resources.
type line struct {
	resource models.ResourceLine
	explicit bool
}

// Result is the unrounded cost breakdown of one item.
type Result struct {
	QuantityTotal    decimal.Decimal
	Current          models.CostTotals
	Base             models.CostTotals
	LaborHours       decimal.Decimal
	MachineHours     decimal.Decimal
	IndexValue       decimal.Decimal
	CoefficientTotal decimal.Decimal
	CurrentUnitPrice decimal.Decimal
	Warnings         []string

	overheadRate decimal.Decimal
	profitRate   decimal.Decimal
	lines        []line
}

// Lines returns the computed explicit resource lines, in input order.
func (r Result) Lines() []models.ResourceLine {
	out := make([]models.ResourceLine, 0, len(r.lines))
	for _, l := range r.lines {
		if l.explicit {
			out = append(out, l.resource)
		}
	}
	return out
}

// Calculate prices one item. The steps run in a fixed order so results are reproducible:
// quantity total, per-line base cost, aggregation by resource type, indexation and
// coefficients, direct cost, overhead on direct, profit on direct plus overhead, total.
// A negative quantity is the only failure; zero prices and negative totals are warnings.
func Calculate(in Input) (Result, error) {
	item := in.Item

	qc := item.QuantityCoefficient
	if qc.IsZero() {
		qc = one
	}
	if item.Quantity.IsNegative() || qc.IsNegative() {
		return Result{}, apperrors.ErrNegativeQuantity
	}
	for _, r := range in.Resources {
		if r.QuantityPerUnit.IsNegative() {
			return Result{}, apperrors.ErrNegativeQuantity
		}
	}

	coef := in.CoefficientTotal
	if coef.IsZero() {
		coef = one
	}

	res := Result{
		QuantityTotal:    item.Quantity.Mul(qc),
		CoefficientTotal: coef,
		overheadRate:     pickRate(item.OverheadRate, in.OrgRates.OverheadRate),
		profitRate:       pickRate(item.ProfitRate, in.OrgRates.ProfitRate),
	}

	for _, l := range buildLines(in) {
		r := l.resource
		index := in.Indices.For(r.ResourceType)
		if index.IsZero() {
			index = one
		}
		if !l.explicit && in.Rate == nil {
			// Manual prices are already current; only coefficients apply.
			index = one
		}

		r.TotalQuantity = r.QuantityPerUnit.Mul(res.QuantityTotal)
		r.BaseAmount = r.TotalQuantity.Mul(r.BaseUnitPrice)
		r.CurrentUnitPrice = r.BaseUnitPrice.Mul(index).Mul(coef)
		r.Amount = r.BaseAmount.Mul(index).Mul(coef)
		if !l.explicit && in.Rate == nil && !item.ManualUnitPrice.IsZero() {
			r.CurrentUnitPrice = item.ManualUnitPrice.Mul(coef)
			r.Amount = r.TotalQuantity.Mul(r.CurrentUnitPrice)
		}

		r.PriceFlagged = !r.BaseUnitPrice.IsPositive() && !r.CurrentUnitPrice.IsPositive()
		if l.explicit {
			r.PriceFlagged = !r.BaseUnitPrice.IsPositive()
		}
		if r.PriceFlagged {
			res.Warnings = append(res.Warnings, WarnZeroOrNegativePrice+":"+lineLabel(r))
		}

		if !r.NotAccounted {
			addToCategory(&res.Current, r.ResourceType, r.Amount)
			addToCategory(&res.Base, r.ResourceType, r.BaseAmount)
			switch r.ResourceType {
			case models.ResourceTypeLabor:
				res.LaborHours = res.LaborHours.Add(r.Hours.Mul(res.QuantityTotal))
			case models.ResourceTypeMachinery:
				res.MachineHours = res.MachineHours.Add(r.Hours.Mul(res.QuantityTotal))
			}
		}

		l.resource = r
		res.lines = append(res.lines, l)
	}

	if len(in.Resources) == 0 && in.Rate != nil {
		if !in.Rate.LaborHours.IsZero() {
			res.LaborHours = in.Rate.LaborHours.Mul(res.QuantityTotal)
		}
		if !in.Rate.MachineHours.IsZero() {
			res.MachineHours = in.Rate.MachineHours.Mul(res.QuantityTotal)
		}
	}

	layer(&res.Current, res.overheadRate, res.profitRate)
	layer(&res.Base, res.overheadRate, res.profitRate)

	res.IndexValue = compositeIndex(res.Current.Direct, res.Base.Direct, coef)
	if !res.QuantityTotal.IsZero() {
		res.CurrentUnitPrice = res.Current.Amount.Div(res.QuantityTotal)
	}
	if res.Current.Amount.IsNegative() {
		res.Warnings = append(res.Warnings, WarnNegativeTotal)
	}

	return res, nil
}

// buildLines returns the lines to price: the explicit resources if any, otherwise
// implicit lines from the rate's base components, otherwise one line from the item's
// own unit price.
func buildLines(in Input) []line {
	if len(in.Resources) > 0 {
		out := make([]line, len(in.Resources))
		for i, r := range in.Resources {
			out[i] = line{resource: r, explicit: true}
		}
		return out
	}

	if rate := in.Rate; rate != nil {
		components := []struct {
			t     models.ResourceType
			price decimal.Decimal
		}{
			{models.ResourceTypeMaterial, rate.BaseMaterials},
			{models.ResourceTypeMachinery, rate.BaseMachinery},
			{models.ResourceTypeLabor, rate.BaseLabor},
			{models.ResourceTypeEquipment, rate.BaseEquipment},
		}
		var out []line
		for _, c := range components {
			if c.price.IsZero() {
				continue
			}
			out = append(out, line{resource: implicitLine(c.t, rate.Code, c.price)})
		}
		if len(out) == 0 && !rate.BaseCost.IsZero() {
			out = append(out, line{resource: implicitLine(models.ResourceTypeMaterial, rate.Code, rate.BaseCost)})
		}
		return out
	}

	return []line{{resource: implicitLine(in.Item.ItemType.ResourceType(), in.Item.PositionNumber, in.Item.BaseUnitPrice)}}
}

func implicitLine(t models.ResourceType, code string, price decimal.Decimal) models.ResourceLine {
	return models.ResourceLine{
		ResourceType:    t,
		Code:            code,
		QuantityPerUnit: one,
		BaseUnitPrice:   price,
	}
}

func addToCategory(t *models.CostTotals, rt models.ResourceType, amount decimal.Decimal) {
	switch rt {
	case models.ResourceTypeMachinery:
		t.Machinery = t.Machinery.Add(amount)
	case models.ResourceTypeLabor:
		t.Labor = t.Labor.Add(amount)
	case models.ResourceTypeEquipment:
		t.Equipment = t.Equipment.Add(amount)
	default:
		t.Materials = t.Materials.Add(amount)
	}
}

// layer fills direct, overhead, profit and amount from the category columns.
// Profit is charged on direct cost plus overhead.
func layer(t *models.CostTotals, overheadRate, profitRate decimal.Decimal) {
	t.Direct = t.Materials.Add(t.Machinery).Add(t.Labor).Add(t.Equipment)
	t.Overhead = t.Direct.Mul(overheadRate)
	t.Profit = t.Direct.Add(t.Overhead).Mul(profitRate)
	t.Amount = t.Direct.Add(t.Overhead).Add(t.Profit)
}

func pickRate(override decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if override.Valid {
		return override.Decimal
	}
	return def
}

// compositeIndex is the effective index of the item: current direct over coefficient-adjusted base direct.
func compositeIndex(current, base, coef decimal.Decimal) decimal.Decimal {
	if base.IsZero() || coef.IsZero() {
		return one
	}
	return current.Div(base.Mul(coef))
}

func lineLabel(r models.ResourceLine) string {
	if r.Code != "" {
		return r.Code
	}
	return r.Name
}

// Rounded returns the result rounded for persistence. Category columns are the sums
// of rounded accounted line amounts, so direct cost equals the resource-line sum exactly;
// amount is the sum of the rounded direct, overhead and profit.
func (r Result) Rounded() Result {
	out := r
	out.QuantityTotal = r.QuantityTotal.Round(QuantityPlaces)
	out.LaborHours = r.LaborHours.Round(QuantityPlaces)
	out.MachineHours = r.MachineHours.Round(QuantityPlaces)
	out.IndexValue = r.IndexValue.Round(IndexPlaces)
	out.CoefficientTotal = r.CoefficientTotal.Round(IndexPlaces)
	out.Warnings = append([]string(nil), r.Warnings...)

	var cur, base models.CostTotals
	out.lines = make([]line, len(r.lines))
	for i, l := range r.lines {
		res := l.resource
		res.QuantityPerUnit = res.QuantityPerUnit.Round(QuantityPlaces)
		res.TotalQuantity = res.TotalQuantity.Round(QuantityPlaces)
		res.BaseUnitPrice = res.BaseUnitPrice.Round(PricePlaces)
		res.CurrentUnitPrice = res.CurrentUnitPrice.Round(PricePlaces)
		res.BaseAmount = res.BaseAmount.Round(MoneyPlaces)
		res.Amount = res.Amount.Round(MoneyPlaces)
		res.Hours = res.Hours.Round(QuantityPlaces)
		if !res.NotAccounted {
			addToCategory(&cur, res.ResourceType, res.Amount)
			addToCategory(&base, res.ResourceType, res.BaseAmount)
		}
		out.lines[i] = line{resource: res, explicit: l.explicit}
	}

	out.Current = roundLayer(cur, r.Current)
	out.Base = roundLayer(base, r.Base)
	if out.QuantityTotal.IsZero() {
		out.CurrentUnitPrice = decimal.Zero.Round(PricePlaces)
	} else {
		out.CurrentUnitPrice = out.Current.Amount.Div(out.QuantityTotal).Round(PricePlaces)
	}
	return out
}

// roundLayer combines rounded category sums with the rounded overhead and profit
// of the unrounded computation.
func roundLayer(categories, unrounded models.CostTotals) models.CostTotals {
	t := models.CostTotals{
		Materials: categories.Materials.Round(MoneyPlaces),
		Machinery: categories.Machinery.Round(MoneyPlaces),
		Labor:     categories.Labor.Round(MoneyPlaces),
		Equipment: categories.Equipment.Round(MoneyPlaces),
		Overhead:  unrounded.Overhead.Round(MoneyPlaces),
		Profit:    unrounded.Profit.Round(MoneyPlaces),
	}
	t.Direct = t.Materials.Add(t.Machinery).Add(t.Labor).Add(t.Equipment)
	t.Amount = t.Direct.Add(t.Overhead).Add(t.Profit)
	return t
}

// Apply copies a rounded result onto the item. Explicit resource lines replace item.Resources.
// The frozen base unit price is never touched.
func (r Result) Apply(item *models.Item) {
	item.QuantityTotal = r.QuantityTotal
	item.IndexValue = r.IndexValue
	item.CoefficientTotal = r.CoefficientTotal
	item.CurrentUnitPrice = r.CurrentUnitPrice
	item.Totals = r.Current
	item.BaseTotals = r.Base
	item.LaborHours = r.LaborHours
	item.MachineHours = r.MachineHours
	item.CalcWarnings = r.Warnings
	item.CalcError = ""
	if len(item.Resources) > 0 {
		item.Resources = r.Lines()
	}
}
