package importmap

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/costing-engine/pkg/apperrors"
	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// Confidence model constants.
const (
	MemoryConfidence    = 0.95
	HeuristicConfidence = 0.7
	// missingKeyPenalty is subtracted from heuristic confidence per missing name/quantity column.
	missingKeyPenalty = 0.2
	// badNumberFactor multiplies confidence per numeric cell that could not be parsed.
	badNumberFactor = 0.5
)

// fieldOrder fixes the order fields claim header columns in.
var fieldOrder = []models.ColumnField{
	models.ColumnPosition,
	models.ColumnUnitPrice,
	models.ColumnQuantity,
	models.ColumnUnit,
	models.ColumnCode,
	models.ColumnName,
	models.ColumnSection,
}

var keyFields = []models.ColumnField{models.ColumnName, models.ColumnQuantity}

// Mapping is the column mapping resolved for one header row.
type Mapping struct {
	Signature  string               `json:"signature"`
	Columns    models.ColumnMapping `json:"columns"`
	FromMemory bool                 `json:"from_memory"`
	Confidence float64              `json:"confidence"`
	Missing    []models.ColumnField `json:"missing,omitempty"`
}

// Row is a normalized row together with the headers it was parsed under.
type Row struct {
	Headers []string
	models.ImportRow
}

// Mapper turns normalized rows into item drafts.
type Mapper struct {
	rules *Rules
}

// NewMapper creates a mapper over the given rule table. A nil table uses DefaultRules.
func NewMapper(rules *Rules) *Mapper {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Mapper{rules: rules}
}

// ResolveMapping picks the column mapping for a header row: the organization's confirmed
// mapping when its signature matches, otherwise header keyword heuristics.
func (m *Mapper) ResolveMapping(headers []string, memory *models.ImportMemory) Mapping {
	sig := Signature(headers)
	if memory != nil && memory.Signature == sig && len(memory.ColumnMapping) > 0 {
		return Mapping{
			Signature:  sig,
			Columns:    memory.ColumnMapping.Clone(),
			FromMemory: true,
			Confidence: MemoryConfidence,
		}
	}

	normalized := make([]string, len(headers))
	for i, h := range headers {
		normalized[i] = NormalizeHeader(h)
	}

	cols := make(models.ColumnMapping)
	used := make(map[int]bool)
	// exact matches first, then headers containing a keyword phrase
	for _, exact := range []bool{true, false} {
		for _, field := range fieldOrder {
			if _, ok := cols[field]; ok {
				continue
			}
			if idx, ok := m.matchField(field, normalized, used, exact); ok {
				cols[field] = idx
				used[idx] = true
			}
		}
	}

	mapping := Mapping{Signature: sig, Columns: cols, Confidence: HeuristicConfidence}
	for _, f := range keyFields {
		if _, ok := cols[f]; !ok {
			mapping.Missing = append(mapping.Missing, f)
			mapping.Confidence -= missingKeyPenalty
		}
	}
	if mapping.Confidence < 0 {
		mapping.Confidence = 0
	}
	return mapping
}

func (m *Mapper) matchField(field models.ColumnField, headers []string, used map[int]bool, exact bool) (int, bool) {
	for _, kw := range m.rules.Columns[field] {
		for i, h := range headers {
			if used[i] || h == "" {
				continue
			}
			if exact && h == kw {
				return i, true
			}
			if !exact && containsPhrase(h, kw) {
				return i, true
			}
		}
	}
	return 0, false
}

func containsPhrase(header, phrase string) bool {
	return strings.Contains(" "+header+" ", " "+phrase+" ")
}

// MapRow resolves the mapping for the row's headers and maps the row.
func (m *Mapper) MapRow(row Row, memory *models.ImportMemory) (models.ItemDraft, float64, error) {
	return m.MapRowWith(row.ImportRow, m.ResolveMapping(row.Headers, memory))
}

// MapRowWith maps one row under an already resolved mapping. The returned confidence is
// the mapping confidence times the classification confidence, reduced for unparsable
// numbers. A negative quantity is a validation error.
func (m *Mapper) MapRowWith(row models.ImportRow, mapping Mapping) (models.ItemDraft, float64, error) {
	cell := func(f models.ColumnField) string {
		idx, ok := mapping.Columns[f]
		if !ok || idx < 0 || idx >= len(row.Cells) {
			return ""
		}
		return strings.TrimSpace(row.Cells[idx])
	}

	draft := models.ItemDraft{
		PositionNumber: cell(models.ColumnPosition),
		SectionNumber:  cell(models.ColumnSection),
		RateCode:       cell(models.ColumnCode),
		Name:           cell(models.ColumnName),
		Unit:           cell(models.ColumnUnit),
		Quantity:       decimal.Zero,
		UnitPrice:      decimal.Zero,
	}
	confidence := mapping.Confidence
	for _, f := range mapping.Missing {
		draft.Reasons = append(draft.Reasons, fmt.Sprintf("no %s column", f))
	}

	kind, classConf := m.rules.classify(row.RowType, draft.RateCode, draft.Name)
	confidence *= classConf
	if classConf < 1 {
		draft.Reasons = append(draft.Reasons, fmt.Sprintf("classified as %s with confidence %.2f", kind, classConf))
	}

	if kind == sectionRowType {
		draft.IsSection = true
		if draft.SectionNumber == "" {
			draft.SectionNumber = draft.PositionNumber
		}
		return draft, confidence, nil
	}
	draft.ItemType = models.ItemType(kind)

	if raw := cell(models.ColumnQuantity); raw != "" {
		q, err := ParseNumber(raw)
		if err != nil {
			confidence *= badNumberFactor
			draft.Reasons = append(draft.Reasons, fmt.Sprintf("unparsable quantity %q", raw))
		} else if q.IsNegative() {
			return draft, 0, apperrors.ErrNegativeQuantity
		} else {
			draft.Quantity = q
		}
	} else {
		confidence *= badNumberFactor
		draft.Reasons = append(draft.Reasons, "empty quantity")
	}

	if raw := cell(models.ColumnUnitPrice); raw != "" {
		p, err := ParseNumber(raw)
		if err != nil {
			confidence *= badNumberFactor
			draft.Reasons = append(draft.Reasons, fmt.Sprintf("unparsable price %q", raw))
		} else {
			draft.UnitPrice = p
		}
	}

	if draft.Name == "" {
		confidence *= badNumberFactor
		draft.Reasons = append(draft.Reasons, "empty name")
	}

	return draft, confidence, nil
}

// ParseNumber parses a spreadsheet number, accepting space or apostrophe thousands
// separators and a decimal comma.
func ParseNumber(s string) (decimal.Decimal, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, s)
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		// The separator that comes last is the decimal one; the other groups thousands.
		decimalSep, groupSep := ".", ","
		if lastComma > lastDot {
			decimalSep, groupSep = ",", "."
		}
		if strings.Count(s, decimalSep) != 1 || !validGrouping(s[:strings.Index(s, decimalSep)], groupSep) {
			return decimal.Decimal{}, fmt.Errorf("ambiguous number %q", s)
		}
		s = strings.ReplaceAll(s, groupSep, "")
		s = strings.Replace(s, decimalSep, ".", 1)
	case lastComma >= 0:
		s = strings.ReplaceAll(s, ",", ".")
	}
	return decimal.NewFromString(s)
}

// validGrouping reports whether every group after the first has exactly three digits.
func validGrouping(intPart, sep string) bool {
	groups := strings.Split(intPart, sep)
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	lead := strings.TrimLeft(groups[0], "+-")
	return lead != "" && len(lead) <= 3
}
