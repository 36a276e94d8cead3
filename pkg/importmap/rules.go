package importmap

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/costing-engine/pkg/models"
)

// CodePattern classifies a row by its rate or resource code.
type CodePattern struct {
	Pattern    string          `yaml:"pattern"`
	ItemType   models.ItemType `yaml:"item_type"`
	Confidence float64         `yaml:"confidence"`

	re *regexp.Regexp
}

// KeywordRule classifies a row by a word in its name.
type KeywordRule struct {
	Keyword    string          `yaml:"keyword"`
	ItemType   models.ItemType `yaml:"item_type"`
	Confidence float64         `yaml:"confidence"`
}

// Rules is the classification rule table.
type Rules struct {
	// Columns lists normalized header keywords for each logical field.
	Columns map[models.ColumnField][]string `yaml:"columns"`
	// RowTypes maps parser-detected row types to item types. The value "section"
	// marks section header rows.
	RowTypes     map[string]string `yaml:"row_types"`
	CodePatterns []CodePattern     `yaml:"code_patterns"`
	Keywords     []KeywordRule     `yaml:"keywords"`
	// DefaultConfidence is used when nothing classifies the row (it is then treated as work).
	DefaultConfidence float64 `yaml:"default_confidence"`
}

const sectionRowType = "section"

// DefaultRules returns the built-in rule table.
func DefaultRules() *Rules {
	r := &Rules{
		Columns: map[models.ColumnField][]string{
			models.ColumnPosition:  {"no", "#", "position", "pos", "item no", "number"},
			models.ColumnCode:      {"code", "rate code", "rate", "cipher", "reference"},
			models.ColumnName:      {"name", "description", "work", "work name", "item"},
			models.ColumnUnit:      {"unit", "uom", "unit of measure", "measure"},
			models.ColumnQuantity:  {"quantity", "qty", "volume"},
			models.ColumnUnitPrice: {"price", "unit price", "rate price", "cost", "unit cost"},
			models.ColumnSection:   {"section", "chapter"},
		},
		RowTypes: map[string]string{
			"work":      string(models.ItemTypeWork),
			"position":  string(models.ItemTypeWork),
			"material":  string(models.ItemTypeMaterial),
			"machinery": string(models.ItemTypeMachinery),
			"machine":   string(models.ItemTypeMachinery),
			"labor":     string(models.ItemTypeLabor),
			"labour":    string(models.ItemTypeLabor),
			"equipment": string(models.ItemTypeEquipment),
			"section":   sectionRowType,
			"chapter":   sectionRowType,
		},
		CodePatterns: []CodePattern{
			{Pattern: `^(GESN|FER|TER)[A-Z]*\d`, ItemType: models.ItemTypeWork, Confidence: 0.9},
			{Pattern: `^(FSSC|TSSC|FSBC)\d`, ItemType: models.ItemTypeMaterial, Confidence: 0.9},
			{Pattern: `^(FSEM|TSEM)\d`, ItemType: models.ItemTypeMachinery, Confidence: 0.9},
			{Pattern: `^\d+-\d+-\d+`, ItemType: models.ItemTypeWork, Confidence: 0.8},
		},
		Keywords: []KeywordRule{
			{Keyword: "concrete", ItemType: models.ItemTypeMaterial, Confidence: 0.7},
			{Keyword: "cement", ItemType: models.ItemTypeMaterial, Confidence: 0.7},
			{Keyword: "brick", ItemType: models.ItemTypeMaterial, Confidence: 0.7},
			{Keyword: "crane", ItemType: models.ItemTypeMachinery, Confidence: 0.75},
			{Keyword: "excavator", ItemType: models.ItemTypeMachinery, Confidence: 0.75},
			{Keyword: "worker", ItemType: models.ItemTypeLabor, Confidence: 0.7},
			{Keyword: "labor", ItemType: models.ItemTypeLabor, Confidence: 0.7},
			{Keyword: "pump", ItemType: models.ItemTypeEquipment, Confidence: 0.65},
			{Keyword: "installation", ItemType: models.ItemTypeWork, Confidence: 0.7},
			{Keyword: "laying", ItemType: models.ItemTypeWork, Confidence: 0.7},
		},
		DefaultConfidence: 0.6,
	}
	if err := r.compile(); err != nil {
		panic(err)
	}
	return r
}

// LoadRules reads a YAML rule table. Sections missing from the file keep their defaults.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read import rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses a YAML rule table over the defaults.
func ParseRules(data []byte) (*Rules, error) {
	var parsed Rules
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse import rules: %w", err)
	}

	r := DefaultRules()
	if len(parsed.Columns) > 0 {
		for field, keywords := range parsed.Columns {
			r.Columns[field] = keywords
		}
	}
	if len(parsed.RowTypes) > 0 {
		r.RowTypes = parsed.RowTypes
	}
	if len(parsed.CodePatterns) > 0 {
		r.CodePatterns = parsed.CodePatterns
	}
	if len(parsed.Keywords) > 0 {
		r.Keywords = parsed.Keywords
	}
	if parsed.DefaultConfidence > 0 {
		r.DefaultConfidence = parsed.DefaultConfidence
	}

	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rules) compile() error {
	for i := range r.CodePatterns {
		p := &r.CodePatterns[i]
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("invalid code pattern %q: %w", p.Pattern, err)
		}
		if !p.ItemType.IsValid() {
			return fmt.Errorf("code pattern %q: unknown item type %q", p.Pattern, p.ItemType)
		}
		p.re = re
	}
	for i := range r.Keywords {
		k := &r.Keywords[i]
		if !k.ItemType.IsValid() {
			return fmt.Errorf("keyword %q: unknown item type %q", k.Keyword, k.ItemType)
		}
		k.Keyword = NormalizeHeader(k.Keyword)
	}
	for field, keywords := range r.Columns {
		for i, kw := range keywords {
			keywords[i] = NormalizeHeader(kw)
		}
		r.Columns[field] = keywords
	}
	for k, v := range r.RowTypes {
		if v != sectionRowType && !models.ItemType(v).IsValid() {
			return fmt.Errorf("row type %q: unknown item type %q", k, v)
		}
	}
	return nil
}

// classify returns the item type for a row and the classification confidence.
// Precedence: parser-detected row type, then code patterns, then name keywords.
func (r *Rules) classify(rowType, code, name string) (itemType string, confidence float64) {
	if rowType != "" {
		if t, ok := r.RowTypes[strings.ToLower(strings.TrimSpace(rowType))]; ok {
			return t, 1.0
		}
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code != "" {
		for _, p := range r.CodePatterns {
			if p.re.MatchString(code) {
				return string(p.ItemType), p.Confidence
			}
		}
	}
	words := strings.Fields(NormalizeHeader(name))
	for _, k := range r.Keywords {
		for _, w := range words {
			if w == k.Keyword {
				return string(k.ItemType), k.Confidence
			}
		}
	}
	return string(models.ItemTypeWork), r.DefaultConfidence
}
