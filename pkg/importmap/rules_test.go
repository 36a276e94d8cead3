package importmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/costing-engine/pkg/models"
)

func TestLoadRules_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
columns:
  quantity: ["vol", "volumes"]
keywords:
  - keyword: "Rebars"
    item_type: material
    confidence: 0.85
default_confidence: 0.5
`), 0644))

	rules, err := LoadRules(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"vol", "volume"}, rules.Columns[models.ColumnQuantity])
	assert.NotEmpty(t, rules.Columns[models.ColumnName], "unlisted columns keep defaults")
	require.Len(t, rules.Keywords, 1)
	assert.Equal(t, "rebar", rules.Keywords[0].Keyword)
	assert.InDelta(t, 0.5, rules.DefaultConfidence, 1e-9)
	assert.NotEmpty(t, rules.CodePatterns)

	kind, conf := rules.classify("", "", "steel rebar 12mm")
	assert.Equal(t, string(models.ItemTypeMaterial), kind)
	assert.InDelta(t, 0.85, conf, 1e-9)
}

func TestParseRules_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":      "columns: [",
		"bad regex":     "code_patterns:\n  - pattern: \"(\"\n    item_type: work\n",
		"bad item type": "keywords:\n  - keyword: x\n    item_type: spaceship\n",
		"bad row type":  "row_types:\n  foo: bar\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
