package disclose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttributePath_RoundTrip(t *testing.T) {
	paths := []string{
		"total_emissions",
		"ghg_report.{::0}.total_emissions",
		"ghg_report.{::0}.exclusions.{::1}.pct",
		"ghg_report.{scope:3:0}.total_emissions",
		"ghg_report.{::0}.exclusions.{category:12:2}.reason",
		"targets.{target_type:5:1}.milestones.{::0}.year",
	}
	for _, raw := range paths {
		parsed, err := ParseAttributePath(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, raw, parsed.String(), "String must be the exact inverse of parsing")
	}
}

func TestParseAttributePath_Structure(t *testing.T) {
	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{category:12:2}.reason")
	require.NoError(t, err)

	// The head node is the innermost form; SubPath walks outward.
	assert.Equal(t, "exclusions", p.Form)
	assert.Equal(t, "category", p.Choice.Field)
	require.NotNil(t, p.Choice.Value)
	assert.Equal(t, 12, *p.Choice.Value)
	assert.Equal(t, 2, p.Choice.Index)
	assert.Equal(t, "reason", p.Attribute)

	require.NotNil(t, p.SubPath)
	assert.Equal(t, "ghg_report", p.SubPath.Form)
	assert.Empty(t, p.SubPath.Choice.Field)
	assert.Nil(t, p.SubPath.Choice.Value)
	assert.Equal(t, 0, p.SubPath.Choice.Index)
	assert.Equal(t, "reason", p.SubPath.Attribute)
	assert.Nil(t, p.SubPath.SubPath)
}

func TestParseAttributePath_BareAttribute(t *testing.T) {
	p, err := ParseAttributePath("total_emissions")
	require.NoError(t, err)

	assert.Empty(t, p.Form)
	assert.Equal(t, "total_emissions", p.Attribute)
	assert.Nil(t, p.SubPath)

	// A bare attribute reads straight off the root row.
	v, err := p.Value(map[string]any{"total_emissions": 100})
	require.NoError(t, err)
	assert.Equal(t, 100, v)
}

func TestParseAttributePath_Malformed(t *testing.T) {
	cases := map[string]string{
		"unpaired leading segment":  "orphan.ghg_report.{::0}.total_emissions",
		"two-part choice spec":      "ghg_report.{:0}.total_emissions",
		"four-part choice spec":     "ghg_report.{scope:3:0:9}.total_emissions",
		"value without field":       "ghg_report.{:3:0}.total_emissions",
		"field without value":       "ghg_report.{scope::0}.total_emissions",
		"missing index":             "ghg_report.{scope:3:}.total_emissions",
		"non-integer index":         "ghg_report.{::x}.total_emissions",
		"negative index":            "ghg_report.{::-1}.total_emissions",
		"non-integer choice value":  "ghg_report.{scope:low:0}.total_emissions",
		"choice spec without braces": "ghg_report.scope:3:0.total_emissions",
		"empty attribute":           "ghg_report.{::0}.",
		"empty form":                ".{::0}.total_emissions",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAttributePath(raw)
			require.Error(t, err)
			assert.True(t, IsPathError(err), "expected path_malformed, got %v", err)
		})
	}
}

func exclusionsTree() map[string]any {
	return map[string]any{
		"ghg_report": []any{
			map[string]any{
				"total_emissions": 100,
				"scope":           3,
				"exclusions": []any{
					map[string]any{"pct": 10, "category": 11},
					map[string]any{"pct": 20, "category": 12},
					map[string]any{"pct": 30, "category": 12},
				},
			},
		},
	}
}

func TestAttributePath_Value(t *testing.T) {
	tree := exclusionsTree()

	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{::1}.pct")
	require.NoError(t, err)
	v, err := p.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	p, err = ParseAttributePath("ghg_report.{::0}.total_emissions")
	require.NoError(t, err)
	v, err = p.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 100, v)
}

func TestAttributePath_Value_ChoiceFilter(t *testing.T) {
	tree := exclusionsTree()

	// Second row with category == 12 is the third row overall.
	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{category:12:1}.pct")
	require.NoError(t, err)
	v, err := p.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 30, v)

	// Choice filtering also works against float-decoded trees.
	tree["ghg_report"].([]any)[0].(map[string]any)["exclusions"].([]any)[1].(map[string]any)["category"] = float64(12)
	v, err = p.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}

func TestAttributePath_Value_Errors(t *testing.T) {
	tree := exclusionsTree()

	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{::9}.pct")
	require.NoError(t, err)
	_, err = p.Value(tree)
	require.Error(t, err)
	se, ok := err.(*SubmissionError)
	require.True(t, ok)
	assert.Equal(t, ErrCodePathIndexOutRange, se.Code)

	p, err = ParseAttributePath("ghg_report.{::0}.exclusions.{category:99:0}.pct")
	require.NoError(t, err)
	_, err = p.Value(tree)
	require.Error(t, err)
	se, ok = err.(*SubmissionError)
	require.True(t, ok)
	assert.Equal(t, ErrCodePathChoiceNoMatch, se.Code)

	p, err = ParseAttributePath("ghg_report.{::0}.omissions.{::0}.pct")
	require.NoError(t, err)
	_, err = p.Value(tree)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
}

func TestAttributePath_SetValue(t *testing.T) {
	tree := exclusionsTree()

	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{::1}.pct")
	require.NoError(t, err)
	require.NoError(t, p.SetValue(tree, 25))

	v, err := p.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 25, v)

	// Sibling rows are untouched.
	other, err := ParseAttributePath("ghg_report.{::0}.exclusions.{::0}.pct")
	require.NoError(t, err)
	v, err = other.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
}

func TestAttributePath_RelativeTo(t *testing.T) {
	values := map[string]any{
		"total_emissions": 100,
		"exclusions": []any{
			map[string]any{"pct": 10, "category": 11},
			map[string]any{"pct": 20, "category": 12},
		},
	}

	// A path written through the root form name resolves against the
	// bare value map once the root segment is stripped.
	p, err := ParseAttributePath("ghg_report.{::0}.exclusions.{::0}.pct")
	require.NoError(t, err)
	rel := p.RelativeTo("ghg_report")
	require.NoError(t, rel.SetValue(values, 15))
	got, err := rel.Value(values)
	require.NoError(t, err)
	assert.Equal(t, 15, got)

	// The receiver keeps its full chain.
	assert.Equal(t, "ghg_report.{::0}.exclusions.{::0}.pct", p.String())

	// A root-only path collapses to a bare attribute.
	p, err = ParseAttributePath("ghg_report.{::0}.total_emissions")
	require.NoError(t, err)
	rel = p.RelativeTo("ghg_report")
	assert.Empty(t, rel.Form)
	got, err = rel.Value(values)
	require.NoError(t, err)
	assert.Equal(t, 100, got)

	// A path already relative to the values passes through untouched.
	p, err = ParseAttributePath("exclusions.{::1}.pct")
	require.NoError(t, err)
	assert.Same(t, p, p.RelativeTo("ghg_report"))
	got, err = p.Value(values)
	require.NoError(t, err)
	assert.Equal(t, 20, got)
}
