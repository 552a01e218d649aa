package disclose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tableDefMap map[int]*TableDef

func (m tableDefMap) TableDefByID(id int) (*TableDef, bool) {
	td, ok := m[id]
	return td, ok
}

func schemaFixture() (*TableDef, tableDefMap) {
	requiredView := ColumnView{ConstraintValue: []Constraint{{
		Actions: []ConstraintRule{{Set: map[string]any{"required": true}}},
	}}}
	boundedView := ColumnView{ConstraintValue: []Constraint{{
		Actions: []ConstraintRule{{Set: map[string]any{"min": 0, "max": 100}}},
	}}}

	exclusions := &TableDef{
		ID:        2,
		Name:      "exclusions",
		Heritable: true,
		Columns: []ColumnDef{
			{Name: "category", AttributeType: AttributeTypeSingle, Choices: []Choice{
				{ID: 50, ChoiceID: 11, SetID: 5, Value: "Scope 1"},
				{ID: 51, ChoiceID: 12, SetID: 5, Value: "Scope 2"},
			}},
			{Name: "pct", AttributeType: AttributeTypeFloat, Views: []ColumnView{boundedView}},
			{Name: "reason", AttributeType: AttributeTypeText},
		},
	}
	root := &TableDef{
		ID:   1,
		Name: "ghg_report",
		Columns: []ColumnDef{
			{Name: "reporting_year", AttributeType: AttributeTypeInt, Views: []ColumnView{requiredView}},
			{Name: "total_emissions", AttributeType: AttributeTypeFloatOrNull},
			{Name: "exclusions", AttributeType: AttributeTypeForm, AttributeTypeID: 2},
		},
	}
	return root, tableDefMap{1: root, 2: exclusions}
}

func TestBuildFormSchema(t *testing.T) {
	root, defs := schemaFixture()

	schema, err := BuildFormSchema(root, defs)
	require.NoError(t, err)

	assert.Equal(t, "ghg_report", schema["title"])
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"reporting_year"}, schema["required"])

	props := schema["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "integer"}, props["reporting_year"])

	// *_or_null scalars accept the base type, the null sentinels, and null.
	orNull := props["total_emissions"].(map[string]any)
	require.Contains(t, orNull, "anyOf")
	assert.Len(t, orNull["anyOf"], 3)

	// The heritable sub-form renders as an array of row objects.
	sub := props["exclusions"].(map[string]any)
	assert.Equal(t, "array", sub["type"])
	items := sub["items"].(map[string]any)
	subProps := items["properties"].(map[string]any)
	assert.Equal(t, map[string]any{
		"enum": []any{11, "Scope 1", 12, "Scope 2"},
	}, subProps["category"])
	assert.Equal(t, map[string]any{
		"type": "number", "minimum": 0.0, "maximum": 100.0,
	}, subProps["pct"])
}

func TestBuildFormSchema_CyclicDefinition(t *testing.T) {
	loop := &TableDef{ID: 9, Name: "loop", Columns: []ColumnDef{
		{Name: "self", AttributeType: AttributeTypeForm, AttributeTypeID: 9},
	}}

	_, err := BuildFormSchema(loop, tableDefMap{9: loop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
}

func TestValidateSubmissionValues(t *testing.T) {
	root, defs := schemaFixture()
	schema, err := BuildFormSchema(root, defs)
	require.NoError(t, err)

	valid := map[string]any{
		"reporting_year":  2024,
		"total_emissions": 100.5,
		"exclusions": []any{
			map[string]any{"category": 12, "pct": 20.0, "reason": "immaterial"},
		},
	}
	require.NoError(t, ValidateSubmissionValues(schema, valid))

	sentinel := map[string]any{
		"reporting_year":  2024,
		"total_emissions": "N/A",
	}
	require.NoError(t, ValidateSubmissionValues(schema, sentinel))
}

func TestValidateSubmissionValues_Violations(t *testing.T) {
	root, defs := schemaFixture()
	schema, err := BuildFormSchema(root, defs)
	require.NoError(t, err)

	cases := map[string]map[string]any{
		"missing required field": {"total_emissions": 1.0},
		"wrong scalar type":      {"reporting_year": "twenty-twenty-four"},
		"unknown choice":         {"reporting_year": 2024, "exclusions": []any{map[string]any{"category": 99}}},
		"out-of-bounds pct":      {"reporting_year": 2024, "exclusions": []any{map[string]any{"category": 11, "pct": 120.0}}},
	}
	for name, values := range cases {
		err := ValidateSubmissionValues(schema, values)
		require.Error(t, err, name)
		assert.True(t, IsValidationError(err), name)
	}
}
