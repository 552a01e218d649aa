package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzero-data/disclose"
)

func TestFlatten_NestedForm(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	tables, err := NewFlattener(cache).Flatten(33, root, 1, reportValues())
	require.NoError(t, err)
	require.Len(t, tables, 2)

	// Sub-form rows come first so referenced form ids already exist.
	assert.Equal(t, "exclusions", tables[0].Table)
	require.Len(t, tables[0].Rows, 2)
	assert.Equal(t, map[string]any{
		"obj_id": 33, "value_id": 1, "category": 11, "pct": 10.0,
	}, tables[0].Rows[0])
	assert.Equal(t, map[string]any{
		"obj_id": 33, "value_id": 1, "category": 12, "pct": 20.0, "reason": "immaterial",
	}, tables[0].Rows[1])

	assert.Equal(t, "ghg_report", tables[1].Table)
	require.Len(t, tables[1].Rows, 1)
	assert.Equal(t, map[string]any{
		"obj_id": 33, "reporting_year": 2024, "total_emissions": 100.0,
		"disclosure_source": "CDP", "data_model": "v1", "exclusions": 1,
	}, tables[1].Rows[0])
}

func TestFlatten_MissingRequiredField(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	values := reportValues()
	delete(values, "reporting_year")

	_, err := NewFlattener(cache).Flatten(33, root, 1, values)
	require.Error(t, err)
	verrs, ok := err.(*disclose.ValidationErrors)
	require.True(t, ok)
	require.Len(t, verrs.Errors, 1)
	assert.Equal(t, disclose.ErrCodeRequiredFieldMissing, verrs.Errors[0].Code)
	assert.Equal(t, "reporting_year", verrs.Errors[0].Field)
}

func TestFlatten_UnknownFieldRejected(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	values := reportValues()
	values["bogus_field"] = 1

	_, err := NewFlattener(cache).Flatten(33, root, 1, values)
	require.Error(t, err)
	verrs, ok := err.(*disclose.ValidationErrors)
	require.True(t, ok)
	require.Len(t, verrs.Errors, 1)
	assert.Equal(t, disclose.ErrCodeColumnNotFound, verrs.Errors[0].Code)
}

func TestFlatten_NullSentinelSubForm(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	values := reportValues()
	values["exclusions"] = string(disclose.NullStateNotApplicable)

	tables, err := NewFlattener(cache).Flatten(33, root, 1, values)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "ghg_report", tables[0].Table)
	assert.Equal(t, "N/A", tables[0].Rows[0]["exclusions"])
}

// Flattening and reassembly must be exact inverses of each other.
func TestFlattenAssemble_RoundTrip(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	tables, err := NewFlattener(cache).Flatten(33, root, 1, reportValues())
	require.NoError(t, err)

	storage := make(FormStorage)
	for _, table := range tables {
		ft, ok := cache.FormTable(table.Table)
		require.True(t, ok)
		storage[ft.Name] = append(storage[ft.Name], table.Rows...)
	}

	values, units, err := NewFormAssembler(cache, nil).Assemble(root, storage)
	require.NoError(t, err)
	require.Len(t, values, 1)
	tree := values[0]

	assert.Equal(t, 2024, tree["reporting_year"])
	assert.Equal(t, 100.0, tree["total_emissions"])
	assert.Equal(t, "CDP", tree["disclosure_source"])

	exclusions, ok := tree["exclusions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, exclusions, 2)
	assert.Equal(t, 11, exclusions[0]["category"])
	assert.Equal(t, 10.0, exclusions[0]["pct"])
	assert.Equal(t, 12, exclusions[1]["category"])
	assert.Equal(t, "immaterial", exclusions[1]["reason"])

	require.Len(t, units, 1)
	assert.Equal(t, "tCO2e", units[0]["total_emissions"])
}

// Sibling heritable rows keep the value_id the parent row references
// even when each sibling allocates nested sub-form groups of its own.
func TestFlattenAssemble_NestedHeritableRoundTrip(t *testing.T) {
	cache := newDeepTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	values := map[string]any{
		"reporting_year": 2024,
		"exclusions": []any{
			map[string]any{
				"category": 11, "pct": 10.0,
				"details": []any{
					map[string]any{"source": "plant A", "amount": 1.5},
				},
			},
			map[string]any{
				"category": 12, "pct": 20.0,
				"details": []any{
					map[string]any{"source": "plant B", "amount": 2.5},
					map[string]any{"source": "plant C", "amount": 3.5},
				},
			},
		},
	}

	tables, err := NewFlattener(cache).Flatten(33, root, 1, values)
	require.NoError(t, err)

	storage := make(FormStorage)
	var exclusionRows []map[string]any
	for _, table := range tables {
		ft, ok := cache.FormTable(table.Table)
		require.True(t, ok)
		storage[ft.Name] = append(storage[ft.Name], table.Rows...)
		if table.Table == "exclusions" {
			exclusionRows = append(exclusionRows, table.Rows...)
		}
	}

	// Both siblings carry the value_id the parent row stores.
	require.Len(t, exclusionRows, 2)
	assert.Equal(t, exclusionRows[0]["value_id"], exclusionRows[1]["value_id"])

	assembled, _, err := NewFormAssembler(cache, nil).Assemble(root, storage)
	require.NoError(t, err)
	require.Len(t, assembled, 1)

	exclusions, ok := assembled[0]["exclusions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, exclusions, 2)

	first, ok := exclusions[0]["details"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, first, 1)
	assert.Equal(t, "plant A", first[0]["source"])

	second, ok := exclusions[1]["details"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, second, 2)
	assert.Equal(t, 2.5, second[0]["amount"])
	assert.Equal(t, "plant C", second[1]["source"])
}

// An attribute path resolved against the reassembled tree must land on
// the same value the submission carried.
func TestRoundTrip_AttributePathValue(t *testing.T) {
	cache := newTestCache()
	root, _ := cache.TableDefByName("ghg_report")

	tables, err := NewFlattener(cache).Flatten(33, root, 1, reportValues())
	require.NoError(t, err)

	storage := make(FormStorage)
	for _, table := range tables {
		ft, _ := cache.FormTable(table.Table)
		storage[ft.Name] = append(storage[ft.Name], table.Rows...)
	}
	values, _, err := NewFormAssembler(cache, nil).Assemble(root, storage)
	require.NoError(t, err)

	tree := map[string]any{"ghg_report": values[0]}

	path, err := disclose.ParseAttributePath("ghg_report.{::0}.exclusions.{category:12:0}.pct")
	require.NoError(t, err)
	got, err := path.Value(tree)
	require.NoError(t, err)
	assert.Equal(t, 20.0, got)
}
