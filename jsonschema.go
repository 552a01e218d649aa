package disclose

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// TableDefLookup resolves nested table definitions while a form schema is
// being expanded. FORM, FORM_OR_NULL and MULTIPLE columns reference their
// nested definition by attribute type id.
type TableDefLookup interface {
	TableDefByID(id int) (*TableDef, bool)
}

// BuildFormSchema renders a table definition as a JSON-Schema document:
// objects for single sub-forms, arrays of objects for heritable ones,
// enums from choice sets, numeric bounds from constraint values. The
// *_or_null variants additionally accept the null sentinels and null.
func BuildFormSchema(td *TableDef, defs TableDefLookup) (map[string]any, error) {
	visited := make(map[int]bool)
	body, err := buildFormObject(td, defs, visited)
	if err != nil {
		return nil, err
	}
	body["$schema"] = "https://json-schema.org/draft/2020-12/schema"
	body["title"] = td.Name
	return body, nil
}

func buildFormObject(td *TableDef, defs TableDefLookup, visited map[int]bool) (map[string]any, error) {
	if visited[td.ID] {
		return nil, NewInternalError(
			fmt.Sprintf("cyclic form definition detected at table def '%s'", td.Name), nil)
	}
	visited[td.ID] = true
	defer delete(visited, td.ID)

	properties := make(map[string]any, len(td.Columns))
	var required []string
	for i := range td.Columns {
		col := &td.Columns[i]
		prop, err := buildColumnSchema(col, defs, visited)
		if err != nil {
			return nil, err
		}
		properties[col.Name] = prop
		if len(col.Views) > 0 {
			if r := col.Views[0].RequiredConstraint(); r != nil && *r {
				required = append(required, col.Name)
			}
		}
	}

	object := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		object["required"] = required
	}
	if td.Heritable {
		return map[string]any{"type": "array", "items": object}, nil
	}
	return object, nil
}

func buildColumnSchema(col *ColumnDef, defs TableDefLookup, visited map[int]bool) (map[string]any, error) {
	switch col.AttributeType {
	case AttributeTypeLabel, AttributeTypeText:
		return applyBounds(map[string]any{"type": "string"}, col), nil
	case AttributeTypeBool:
		return map[string]any{"type": "boolean"}, nil
	case AttributeTypeInt:
		return applyBounds(map[string]any{"type": "integer"}, col), nil
	case AttributeTypeFloat:
		return applyBounds(map[string]any{"type": "number"}, col), nil
	case AttributeTypeDatetime:
		return map[string]any{"type": "string", "format": "date-time"}, nil
	case AttributeTypeSingle:
		return map[string]any{"enum": choiceEnum(col.Choices)}, nil
	case AttributeTypeMultiple:
		nested, ok := defs.TableDefByID(col.AttributeTypeID)
		if ok {
			return nestedFormSchema(nested, defs, visited, false)
		}
		// Plain multi-select with no nested definition: a list of
		// choice values.
		return map[string]any{
			"type":  "array",
			"items": map[string]any{"enum": choiceEnum(col.Choices)},
		}, nil
	case AttributeTypeForm:
		nested, ok := defs.TableDefByID(col.AttributeTypeID)
		if !ok {
			return nil, NewColumnNotFoundError(col.Name).
				WithDetail("attribute_type_id", col.AttributeTypeID)
		}
		return nestedFormSchema(nested, defs, visited, false)
	case AttributeTypeFormOrNull:
		nested, ok := defs.TableDefByID(col.AttributeTypeID)
		if !ok {
			return nil, NewColumnNotFoundError(col.Name).
				WithDetail("attribute_type_id", col.AttributeTypeID)
		}
		return nestedFormSchema(nested, defs, visited, true)
	case AttributeTypeIntOrNull:
		return orNullSchema(applyBounds(map[string]any{"type": "integer"}, col)), nil
	case AttributeTypeFloatOrNull:
		return orNullSchema(applyBounds(map[string]any{"type": "number"}, col)), nil
	case AttributeTypeTextOrNull:
		return orNullSchema(applyBounds(map[string]any{"type": "string"}, col)), nil
	case AttributeTypeBoolOrNull:
		return orNullSchema(map[string]any{"type": "boolean"}), nil
	default:
		return nil, NewInternalError(
			fmt.Sprintf("unknown attribute type '%s' on column '%s'", col.AttributeType, col.Name), nil)
	}
}

func nestedFormSchema(nested *TableDef, defs TableDefLookup, visited map[int]bool, nullable bool) (map[string]any, error) {
	body, err := buildFormObject(nested, defs, visited)
	if err != nil {
		return nil, err
	}
	if !nullable {
		return body, nil
	}
	return orNullSchema(body), nil
}

// orNullSchema widens a schema to also accept the null sentinels and
// JSON null.
func orNullSchema(base map[string]any) map[string]any {
	sentinels := make([]any, 0, 3)
	for _, s := range NullStates() {
		sentinels = append(sentinels, string(s))
	}
	return map[string]any{
		"anyOf": []any{
			base,
			map[string]any{"enum": sentinels},
			map[string]any{"type": "null"},
		},
	}
}

// choiceEnum lists the accepted encodings of a choice set: the wire
// value is the choice id, but assembled trees carry display strings, so
// both are valid.
func choiceEnum(choices []Choice) []any {
	values := make([]any, 0, 2*len(choices))
	for _, c := range choices {
		values = append(values, c.ChoiceID, c.Value)
	}
	return values
}

// applyBounds copies min/max constraint actions onto a scalar schema.
func applyBounds(schema map[string]any, col *ColumnDef) map[string]any {
	for _, view := range col.Views {
		for _, constraint := range view.ConstraintValue {
			for _, action := range constraint.Actions {
				if action.Set == nil {
					continue
				}
				if min, ok := asFloat(action.Set["min"]); ok {
					if schema["type"] == "string" {
						schema["minLength"] = int(min)
					} else {
						schema["minimum"] = min
					}
				}
				if max, ok := asFloat(action.Set["max"]); ok {
					if schema["type"] == "string" {
						schema["maxLength"] = int(max)
					} else {
						schema["maximum"] = max
					}
				}
			}
		}
	}
	return schema
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ValidateSubmissionValues checks an incoming value tree against a form
// schema produced by BuildFormSchema. Violations come back as a
// constraint error wrapping the underlying schema failure.
func ValidateSubmissionValues(schemaDoc map[string]any, values map[string]any) error {
	schemaBytes, err := json.Marshal(schemaDoc)
	if err != nil {
		return NewInternalError("failed to marshal form schema for validation", err)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaBytes, &schema); err != nil {
		return NewInternalError("failed to decode form schema for validation", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return NewInternalError("failed to resolve form schema", err)
	}

	// Round-trip through JSON so typed Go values compare the way a
	// decoded request body would.
	valueBytes, err := json.Marshal(values)
	if err != nil {
		return NewInternalError("failed to marshal submission values for validation", err)
	}
	var decoded any
	if err := json.Unmarshal(valueBytes, &decoded); err != nil {
		return NewInternalError("failed to decode submission values for validation", err)
	}

	if err := resolved.Validate(decoded); err != nil {
		return NewConstraintError("", "submission values do not conform to the form schema").
			WithCause(err)
	}
	return nil
}
