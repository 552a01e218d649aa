package internal

import (
	"fmt"
	"strconv"

	"github.com/netzero-data/disclose"
)

// Converter re-encodes multi-select values between their API shape (a
// flat list of choice ids or free-text entries) and the two-column
// sub-form rows they are persisted as. A free-text entry is stored with
// the integer half pinned to -1 so the read side can tell the encodings
// apart.
type Converter struct{}

// NewConverter creates a Converter.
func NewConverter() *Converter {
	return &Converter{}
}

// MultipleToForm converts a multi-select value list into sub-form rows
// for the attribute's heritable table. Empty non-integer entries are
// dropped.
func (c *Converter) MultipleToForm(values []any, attrName string) []map[string]any {
	intName := attrName + "_int"
	textName := attrName + "_text"
	rows := make([]map[string]any, 0, len(values))
	for _, value := range values {
		if n, ok := toInt(value); ok {
			rows = append(rows, map[string]any{intName: n, textName: ""})
			continue
		}
		text := fmt.Sprintf("%v", value)
		if value == nil || text == "" {
			continue
		}
		rows = append(rows, map[string]any{intName: -1, textName: text})
	}
	return rows
}

// FormToMultiple converts sub-form rows back into the flat multi-select
// list. Bookkeeping fields are skipped; any other unknown field means
// the rows do not belong to this attribute. The integer half of a pair
// is read before the text half so the output order is stable.
func (c *Converter) FormToMultiple(rows []map[string]any, attrName string) ([]any, error) {
	intName := attrName + "_int"
	textName := attrName + "_text"
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		for field := range row {
			switch field {
			case intName, textName, "id", "obj_id", "value_id", "prompt":
			default:
				return nil, disclose.NewInternalError(
					fmt.Sprintf("unexpected field name: %s", field), nil)
			}
		}
		if fieldValue := row[intName]; fieldValue != nil {
			n, ok := toInt(fieldValue)
			if !ok {
				return nil, disclose.NewInternalError(
					fmt.Sprintf("non-integer value in field '%s': %v", intName, fieldValue), nil)
			}
			if n != -1 {
				values = append(values, n)
			}
		}
		if fieldValue := row[textName]; fieldValue != nil {
			if text := fmt.Sprintf("%v", fieldValue); text != "" {
				values = append(values, text)
			}
		}
	}
	return values, nil
}

// toInt normalizes integer representations across decoded JSON and
// database scans. True integers only; strings are not coerced here.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case float32:
		if float64(n) == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// toIntLoose additionally accepts numeric strings; the search and
// revision paths receive choice ids both ways.
func toIntLoose(v any) (int, bool) {
	if n, ok := toInt(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
	}
	return 0, false
}
