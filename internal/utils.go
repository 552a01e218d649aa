package internal

import "github.com/netzero-data/disclose"

// StripNone recursively removes nil-valued fields and bookkeeping ids
// from a nested value tree, leaving only the business payload.
func StripNone(data any) any {
	switch v := data.(type) {
	case map[string]any:
		stripped := make(map[string]any, len(v))
		for key, value := range v {
			if value == nil {
				continue
			}
			if _, isID := disclose.IDFields[key]; isID {
				continue
			}
			stripped[key] = StripNone(value)
		}
		return stripped
	case []any:
		stripped := make([]any, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			stripped = append(stripped, StripNone(item))
		}
		return stripped
	case []map[string]any:
		stripped := make([]any, 0, len(v))
		for _, item := range v {
			stripped = append(stripped, StripNone(item))
		}
		return stripped
	default:
		return data
	}
}

// StripNoneValues is the map-rooted convenience wrapper.
func StripNoneValues(values map[string]any) map[string]any {
	stripped, _ := StripNone(values).(map[string]any)
	return stripped
}
