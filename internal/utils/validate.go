package utils

import (
	"encoding/json"
	"strings"
)

// MissingFieldsError lists every required field that was absent or empty.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "Invalid request. Please supply the fields '" + strings.Join(e.Fields, "', '") + "'."
}

// RequireFields checks that body carries a non-empty value for every field.
// Missing fields are reported all at once, in the order they were requested.
// See IsPresent for what counts as empty.
func RequireFields(body map[string]any, fields ...string) error {
	var missing []string
	for _, field := range fields {
		if !IsPresent(body[field]) {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}
	return nil
}

// IsPresent applies the presence rule for a decoded JSON value:
//   - nil: never present
//   - string: non-empty after trimming whitespace
//   - array: at least one element
//   - object: at least one key
//   - number: non-zero
//   - bool: true
func IsPresent(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case bool:
		return val
	default:
		return true
	}
}
