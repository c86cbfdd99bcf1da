package validation

import (
	"encoding/json"
	"strings"

	"github.com/modelexchange/mxf/pkg/models"
)

// schemaShape is the slice of a JSON-Schema object this package's
// auto-correction stage understands: per-property bounds, enum values,
// and defaults.
type schemaShape struct {
	Properties map[string]struct {
		Type    string   `json:"type"`
		Minimum *float64 `json:"minimum"`
		Maximum *float64 `json:"maximum"`
		Enum    []string `json:"enum"`
		Default any      `json:"default"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// autoCorrect implements stage 6: deterministic fixes applied only when
// every remaining error is non-high. It returns the corrected input and
// whether any correction was applied.
func autoCorrect(raw json.RawMessage, input map[string]any) (map[string]any, bool) {
	var shape schemaShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return input, false
	}

	corrected := make(map[string]any, len(input))
	for k, v := range input {
		corrected[k] = v
	}

	changed := false
	for name, prop := range shape.Properties {
		v, present := corrected[name]
		if !present {
			if prop.Default != nil {
				corrected[name] = prop.Default
				changed = true
			}
			continue
		}

		if n, ok := asFloat(v); ok {
			if prop.Minimum != nil && n < *prop.Minimum {
				corrected[name] = *prop.Minimum
				changed = true
			} else if prop.Maximum != nil && n > *prop.Maximum {
				corrected[name] = *prop.Maximum
				changed = true
			}
		}

		if s, ok := v.(string); ok && len(prop.Enum) > 0 {
			if canonical, ok := canonicalEnum(s, prop.Enum); ok && canonical != s {
				corrected[name] = canonical
				changed = true
			}
		}
	}

	return corrected, changed
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func canonicalEnum(value string, enum []string) (string, bool) {
	for _, candidate := range enum {
		if strings.EqualFold(candidate, value) {
			return candidate, true
		}
	}
	return "", false
}

// canAutoCorrect reports whether findings are eligible for stage 6:
// present but none reaching high severity.
func canAutoCorrect(findings []models.Finding) bool {
	if len(findings) == 0 {
		return false
	}
	for _, f := range findings {
		if f.Severity == models.SeverityHigh {
			return false
		}
	}
	return true
}
