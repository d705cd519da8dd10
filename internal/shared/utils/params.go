package utils

import (
	"github.com/emllm/port/internal/shared/types"
)

// GetString extracts a string parameter
func GetString(params map[string]interface{}, key string, required bool) (string, error) {
	val, ok := params[key]
	if !ok || val == nil {
		if required {
			return "", types.Errorf(types.CodeValidation, "%s parameter required", key)
		}
		return "", nil
	}

	str, ok := val.(string)
	if !ok {
		return "", types.Errorf(types.CodeValidation, "%s must be string", key)
	}

	if required && str == "" {
		return "", types.Errorf(types.CodeValidation, "%s cannot be empty", key)
	}

	return str, nil
}

// GetBool extracts a bool parameter
func GetBool(params map[string]interface{}, key string, defaultVal bool) bool {
	val, ok := params[key]
	if !ok {
		return defaultVal
	}

	b, ok := val.(bool)
	if !ok {
		return defaultVal
	}

	return b
}

// GetNumber extracts a numeric parameter
func GetNumber(params map[string]interface{}, key string, required bool) (float64, error) {
	val, ok := params[key]
	if !ok || val == nil {
		if required {
			return 0, types.Errorf(types.CodeValidation, "%s parameter required", key)
		}
		return 0, nil
	}

	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	default:
		return 0, types.Errorf(types.CodeValidation, "%s must be number", key)
	}
}

// GetMap extracts an object parameter
func GetMap(params map[string]interface{}, key string) map[string]interface{} {
	val, ok := params[key]
	if !ok {
		return nil
	}

	m, ok := val.(map[string]interface{})
	if !ok {
		return nil
	}

	return m
}

// GetStringSlice extracts an array of strings, skipping non-string entries
func GetStringSlice(params map[string]interface{}, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// CheckType reports whether value matches a schema type name
func CheckType(value interface{}, typ string) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	default:
		return false
	}
}
