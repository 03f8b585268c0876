// internal/rules/coercion.go
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Type coercion for expression evaluation.
 *
 * Placement params and attributes arrive as arbitrary JSON-decoded values
 * (float64, string, bool, nested maps). Coercion normalizes operands
 * before comparison.
 *
 * Modes:
 *   - NUMERIC: strict - coerce numeric strings to float64, reject booleans
 *   - TEXT: lenient - auto-coerce all scalars to string
 *   - BOOLEAN: strict - boolean only, rejects "true" vs 1 ambiguity
 *   - ANY: lenient - preserve original type, Compare() handles mixing
 *
 * Null/absent values never reach Coerce(): the evaluator resolves them to
 * absent terms first, so a coercion failure here always means a present
 * but incompatible value.
 */

// FieldType selects a coercion mode.
type FieldType int

const (
	FieldTypeAny FieldType = iota
	FieldTypeNumeric
	FieldTypeText
	FieldTypeBoolean
)

// Coerce attempts to convert value to the expected field type.
// Returns ErrCoercionFailed for impossible coercions.
func Coerce(value any, fieldType FieldType) (any, error) {
	switch fieldType {
	case FieldTypeNumeric:
		return coerceNumeric(value)
	case FieldTypeText:
		return coerceText(value)
	case FieldTypeBoolean:
		return coerceBoolean(value)
	case FieldTypeAny:
		return value, nil
	default:
		return nil, types.ErrCoercionFailed
	}
}

// coerceNumeric converts value to float64 for numeric comparison.
// Accepts numeric types and numeric strings. Rejects booleans per strict
// mode. Whitespace-only strings are not valid numbers.
func coerceNumeric(value any) (any, error) {
	if f, ok := asFloat(value); ok {
		return f, nil
	}
	switch v := value.(type) {
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, types.ErrCoercionFailed
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, types.ErrCoercionFailed
		}
		return f, nil
	default:
		return nil, types.ErrCoercionFailed
	}
}

// coerceText converts all scalar types to string representation.
// Lenient mode: accepts any type and converts to string.
func coerceText(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// coerceBoolean validates value is boolean type for boolean comparison.
// Strict mode: rejects strings and numbers.
func coerceBoolean(value any) (any, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return nil, types.ErrCoercionFailed
}
