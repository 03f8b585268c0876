// internal/rules/operators.go
package rules

/*
 * Operator comparison logic.
 *
 * Implements the six comparison operators of the expression language with
 * type-aware comparison rules. Operands pass through Coerce() before
 * reaching Compare().
 *
 * Equality compares numerics with float64 widening, strings byte-wise and
 * booleans directly; cross-type equality is false, never an error.
 * Ordering operators are numeric-only; non-numeric operands compare false.
 *
 * Why function-based: six operators via switch statement are cleaner than
 * six interface implementations with minimal behavior variation.
 */

// Operator identifies one comparison operator of the expression language.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
)

// operatorTexts maps source text to operators.
var operatorTexts = map[string]Operator{
	"==": OpEq,
	"!=": OpNeq,
	"<":  OpLt,
	"<=": OpLte,
	">":  OpGt,
	">=": OpGte,
}

func operatorFromText(text string) (Operator, bool) {
	op, ok := operatorTexts[text]
	return op, ok
}

// Compare applies the operator to compare value against target.
// Both values should already be coerced via Coerce().
func Compare(op Operator, value, target any) bool {
	switch op {
	case OpEq:
		return compareEqual(value, target)
	case OpNeq:
		return !compareEqual(value, target)
	case OpLt:
		cmp, ok := compareNumeric(value, target)
		return ok && cmp < 0
	case OpLte:
		cmp, ok := compareNumeric(value, target)
		return ok && cmp <= 0
	case OpGt:
		cmp, ok := compareNumeric(value, target)
		return ok && cmp > 0
	case OpGte:
		cmp, ok := compareNumeric(value, target)
		return ok && cmp >= 0
	default:
		return false
	}
}

// compareEqual implements equality with numeric widening.
// float64/int/int64 mixing is normalized before comparison for JSON
// compatibility; remaining types compare only within their own kind.
func compareEqual(value, target any) bool {
	if vf, vok := asFloat(value); vok {
		tf, tok := asFloat(target)
		return tok && vf == tf
	}
	switch v := value.(type) {
	case string:
		t, ok := target.(string)
		return ok && v == t
	case bool:
		t, ok := target.(bool)
		return ok && v == t
	default:
		return false
	}
}

// compareNumeric returns the sign of value-target and whether both
// operands are numeric.
func compareNumeric(value, target any) (int, bool) {
	vf, vok := asFloat(value)
	tf, tok := asFloat(target)
	if !vok || !tok {
		return 0, false
	}
	switch {
	case vf < tf:
		return -1, true
	case vf > tf:
		return 1, true
	default:
		return 0, true
	}
}

// asFloat widens any numeric representation to float64.
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
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
