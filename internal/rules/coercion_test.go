// internal/rules/coercion_test.go
package rules

import (
	"errors"
	"testing"

	"github.com/gatekit/gatekit/internal/types"
)

func TestCoerce_Numeric(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    float64
		wantErr bool
	}{
		{name: "float64 passthrough", value: float64(42.5), want: 42.5},
		{name: "int widens", value: 7, want: 7},
		{name: "int64 widens", value: int64(-3), want: -3},
		{name: "numeric string", value: "12.25", want: 12.25},
		{name: "whitespace string fails", value: "   ", wantErr: true},
		{name: "non-numeric string fails", value: "abc", wantErr: true},
		{name: "boolean rejected", value: true, wantErr: true},
		{name: "nil rejected", value: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, FieldTypeNumeric)
			if tt.wantErr {
				if !errors.Is(err, types.ErrCoercionFailed) {
					t.Fatalf("Coerce() error = %v, want ErrCoercionFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce() error = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("Coerce() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoerce_Text(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "string passthrough", value: "hello", want: "hello"},
		{name: "number formats", value: float64(3), want: "3"},
		{name: "bool formats", value: true, want: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, FieldTypeText)
			if err != nil {
				t.Fatalf("Coerce() error = %v, want nil", err)
			}
			if got != tt.want {
				t.Errorf("Coerce() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCoerce_Boolean(t *testing.T) {
	if _, err := Coerce("true", FieldTypeBoolean); !errors.Is(err, types.ErrCoercionFailed) {
		t.Errorf("Coerce(string, boolean) error = %v, want ErrCoercionFailed", err)
	}
	got, err := Coerce(false, FieldTypeBoolean)
	if err != nil {
		t.Fatalf("Coerce() error = %v, want nil", err)
	}
	if got != false {
		t.Errorf("Coerce() = %v, want false", got)
	}
}

func TestCompare_Operators(t *testing.T) {
	tests := []struct {
		name   string
		op     Operator
		value  any
		target any
		want   bool
	}{
		{name: "eq strings", op: OpEq, value: "a", target: "a", want: true},
		{name: "eq cross type is false", op: OpEq, value: "1", target: float64(1), want: false},
		{name: "neq", op: OpNeq, value: "a", target: "b", want: true},
		{name: "lt numeric", op: OpLt, value: float64(1), target: float64(2), want: true},
		{name: "lte boundary", op: OpLte, value: float64(2), target: float64(2), want: true},
		{name: "gt int widening", op: OpGt, value: 3, target: float64(2), want: true},
		{name: "gte false", op: OpGte, value: float64(1), target: float64(2), want: false},
		{name: "ordering on strings is false", op: OpLt, value: "a", target: "b", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.op, tt.value, tt.target); got != tt.want {
				t.Errorf("Compare(%v, %v, %v) = %v, want %v", tt.op, tt.value, tt.target, got, tt.want)
			}
		})
	}
}
