// internal/rules/computed_test.go
package rules

import (
	"testing"
	"time"

	"github.com/gatekit/gatekit/internal/types"
)

func TestComputeProperty_CalendarUnits(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		propType types.ComputedPropertyType
		occurred time.Time
		want     float64
	}{
		{
			name:     "minutes since",
			propType: types.ComputedPropertyMinutesSince,
			occurred: now.Add(-90 * time.Minute),
			want:     90,
		},
		{
			name:     "hours since",
			propType: types.ComputedPropertyHoursSince,
			occurred: now.Add(-26 * time.Hour),
			want:     26,
		},
		{
			name:     "days since counts calendar days",
			propType: types.ComputedPropertyDaysSince,
			occurred: time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC),
			want:     1,
		},
		{
			name:     "days since same day is zero",
			propType: types.ComputedPropertyDaysSince,
			occurred: time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC),
			want:     0,
		},
		{
			name:     "months since",
			propType: types.ComputedPropertyMonthsSince,
			occurred: time.Date(2025, 12, 10, 12, 0, 0, 0, time.UTC),
			want:     3,
		},
		{
			name:     "months since borrows on day of month",
			propType: types.ComputedPropertyMonthsSince,
			occurred: time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC),
			want:     2,
		},
		{
			name:     "years since",
			propType: types.ComputedPropertyYearsSince,
			occurred: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			want:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := fakeHistory{"app_install": tt.occurred}
			req := types.ComputedPropertyRequest{Type: tt.propType, EventName: "app_install"}

			got, ok := computeProperty(req, history, now)
			if !ok {
				t.Fatalf("computeProperty() ok = false, want true")
			}
			if got != tt.want {
				t.Errorf("computeProperty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeProperty_NoHistory(t *testing.T) {
	req := types.ComputedPropertyRequest{Type: types.ComputedPropertyDaysSince, EventName: "app_install"}

	if _, ok := computeProperty(req, fakeHistory{}, time.Now()); ok {
		t.Errorf("computeProperty() ok = true, want false for missing history")
	}
}
