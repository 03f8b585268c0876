// internal/rules/computed.go
package rules

import (
	"time"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Computed time-since properties.
 *
 * A rule may request properties like daysSince_trial_start. The evaluator
 * resolves each against the most recent prior occurrence of the named
 * event and computes an integer delta in the matching calendar unit.
 *
 * Calendar semantics: minutes and hours are elapsed-time divisions; days,
 * months and years are calendar-component differences, so 23:50 -> 00:10
 * the next day counts as 1 day even though under an hour elapsed. This
 * mirrors how campaign authors reason about "days since".
 *
 * Absence: no prior occurrence means the property is undefined. The
 * evaluator treats the term as absent - not zero, not an error.
 */

// EventHistory resolves the most recent prior occurrence of a named event.
// Implemented by the storage layer's event history table.
type EventHistory interface {
	LastOccurrence(name string) (time.Time, bool)
}

// computeProperty resolves one computed property against the history.
// The second return reports presence; absent properties must not be
// defaulted to zero.
func computeProperty(req types.ComputedPropertyRequest, history EventHistory, now time.Time) (float64, bool) {
	occurred, ok := history.LastOccurrence(req.EventName)
	if !ok || occurred.After(now) {
		return 0, false
	}
	return float64(calendarDelta(req.Type, occurred, now)), true
}

// calendarDelta computes the integer delta between two instants in the
// unit the property type names.
func calendarDelta(t types.ComputedPropertyType, from, to time.Time) int {
	switch t {
	case types.ComputedPropertyMinutesSince:
		return int(to.Sub(from).Minutes())
	case types.ComputedPropertyHoursSince:
		return int(to.Sub(from).Hours())
	case types.ComputedPropertyDaysSince:
		fromDay := from.Truncate(24 * time.Hour)
		toDay := to.Truncate(24 * time.Hour)
		return int(toDay.Sub(fromDay).Hours() / 24)
	case types.ComputedPropertyMonthsSince:
		years := to.Year() - from.Year()
		months := int(to.Month()) - int(from.Month())
		total := years*12 + months
		if to.Day() < from.Day() {
			total--
		}
		return total
	case types.ComputedPropertyYearsSince:
		years := to.Year() - from.Year()
		if int(to.Month()) < int(from.Month()) ||
			(to.Month() == from.Month() && to.Day() < from.Day()) {
			years--
		}
		return years
	default:
		return 0
	}
}
