// internal/types/config.go
package types

import (
	"strings"
	"time"
)

/*
 * Config snapshot types.
 *
 * The remote static_config document is decoded by internal/network into
 * these wire-agnostic types. A Config value is immutable after decoding;
 * the config store replaces whole snapshots, never mutates one in place.
 *
 * Key types:
 *   - Config: triggers, server locales, session timeout, feature flags
 *   - Trigger: event name plus ordered audience rules (first match wins)
 *   - TriggerRule: expression, experiment binding, computed properties
 *   - ComputedPropertyRequest: time-since property over the event history
 */

// ComputedPropertyType enumerates the time-since properties a rule may
// request. The set is fixed; there is no plugin extensibility.
type ComputedPropertyType int

const (
	ComputedPropertyUnspecified ComputedPropertyType = iota
	ComputedPropertyMinutesSince
	ComputedPropertyHoursSince
	ComputedPropertyDaysSince
	ComputedPropertyMonthsSince
	ComputedPropertyYearsSince
)

// computedPropertyWireNames maps server enum strings to property types.
// Explicit table per wire message; no reflection-driven remapping.
var computedPropertyWireNames = map[string]ComputedPropertyType{
	"MINUTES_SINCE": ComputedPropertyMinutesSince,
	"HOURS_SINCE":   ComputedPropertyHoursSince,
	"DAYS_SINCE":    ComputedPropertyDaysSince,
	"MONTHS_SINCE":  ComputedPropertyMonthsSince,
	"YEARS_SINCE":   ComputedPropertyYearsSince,
}

// ComputedPropertyTypeFromWire resolves a server enum string.
// Returns ComputedPropertyUnspecified for unknown values so a config
// snapshot with new property types still decodes.
func ComputedPropertyTypeFromWire(s string) ComputedPropertyType {
	return computedPropertyWireNames[s]
}

// Prefix returns the identifier prefix the expression language uses for
// this property, e.g. "daysSince_" in "daysSince_campaign_trigger".
func (t ComputedPropertyType) Prefix() string {
	switch t {
	case ComputedPropertyMinutesSince:
		return "minutesSince_"
	case ComputedPropertyHoursSince:
		return "hoursSince_"
	case ComputedPropertyDaysSince:
		return "daysSince_"
	case ComputedPropertyMonthsSince:
		return "monthsSince_"
	case ComputedPropertyYearsSince:
		return "yearsSince_"
	default:
		return ""
	}
}

// ComputedPropertyRequest asks the evaluator to compute a time-since
// property for the most recent prior occurrence of EventName.
type ComputedPropertyRequest struct {
	Type      ComputedPropertyType
	EventName string
}

// Identifier returns the expression-language name of the property.
func (r ComputedPropertyRequest) Identifier() string {
	return r.Type.Prefix() + r.EventName
}

// computedPropertyTypes lists all concrete property types for prefix
// matching, ordered so longer prefixes are never shadowed.
var computedPropertyTypes = []ComputedPropertyType{
	ComputedPropertyMinutesSince,
	ComputedPropertyHoursSince,
	ComputedPropertyDaysSince,
	ComputedPropertyMonthsSince,
	ComputedPropertyYearsSince,
}

// MatchIdentifier splits an expression identifier like
// "hoursSince_trial_start" into its property request. Reports false when
// the identifier carries no known prefix.
func MatchIdentifier(ident string) (ComputedPropertyRequest, bool) {
	for _, t := range computedPropertyTypes {
		prefix := t.Prefix()
		if strings.HasPrefix(ident, prefix) && len(ident) > len(prefix) {
			return ComputedPropertyRequest{Type: t, EventName: ident[len(prefix):]}, true
		}
	}
	return ComputedPropertyRequest{}, false
}

// TriggerRule is one campaign rule: a boolean expression over placement
// params, user/device attributes and computed properties, bound to an
// experiment.
type TriggerRule struct {
	Expression         string
	Experiment         Experiment
	ComputedProperties []ComputedPropertyRequest
}

// Trigger binds an event name to its ordered rules. Rule order is a
// matching contract: evaluation is first-match-wins.
type Trigger struct {
	EventName string
	Rules     []TriggerRule
}

// FeatureFlags is the subset of server toggles this SDK consults.
// Unknown toggles are ignored; missing toggles default to false.
type FeatureFlags struct {
	EnableSessionEvents        bool
	EnableExpressionParameters bool
	EnableConfigRefresh        bool
	DisableVerboseEvents       bool
}

// Toggle keys recognized by FeatureFlagsFromToggles. Explicit key table
// per wire message; the server sends a flat array of {key, enabled} pairs.
const (
	FlagEnableSessionEvents    = "enable_session_events"
	FlagEnableExpressionParams = "enable_expression_params"
	FlagEnableConfigRefresh    = "enable_config_refresh_v2"
	FlagDisableVerboseEvents   = "disable_verbose_events"
)

// FeatureFlagsFromToggles builds FeatureFlags from raw key/enabled pairs.
func FeatureFlagsFromToggles(toggles map[string]bool) FeatureFlags {
	return FeatureFlags{
		EnableSessionEvents:        toggles[FlagEnableSessionEvents],
		EnableExpressionParameters: toggles[FlagEnableExpressionParams],
		EnableConfigRefresh:        toggles[FlagEnableConfigRefresh],
		DisableVerboseEvents:       toggles[FlagDisableVerboseEvents],
	}
}

// Toggles returns the flag set as raw key/enabled pairs for persistence.
func (f FeatureFlags) Toggles() map[string]bool {
	return map[string]bool{
		FlagEnableSessionEvents:    f.EnableSessionEvents,
		FlagEnableExpressionParams: f.EnableExpressionParameters,
		FlagEnableConfigRefresh:    f.EnableConfigRefresh,
		FlagDisableVerboseEvents:   f.DisableVerboseEvents,
	}
}

// PreloadSettings controls which triggers get their paywalls warmed
// into the cache after a config load. The server expresses this
// negatively (preloading_disabled), so the zero value preloads
// everything.
type PreloadSettings struct {
	DisableAll       bool
	DisabledTriggers []string
}

// Enabled reports whether the named trigger's paywalls may be preloaded.
func (p PreloadSettings) Enabled(eventName string) bool {
	if p.DisableAll {
		return false
	}
	for _, t := range p.DisabledTriggers {
		if t == eventName {
			return false
		}
	}
	return true
}

// Config is one immutable snapshot of the remote rules/campaigns/flags
// document. Replaced wholesale on refresh; readers never observe a
// partially updated document.
type Config struct {
	Triggers          []Trigger
	Locales           []string
	AppSessionTimeout time.Duration
	FeatureFlags      FeatureFlags
	Preload           PreloadSettings
	RefreshInterval   time.Duration
	FetchedAt         time.Time
}

// Trigger returns the trigger for the given event name, if configured.
func (c *Config) Trigger(eventName string) (Trigger, bool) {
	for _, t := range c.Triggers {
		if t.EventName == eventName {
			return t, true
		}
	}
	return Trigger{}, false
}

// HasLocale reports whether the server advertises the exact locale.
func (c *Config) HasLocale(locale string) bool {
	for _, l := range c.Locales {
		if l == locale {
			return true
		}
	}
	return false
}
