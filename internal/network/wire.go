// internal/network/wire.go
package network

import (
	"time"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Wire message definitions.
 *
 * Every server message has an explicit, statically declared struct with
 * snake_case json tags. No reflection-driven field remapping: the tag
 * tables below are the whole mapping.
 *
 * Conversion to internal/types happens here so the rest of the SDK never
 * sees server field naming.
 */

type toggleWire struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

type computedPropertyWire struct {
	Type      string `json:"type"`
	EventName string `json:"event_name"`
}

type variantWire struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	PaywallID  string `json:"paywall_id"`
	Percentage int    `json:"percentage"`
}

type experimentWire struct {
	ID       string        `json:"id"`
	GroupID  string        `json:"group_id"`
	Variants []variantWire `json:"variants"`
}

type ruleWire struct {
	Expression         string                 `json:"expression"`
	Experiment         experimentWire         `json:"experiment"`
	ComputedProperties []computedPropertyWire `json:"computed_properties"`
}

type triggerWire struct {
	EventName string     `json:"event_name"`
	Rules     []ruleWire `json:"rules"`
}

type configResponse struct {
	Triggers            []triggerWire `json:"triggers"`
	Locales             []string      `json:"locales"`
	AppSessionTimeoutMS int64         `json:"app_session_timeout_ms"`
	RefreshIntervalS    int64         `json:"config_refresh_interval_s"`
	Toggles             []toggleWire  `json:"toggles"`
	PreloadingDisabled  preloadWire   `json:"preloading_disabled"`
}

type preloadWire struct {
	All      bool     `json:"all"`
	Triggers []string `json:"triggers"`
}

// toConfig converts the wire document into an immutable config snapshot.
func (r *configResponse) toConfig(fetchedAt time.Time) *types.Config {
	cfg := &types.Config{
		Locales:           r.Locales,
		AppSessionTimeout: time.Duration(r.AppSessionTimeoutMS) * time.Millisecond,
		RefreshInterval:   time.Duration(r.RefreshIntervalS) * time.Second,
		FetchedAt:         fetchedAt,
		Preload: types.PreloadSettings{
			DisableAll:       r.PreloadingDisabled.All,
			DisabledTriggers: r.PreloadingDisabled.Triggers,
		},
	}

	toggles := make(map[string]bool, len(r.Toggles))
	for _, t := range r.Toggles {
		toggles[t.Key] = t.Enabled
	}
	cfg.FeatureFlags = types.FeatureFlagsFromToggles(toggles)

	cfg.Triggers = make([]types.Trigger, 0, len(r.Triggers))
	for _, tw := range r.Triggers {
		trigger := types.Trigger{EventName: tw.EventName}
		for _, rw := range tw.Rules {
			trigger.Rules = append(trigger.Rules, types.TriggerRule{
				Expression:         rw.Expression,
				Experiment:         rw.Experiment.toExperiment(),
				ComputedProperties: toComputedProperties(rw.ComputedProperties),
			})
		}
		cfg.Triggers = append(cfg.Triggers, trigger)
	}
	return cfg
}

func (w experimentWire) toExperiment() types.Experiment {
	exp := types.Experiment{ID: w.ID, GroupID: w.GroupID}
	for _, vw := range w.Variants {
		vt := types.VariantTypeTreatment
		if vw.Type == "HOLDOUT" {
			vt = types.VariantTypeHoldout
		}
		exp.Variants = append(exp.Variants, types.Variant{
			ID:        vw.ID,
			Type:      vt,
			PaywallID: vw.PaywallID,
			Weight:    vw.Percentage,
		})
	}
	return exp
}

func toComputedProperties(wire []computedPropertyWire) []types.ComputedPropertyRequest {
	var out []types.ComputedPropertyRequest
	for _, w := range wire {
		t := types.ComputedPropertyTypeFromWire(w.Type)
		if t == types.ComputedPropertyUnspecified {
			// Newer server property types are skipped, not fatal.
			continue
		}
		out = append(out, types.ComputedPropertyRequest{Type: t, EventName: w.EventName})
	}
	return out
}

type productWire struct {
	Type string `json:"product"`
	ID   string `json:"product_id"`
}

type paywallResponse struct {
	ID         string        `json:"id"`
	Identifier string        `json:"identifier"`
	Name       string        `json:"name"`
	URL        string        `json:"url"`
	Products   []productWire `json:"products"`
	RulesHash  string        `json:"rules_hash"`
}

// toPaywall converts a paywall response body into the domain definition.
func (r *paywallResponse) toPaywall() *types.PaywallDefinition {
	def := &types.PaywallDefinition{
		ID:         r.ID,
		Identifier: r.Identifier,
		Name:       r.Name,
		URL:        r.URL,
		RulesHash:  r.RulesHash,
	}
	for _, pw := range r.Products {
		def.Products = append(def.Products, types.Product{Type: pw.Type, ID: pw.ID})
	}
	return def
}

type eventWire struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	OccurredAt string         `json:"occurred_at"`
}

type paywallEventRequest struct {
	Event eventWire `json:"event"`
}

type paywallDefaultRequest struct {
	AppUserID string `json:"app_user_id"`
}

func toEventWire(event types.PlacementEvent) eventWire {
	return eventWire{
		ID:         string(event.ID),
		Name:       event.Name,
		Params:     event.Params,
		OccurredAt: event.OccurredAt.UTC().Format(time.RFC3339),
	}
}

type assignmentWire struct {
	ExperimentID string `json:"experiment_id"`
	VariantID    string `json:"variant_id"`
}

type assignmentsResponse struct {
	Assignments []assignmentWire `json:"assignments"`
}

type confirmAssignmentsRequest struct {
	Assignments []assignmentWire `json:"assignments"`
}

// confirmAssignmentsResponse acknowledges confirmed experiment ids.
// Ids missing from Accepted stay pending and are resent on the next
// postback.
type confirmAssignmentsResponse struct {
	Accepted []string `json:"accepted_experiment_ids"`
}

type eventsRequest struct {
	Events []eventWire `json:"events"`
}

type eventsResponse struct {
	AcceptedCount int `json:"accepted_count"`
}

type triggerSessionWire struct {
	ID           string `json:"id"`
	EventName    string `json:"event_name"`
	StartAt      string `json:"start_at"`
	EndAt        string `json:"end_at,omitempty"`
	Outcome      string `json:"outcome"`
	PaywallID    string `json:"paywall_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
	VariantID    string `json:"variant_id,omitempty"`
}

func toTriggerSessionWire(s types.TriggerSession) triggerSessionWire {
	w := triggerSessionWire{
		ID:           string(s.ID),
		EventName:    s.EventName,
		StartAt:      s.StartAt.UTC().Format(time.RFC3339),
		Outcome:      s.Outcome,
		PaywallID:    s.PaywallID,
		ExperimentID: s.ExperimentID,
		VariantID:    s.VariantID,
	}
	if s.EndAt != nil {
		w.EndAt = s.EndAt.UTC().Format(time.RFC3339)
	}
	return w
}

type transactionWire struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	ProductID  string `json:"product_id"`
	State      string `json:"state"`
	OccurredAt string `json:"occurred_at"`
}

type sessionEventsRequest struct {
	TriggerSessions []triggerSessionWire `json:"trigger_sessions"`
	Transactions    []transactionWire    `json:"transactions"`
}

// sessionEventsResponse acknowledges accepted queue rows by id so the
// durable queue clears exactly the accepted subset.
type sessionEventsResponse struct {
	AcceptedIDs []string `json:"accepted_ids"`
}
