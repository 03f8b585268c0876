// Package types provides domain models shared across gatekit components.
//
// Zero-dependency design: types.go, config.go and errors.go use only the
// standard library so the public surface can embed these types without
// pulling in storage or network dependencies. ID utilities in ids.go import
// uuid but are isolated for selective inclusion.
//
// Separation from wire format: JSON request/response structs live in
// internal/network. This package contains hand-written types for concepts
// that don't belong on the wire (outcomes, skip reasons, error kinds) or
// need to stay decoupled from server field naming.
package types

import "time"

// PlacementEvent is a named occurrence in the host application that may
// cause a paywall decision. Immutable once created; read by the evaluator
// and by request hashing.
type PlacementEvent struct {
	ID         EventID
	Name       string
	Params     map[string]any
	OccurredAt time.Time
}

// VariantType distinguishes experiment control groups from treatments.
type VariantType int

const (
	VariantTypeUnspecified VariantType = iota
	VariantTypeHoldout
	VariantTypeTreatment
)

// Variant is one arm of an experiment. Weight drives deterministic
// bucketing; PaywallID is empty for holdouts.
type Variant struct {
	ID        string
	Type      VariantType
	PaywallID string
	Weight    int
}

// Experiment is an A/B test definition. Immutable per config snapshot.
type Experiment struct {
	ID       string
	GroupID  string
	Variants []Variant
}

// Variant returns the variant with the given id, if present.
func (e *Experiment) Variant(id string) (Variant, bool) {
	for _, v := range e.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Assignment is the sticky variant choice for one experiment.
// Unconfirmed assignments may be overwritten by a fresh deterministic
// bucketing; confirmed ones are sticky until a server override.
type Assignment struct {
	ExperimentID string
	VariantID    string
	Confirmed    bool
}

// TriggerResultKind enumerates the outcomes of rule evaluation.
type TriggerResultKind int

const (
	TriggerResultUnspecified TriggerResultKind = iota
	// TriggerResultPaywall: a rule matched and bucketing chose a treatment.
	TriggerResultPaywall
	// TriggerResultHoldout: a rule matched but bucketing chose the control
	// group. Must not show a paywall.
	TriggerResultHoldout
	// TriggerResultNoRuleMatch: the trigger exists but no rule matched.
	TriggerResultNoRuleMatch
	// TriggerResultEventNotFound: no trigger is configured for the event.
	TriggerResultEventNotFound
	// TriggerResultError: evaluation failed (malformed expression, missing
	// computed property).
	TriggerResultError
)

// TriggerResult is the outcome of evaluating an event against the config's
// audience rules. Experiment and Variant are set for paywall and holdout
// kinds.
type TriggerResult struct {
	Kind       TriggerResultKind
	Experiment *Experiment
	Variant    Variant
	Err        error
}

// Product is a product reference declared by a paywall definition.
type Product struct {
	Type string
	ID   string
}

// StoreProduct is a runtime store product record supplied by the host's
// product resolver.
type StoreProduct struct {
	ID                 string
	Attributes         map[string]string
	HasFreeTrialOffer  bool
	LocalizedPrice     string
	SubscriptionPeriod string
}

// ProductVariable pairs a product slot type with resolved store attributes
// for template substitution inside a paywall definition.
type ProductVariable struct {
	Type       string
	Attributes map[string]string
}

// PaywallDefinition is a fetched paywall content descriptor. Entries are
// immutable once cached and replaced wholesale on invalidation.
type PaywallDefinition struct {
	ID         string
	Identifier string
	Name       string
	URL        string
	Products   []Product
	RulesHash  string

	// Populated during product resolution, not part of the fetched body.
	ProductVariables     []ProductVariable
	IsFreeTrialAvailable bool

	// CacheKey records the key the definition was fetched under.
	CacheKey string
}

// ProductIDs returns the declared product identifiers in declaration order.
// Order matters: it participates in the cache key.
func (p *PaywallDefinition) ProductIDs() []string {
	ids := make([]string, 0, len(p.Products))
	for _, prod := range p.Products {
		ids = append(ids, prod.ID)
	}
	return ids
}

// SkipReason explains why a presentation request terminated without a
// paywall. Skips are results, not failures.
type SkipReason int

const (
	SkipReasonUnspecified SkipReason = iota
	SkipReasonUserIsSubscribed
	SkipReasonHoldout
	SkipReasonNoRuleMatch
	SkipReasonEventNotFound
	SkipReasonAlreadyPresented
	SkipReasonCancelled
)

// String returns the reason name used in logs and observer callbacks.
func (r SkipReason) String() string {
	switch r {
	case SkipReasonUserIsSubscribed:
		return "user_is_subscribed"
	case SkipReasonHoldout:
		return "holdout"
	case SkipReasonNoRuleMatch:
		return "no_rule_match"
	case SkipReasonEventNotFound:
		return "event_not_found"
	case SkipReasonAlreadyPresented:
		return "already_presented"
	case SkipReasonCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// ErrorKind classifies genuine presentation failures.
type ErrorKind int

const (
	ErrorKindUnspecified ErrorKind = iota
	ErrorKindNoPresenter
	ErrorKindNotFound
	ErrorKindNetworkFailure
	ErrorKindEvaluation
	ErrorKindStorage
)

// String returns the kind name used in logs and observer callbacks.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNoPresenter:
		return "no_presenter"
	case ErrorKindNotFound:
		return "not_found"
	case ErrorKindNetworkFailure:
		return "network_failure"
	case ErrorKindEvaluation:
		return "evaluation"
	case ErrorKindStorage:
		return "storage"
	default:
		return "unspecified"
	}
}

// OutcomeKind is the terminal classification of one presentation request.
type OutcomeKind int

const (
	OutcomePresent OutcomeKind = iota
	OutcomeSkip
	OutcomeError
)

// Outcome is the terminal result of a presentation request, consumed by
// the session tracker for analytics and by the host's observer.
type Outcome struct {
	Kind       OutcomeKind
	Paywall    *PaywallDefinition
	Experiment *Experiment
	Variant    *Variant
	SkipReason SkipReason
	ErrorKind  ErrorKind
	Err        error
}

// Skip constructs a skip outcome.
func Skip(reason SkipReason) Outcome {
	return Outcome{Kind: OutcomeSkip, SkipReason: reason}
}

// Failure constructs an error outcome.
func Failure(kind ErrorKind, err error) Outcome {
	return Outcome{Kind: OutcomeError, ErrorKind: kind, Err: err}
}

// AppSession is one foreground span of the host process. EndAt is set on
// background ("soft end") and cleared when the same session resumes.
type AppSession struct {
	ID      SessionID
	StartAt time.Time
	EndAt   *time.Time
}

// TriggerSession spans one presentation decision attempt and accumulates
// associated transaction events for analytics batching.
type TriggerSession struct {
	ID           SessionID
	EventName    string
	StartAt      time.Time
	EndAt        *time.Time
	Outcome      string
	PaywallID    string
	ExperimentID string
	VariantID    string
}

// TransactionEvent records a purchase/restore observed during a trigger
// session.
type TransactionEvent struct {
	ID         EventID
	SessionID  SessionID
	ProductID  string
	State      string
	OccurredAt time.Time
}
