// internal/rules/evaluate.go
package rules

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Rule evaluation orchestration.
 *
 * Evaluates a trigger's ordered rules against one placement event.
 * First-match-wins: rules are tried in declared order and the first whose
 * expression is true decides the outcome. The matched rule's experiment is
 * resolved to a variant through the assigner (sticky bucketing); a holdout
 * variant yields a holdout outcome, a treatment yields paywall.
 *
 * Evaluation flow per rule:
 *   1. Parse (cached) - malformed expression terminates as error outcome
 *   2. Build environment: params, user/device attributes, computed
 *      time-since properties
 *   3. Walk the AST; comparisons on absent operands are false
 *   4. On match, resolve sticky assignment and classify variant
 *
 * Absence semantics: an identifier with no value (unset attribute,
 * computed property with no prior occurrence) makes its term absent.
 * Absent terms are false in boolean position and fail every comparison.
 * Referencing a computed property the rule never requested is an error
 * outcome, not an absent term: the rule author's declaration and
 * expression disagree.
 *
 * Determinism: for fixed event history and attributes, evaluation of the
 * same trigger yields the same outcome on every call. Nothing here reads
 * clocks directly; the caller supplies now.
 */

// Assigner resolves the sticky variant for an experiment.
// Implemented by the assignment store.
type Assigner interface {
	Variant(experiment *types.Experiment) (types.Assignment, error)
}

// Evaluator evaluates audience rules for placement events.
type Evaluator struct {
	history  EventHistory
	assigner Assigner
	cache    *exprCache
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator backed by the given event history and
// assignment source.
func NewEvaluator(history EventHistory, assigner Assigner, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		history:  history,
		assigner: assigner,
		cache:    newExprCache(),
		logger:   logger,
	}
}

// Attributes carries the user/device attribute maps and the expression
// parameter gate for one evaluation.
type Attributes struct {
	User   map[string]any
	Device map[string]any
	// ParamsEnabled mirrors the enable_expression_params toggle; when off,
	// params.* identifiers resolve as absent.
	ParamsEnabled bool
}

// Evaluate runs the trigger's rules against the event. A nil trigger means
// no trigger is configured for the event name.
func (e *Evaluator) Evaluate(trigger *types.Trigger, event types.PlacementEvent, attrs Attributes, now time.Time) types.TriggerResult {
	if trigger == nil {
		return types.TriggerResult{Kind: types.TriggerResultEventNotFound}
	}

	for i := range trigger.Rules {
		rule := trigger.Rules[i]

		compiled, err := e.cache.compileRule(rule)
		if err != nil {
			e.logger.Warn("rule expression failed to parse",
				zap.String("event", event.Name),
				zap.String("expression", rule.Expression),
				zap.Error(err))
			return types.TriggerResult{Kind: types.TriggerResultError, Err: err}
		}

		env := &environment{
			event:    event,
			attrs:    attrs,
			computed: compiled.computed,
			history:  e.history,
			now:      now,
		}

		matched, err := evalBool(compiled.root, env)
		if err != nil {
			return types.TriggerResult{Kind: types.TriggerResultError, Err: err}
		}
		if !matched {
			continue
		}

		return e.classifyMatch(&rule.Experiment)
	}

	return types.TriggerResult{Kind: types.TriggerResultNoRuleMatch}
}

// classifyMatch resolves the matched experiment's sticky variant.
func (e *Evaluator) classifyMatch(experiment *types.Experiment) types.TriggerResult {
	assignment, err := e.assigner.Variant(experiment)
	if err != nil {
		return types.TriggerResult{Kind: types.TriggerResultError, Err: err}
	}

	variant, ok := experiment.Variant(assignment.VariantID)
	if !ok {
		// Assignment references a variant removed from config; rebucketing
		// happens on the next unconfirmed pass, treat as no match for now.
		return types.TriggerResult{Kind: types.TriggerResultNoRuleMatch}
	}

	kind := types.TriggerResultPaywall
	if variant.Type == types.VariantTypeHoldout {
		kind = types.TriggerResultHoldout
	}
	return types.TriggerResult{Kind: kind, Experiment: experiment, Variant: variant}
}

// environment resolves identifiers for one rule evaluation.
type environment struct {
	event    types.PlacementEvent
	attrs    Attributes
	computed map[string]types.ComputedPropertyRequest
	history  EventHistory
	now      time.Time
}

// resolve looks up an identifier. The second return reports presence.
// An error means the expression references something the rule's
// declaration does not cover.
func (env *environment) resolve(ident string) (any, bool, error) {
	if rest, ok := strings.CutPrefix(ident, "params."); ok {
		if !env.attrs.ParamsEnabled {
			return nil, false, nil
		}
		v, ok := env.event.Params[rest]
		return v, ok && v != nil, nil
	}
	if rest, ok := strings.CutPrefix(ident, "user."); ok {
		v, ok := env.attrs.User[rest]
		return v, ok && v != nil, nil
	}
	if rest, ok := strings.CutPrefix(ident, "device."); ok {
		v, ok := env.attrs.Device[rest]
		return v, ok && v != nil, nil
	}

	if req, ok := types.MatchIdentifier(ident); ok {
		if _, requested := env.computed[ident]; !requested {
			return nil, false, types.ErrMissingComputedProperty
		}
		v, present := computeProperty(req, env.history, env.now)
		if !present {
			return nil, false, nil
		}
		return v, true, nil
	}

	// Unknown bare identifier: absent term. Totality over arbitrary
	// expressions matters more than strictness here.
	return nil, false, nil
}

// evalBool evaluates a node in boolean position. Absent terms and
// non-boolean values are false.
func evalBool(n *node, env *environment) (bool, error) {
	v, present, err := eval(n, env)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	b, ok := v.(bool)
	return ok && b, nil
}

// eval walks the AST. The second return reports term presence.
func eval(n *node, env *environment) (any, bool, error) {
	switch n.Kind {
	case nodeLiteral:
		return n.Value, true, nil

	case nodeIdent:
		return env.resolve(n.Name)

	case nodeNot:
		b, err := evalBool(n.Left, env)
		if err != nil {
			return nil, false, err
		}
		return !b, true, nil

	case nodeAnd:
		left, err := evalBool(n.Left, env)
		if err != nil {
			return nil, false, err
		}
		if !left {
			// Short-circuit. Right side errors still surface on rules where
			// the left side passes, keeping diagnostics deterministic per input.
			return false, true, nil
		}
		right, err := evalBool(n.Right, env)
		if err != nil {
			return nil, false, err
		}
		return right, true, nil

	case nodeOr:
		left, err := evalBool(n.Left, env)
		if err != nil {
			return nil, false, err
		}
		if left {
			return true, true, nil
		}
		right, err := evalBool(n.Right, env)
		if err != nil {
			return nil, false, err
		}
		return right, true, nil

	case nodeCompare:
		return evalCompare(n, env)

	default:
		return nil, false, types.ErrMalformedExpression
	}
}

// evalCompare evaluates both operands and applies the operator. Any
// comparison involving an absent operand is false; an operand that cannot
// coerce to the type an ordering operator needs is also false rather than
// an error, so arbitrary rules stay total.
func evalCompare(n *node, env *environment) (any, bool, error) {
	left, lpresent, err := eval(n.Left, env)
	if err != nil {
		return nil, false, err
	}
	right, rpresent, err := eval(n.Right, env)
	if err != nil {
		return nil, false, err
	}
	if !lpresent || !rpresent {
		return false, true, nil
	}

	switch n.Op {
	case OpLt, OpLte, OpGt, OpGte:
		lc, lerr := Coerce(left, FieldTypeNumeric)
		rc, rerr := Coerce(right, FieldTypeNumeric)
		if lerr != nil || rerr != nil {
			return false, true, nil
		}
		return Compare(n.Op, lc, rc), true, nil
	default:
		return Compare(n.Op, left, right), true, nil
	}
}

// IsEvaluationError reports whether an error belongs to the evaluator's
// taxonomy (as opposed to assignment/storage failures passed through).
func IsEvaluationError(err error) bool {
	return errors.Is(err, types.ErrMalformedExpression) ||
		errors.Is(err, types.ErrMissingComputedProperty)
}
