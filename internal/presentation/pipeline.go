// internal/presentation/pipeline.go
package presentation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gatekit/gatekit/internal/assignments"
	"github.com/gatekit/gatekit/internal/config"
	"github.com/gatekit/gatekit/internal/paywall"
	"github.com/gatekit/gatekit/internal/rules"
	"github.com/gatekit/gatekit/internal/session"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Presentation pipeline.
 *
 * One Run is a fixed sequence of stages:
 *
 *   1. rule evaluation
 *   2. subscription check
 *   3. presentable check
 *   4. paywall fetch
 *   5. product resolution
 *   6. assignment confirmation (async)
 *
 * Every terminal result is a typed Outcome; skips are results, not
 * errors. Cancellation is checked at each stage boundary and yields
 * skip(cancelled). Identical concurrent requests coalesce onto one run.
 */

// Presenter reports whether the host currently has a surface to show a
// paywall on.
type Presenter interface {
	CanPresent() bool
	IsPresenting() bool
}

// Request carries everything one presentation decision needs.
type Request struct {
	Event            types.PlacementEvent
	UserAttributes   map[string]any
	DeviceAttributes map[string]any
	Locale           string

	ProductOverrides  map[string]string
	FreeTrialOverride *bool

	// Debug bypasses the presentable check so a debugger can force a
	// paywall onto an occupied surface.
	Debug bool
}

// key identifies coalescable requests: same event, same paywall variant
// inputs. The event id is deliberately excluded.
func (r Request) key() string {
	var overrides []string
	for _, p := range sortedKeys(r.ProductOverrides) {
		overrides = append(overrides, p+"="+r.ProductOverrides[p])
	}
	return r.Event.Name + "|" + r.Locale + "|" + strings.Join(overrides, ",")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// Pipeline runs presentation decisions.
type Pipeline struct {
	evaluator   *rules.Evaluator
	cache       *paywall.Cache
	assignments *assignments.Store
	cfg         *config.Store
	sessions    *session.Tracker
	resolver    paywall.Resolver
	presenter   Presenter
	subscribed  func() bool
	logger      *zap.Logger

	group singleflight.Group
}

// NewPipeline wires the stages together. presenter and resolver may be
// nil; a nil presenter fails stage 3 with noPresenter.
func NewPipeline(
	evaluator *rules.Evaluator,
	cache *paywall.Cache,
	assignmentStore *assignments.Store,
	cfg *config.Store,
	sessions *session.Tracker,
	resolver paywall.Resolver,
	presenter Presenter,
	subscribed func() bool,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		evaluator:   evaluator,
		cache:       cache,
		assignments: assignmentStore,
		cfg:         cfg,
		sessions:    sessions,
		resolver:    resolver,
		presenter:   presenter,
		subscribed:  subscribed,
		logger:      logger,
	}
}

// Run executes the pipeline for one placement event. Identical
// concurrent requests share a single run and therefore a single fetch
// and a single trigger session.
func (p *Pipeline) Run(ctx context.Context, req Request) types.Outcome {
	v, _, _ := p.group.Do(req.key(), func() (any, error) {
		return p.run(ctx, req), nil
	})
	return v.(types.Outcome)
}

func (p *Pipeline) run(ctx context.Context, req Request) types.Outcome {
	// Block until the first config document is in; deciding against an
	// empty config would misreport every event as unknown.
	select {
	case <-p.cfg.Loaded():
	case <-ctx.Done():
		return types.Skip(types.SkipReasonCancelled)
	}
	cfg := p.cfg.Current()

	ts := p.sessions.BeginTriggerSession(req.Event.Name)
	outcome := p.decide(ctx, cfg, req)
	p.sessions.EndTriggerSession(ts, outcome)
	p.report(req, outcome)
	return outcome
}

func (p *Pipeline) decide(ctx context.Context, cfg *types.Config, req Request) types.Outcome {
	// Stage 1: rule evaluation.
	trigger, ok := cfg.Trigger(req.Event.Name)
	var triggerRef *types.Trigger
	if ok {
		triggerRef = &trigger
	}
	result := p.evaluator.Evaluate(triggerRef, req.Event, rules.Attributes{
		User:          req.UserAttributes,
		Device:        req.DeviceAttributes,
		ParamsEnabled: cfg.FeatureFlags.EnableExpressionParameters,
	}, time.Now().UTC())

	// Stage 2: subscription check. A matched paywall rule presents even
	// to subscribed users; any other evaluation result for a subscribed
	// user terminates here, before its own skip or error mapping.
	if result.Kind != types.TriggerResultPaywall && p.subscribed != nil && p.subscribed() {
		return types.Skip(types.SkipReasonUserIsSubscribed)
	}

	switch result.Kind {
	case types.TriggerResultEventNotFound:
		return types.Skip(types.SkipReasonEventNotFound)
	case types.TriggerResultNoRuleMatch:
		return types.Skip(types.SkipReasonNoRuleMatch)
	case types.TriggerResultError:
		if rules.IsEvaluationError(result.Err) {
			return types.Failure(types.ErrorKindEvaluation, result.Err)
		}
		return types.Failure(types.ErrorKindStorage, result.Err)
	case types.TriggerResultHoldout:
		out := types.Skip(types.SkipReasonHoldout)
		out.Experiment = result.Experiment
		v := result.Variant
		out.Variant = &v
		return out
	}
	if cancelled(ctx) {
		return types.Skip(types.SkipReasonCancelled)
	}

	// Stage 3: presentable check.
	if !req.Debug {
		if p.presenter == nil {
			return types.Failure(types.ErrorKindNoPresenter, types.ErrNoPresenter)
		}
		if p.presenter.IsPresenting() {
			return types.Skip(types.SkipReasonAlreadyPresented)
		}
		if !p.presenter.CanPresent() {
			return types.Failure(types.ErrorKindNoPresenter, types.ErrNoPresenter)
		}
	}
	if cancelled(ctx) {
		return types.Skip(types.SkipReasonCancelled)
	}

	// Stage 4: paywall fetch. A treatment variant without a pinned
	// paywall asks the server to choose one for the event.
	locale := paywall.ResolveLocale(req.Locale, cfg)
	var def *types.PaywallDefinition
	var err error
	if result.Variant.PaywallID == "" {
		def, err = p.cache.GetForEvent(ctx, req.Event, locale)
	} else {
		def, err = p.cache.Get(ctx, paywall.Request{
			Identifier:         result.Variant.PaywallID,
			Locale:             locale,
			OverrideProductIDs: overrideIDs(req.ProductOverrides),
		})
	}
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Failure(types.ErrorKindNotFound, fmt.Errorf("%w: %w", types.ErrNoPaywallAvailable, err))
		}
		return types.Failure(types.ErrorKindNetworkFailure, err)
	}
	if cancelled(ctx) {
		return types.Skip(types.SkipReasonCancelled)
	}

	// Stage 5: product resolution.
	if err := paywall.ResolveProducts(ctx, p.resolver, def, req.ProductOverrides, req.FreeTrialOverride); err != nil {
		return types.Failure(types.ErrorKindNetworkFailure, err)
	}

	// Stage 6: assignment confirmation, fire and forget. Rows stay
	// pending locally until the server acknowledges them, so a crash
	// before the postback leaves the assignment queued for the next run.
	if result.Experiment != nil {
		go func() {
			if err := p.assignments.ConfirmPending(context.Background()); err != nil {
				p.logger.Warn("assignment confirmation postback failed", zap.Error(err))
			}
		}()
	}

	out := types.Outcome{
		Kind:       types.OutcomePresent,
		Paywall:    def,
		Experiment: result.Experiment,
	}
	v := result.Variant
	out.Variant = &v
	return out
}

// RunDefault presents the account default paywall outside any trigger.
// Unlike a matched rule, the manual path honors the subscription check.
func (p *Pipeline) RunDefault(ctx context.Context, req Request) types.Outcome {
	select {
	case <-p.cfg.Loaded():
	case <-ctx.Done():
		return types.Skip(types.SkipReasonCancelled)
	}
	cfg := p.cfg.Current()

	ts := p.sessions.BeginTriggerSession(paywall.DefaultIdentifier)
	outcome := p.decideDefault(ctx, cfg, req)
	p.sessions.EndTriggerSession(ts, outcome)
	p.report(req, outcome)
	return outcome
}

func (p *Pipeline) decideDefault(ctx context.Context, cfg *types.Config, req Request) types.Outcome {
	if p.subscribed != nil && p.subscribed() {
		return types.Skip(types.SkipReasonUserIsSubscribed)
	}
	if !req.Debug {
		if p.presenter == nil {
			return types.Failure(types.ErrorKindNoPresenter, types.ErrNoPresenter)
		}
		if p.presenter.IsPresenting() {
			return types.Skip(types.SkipReasonAlreadyPresented)
		}
		if !p.presenter.CanPresent() {
			return types.Failure(types.ErrorKindNoPresenter, types.ErrNoPresenter)
		}
	}
	if cancelled(ctx) {
		return types.Skip(types.SkipReasonCancelled)
	}

	locale := paywall.ResolveLocale(req.Locale, cfg)
	def, err := p.cache.Get(ctx, paywall.Request{
		Identifier:         paywall.DefaultIdentifier,
		Locale:             locale,
		OverrideProductIDs: overrideIDs(req.ProductOverrides),
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.Failure(types.ErrorKindNotFound, fmt.Errorf("%w: %w", types.ErrNoPaywallAvailable, err))
		}
		return types.Failure(types.ErrorKindNetworkFailure, err)
	}
	if err := paywall.ResolveProducts(ctx, p.resolver, def, req.ProductOverrides, req.FreeTrialOverride); err != nil {
		return types.Failure(types.ErrorKindNetworkFailure, err)
	}
	return types.Outcome{Kind: types.OutcomePresent, Paywall: def}
}

func (p *Pipeline) report(req Request, outcome types.Outcome) {
	switch outcome.Kind {
	case types.OutcomePresent:
		p.logger.Info("paywall presented",
			zap.String("event", req.Event.Name),
			zap.String("paywall_id", outcome.Paywall.ID),
			zap.String("cache_key", outcome.Paywall.CacheKey))
	case types.OutcomeSkip:
		p.logger.Debug("presentation skipped",
			zap.String("event", req.Event.Name),
			zap.String("reason", outcome.SkipReason.String()))
	case types.OutcomeError:
		p.logger.Warn("presentation failed",
			zap.String("event", req.Event.Name),
			zap.String("kind", outcome.ErrorKind.String()),
			zap.Error(outcome.Err))
	}
}

func overrideIDs(overrides map[string]string) []string {
	var ids []string
	for _, k := range sortedKeys(overrides) {
		ids = append(ids, overrides[k])
	}
	return ids
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
