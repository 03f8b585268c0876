// client.go
package gatekit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/assignments"
	"github.com/gatekit/gatekit/internal/config"
	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/paywall"
	"github.com/gatekit/gatekit/internal/presentation"
	"github.com/gatekit/gatekit/internal/rules"
	"github.com/gatekit/gatekit/internal/session"
	"github.com/gatekit/gatekit/internal/storage"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Public client.
 *
 * Client is the composition root: it owns the stores, the network
 * layer, the session tracker, and the presentation pipeline. There is
 * no package-level instance; hosts construct as many clients as they
 * need and pass them around explicitly.
 */

// Domain types re-exported for the public surface.
type (
	Outcome           = types.Outcome
	OutcomeKind       = types.OutcomeKind
	SkipReason        = types.SkipReason
	ErrorKind         = types.ErrorKind
	PaywallDefinition = types.PaywallDefinition
	StoreProduct      = types.StoreProduct
	PlacementEvent    = types.PlacementEvent
	Assignment        = types.Assignment

	// Presenter reports whether the host can show a paywall right now.
	Presenter = presentation.Presenter
	// ProductResolver loads store products for paywall product ids.
	ProductResolver = paywall.Resolver
)

const (
	OutcomePresent = types.OutcomePresent
	OutcomeSkip    = types.OutcomeSkip
	OutcomeError   = types.OutcomeError
)

const (
	SkipReasonUserIsSubscribed = types.SkipReasonUserIsSubscribed
	SkipReasonHoldout          = types.SkipReasonHoldout
	SkipReasonNoRuleMatch      = types.SkipReasonNoRuleMatch
	SkipReasonEventNotFound    = types.SkipReasonEventNotFound
	SkipReasonAlreadyPresented = types.SkipReasonAlreadyPresented
	SkipReasonCancelled        = types.SkipReasonCancelled
)

// Sentinel errors surfaced through the public API.
var (
	ErrClosed             = types.ErrClosed
	ErrNotConfigured      = types.ErrNotConfigured
	ErrNoPaywallAvailable = types.ErrNoPaywallAvailable
)

// Observer receives presentation outcomes as they happen.
type Observer interface {
	OnPresented(paywall *PaywallDefinition)
	OnDismissed(paywall *PaywallDefinition)
	OnSkipped(reason SkipReason)
	OnError(err error)
}

// Client is a fully wired SDK instance.
type Client struct {
	settings *settings
	logger   *zap.Logger

	store       *storage.Store
	cfg         *config.Store
	assignments *assignments.Store
	cache       *paywall.Cache
	tracker     *session.Tracker
	pipeline    *presentation.Pipeline

	mu          sync.RWMutex
	subscribed  bool
	userAttrs   map[string]any
	deviceAttrs map[string]any
	presented   *types.PaywallDefinition

	bootCancel context.CancelFunc
	closeOnce  sync.Once
}

// New constructs and starts a client. The initial config fetch runs in
// the background; Register blocks until it lands or its context is
// cancelled.
func New(apiKey string, opts ...Option) (*Client, error) {
	s, err := loadSettings(apiKey, opts)
	if err != nil {
		return nil, err
	}
	logger := s.logger

	store, err := storage.NewStore(s.databaseURL, logger)
	if err != nil {
		return nil, err
	}

	httpClient := network.NewClient(s.apiKey, s.httpClient, logger)
	api := network.NewAPI(httpClient, s.baseURL, s.collectorURL, s.apiKey)

	cfgStore := config.NewStore(api, store, logger)
	assignmentStore := assignments.NewStore(store, api, s.appUserID, logger)
	cache := paywall.NewCache(api, s.appUserID, logger)
	// A new config document can repoint triggers at different paywalls;
	// cached definitions from the old document must not outlive it.
	cfgStore.OnApply(cache.Invalidate)
	tracker := session.NewTracker(store, api, cfgStore, logger)
	evaluator := rules.NewEvaluator(store, assignmentStore, logger)

	c := &Client{
		settings:    s,
		logger:      logger,
		store:       store,
		cfg:         cfgStore,
		assignments: assignmentStore,
		cache:       cache,
		tracker:     tracker,
		userAttrs:   map[string]any{},
		deviceAttrs: map[string]any{},
	}
	c.restoreSubscription()

	c.pipeline = presentation.NewPipeline(
		evaluator, cache, assignmentStore, cfgStore, tracker,
		s.resolver, s.presenter, c.isSubscribed, logger)

	bootCtx, cancel := context.WithCancel(context.Background())
	c.bootCancel = cancel
	go c.boot(bootCtx)

	return c, nil
}

// boot runs startup work off the constructor: session bookkeeping, the
// initial config fetch, server assignment sync, and leftover
// confirmations.
func (c *Client) boot(ctx context.Context) {
	c.tracker.Start(ctx)

	if err := c.cfg.Refresh(ctx, nil); err != nil {
		c.logger.Warn("initial config fetch failed", zap.Error(err))
		return
	}
	// The session resume decision may have used the default timeout.
	c.tracker.ReevaluateTimeout()
	c.cfg.StartBackgroundRefresh(ctx)

	if err := c.assignments.PullServerAssignments(ctx); err != nil {
		c.logger.Warn("assignment sync failed", zap.Error(err))
	}
	if err := c.assignments.ConfirmPending(ctx); err != nil {
		c.logger.Warn("assignment confirmation failed", zap.Error(err))
	}

	c.preloadPaywalls(ctx)
}

// preloadPaywalls warms the cache with every paywall the configured
// triggers can serve, honoring the server's preload settings. Best
// effort: a miss here only means the first presentation fetches live.
func (c *Client) preloadPaywalls(ctx context.Context) {
	cfg := c.cfg.Current()
	if cfg == nil {
		return
	}
	locale := paywall.ResolveLocale(c.settings.locale, cfg)

	seen := map[string]bool{}
	for _, trigger := range cfg.Triggers {
		if !cfg.Preload.Enabled(trigger.EventName) {
			continue
		}
		for _, rule := range trigger.Rules {
			for _, v := range rule.Experiment.Variants {
				if v.PaywallID == "" || seen[v.PaywallID] {
					continue
				}
				seen[v.PaywallID] = true
				req := paywall.Request{Identifier: v.PaywallID, Locale: locale}
				if _, err := c.cache.Get(ctx, req); err != nil {
					c.logger.Debug("paywall preload failed",
						zap.String("paywall", v.PaywallID), zap.Error(err))
				}
			}
		}
	}
}

// Register records a placement event and runs the presentation
// pipeline for it. The outcome is reported to the observer and
// returned.
func (c *Client) Register(ctx context.Context, eventName string, params map[string]any) Outcome {
	event := types.PlacementEvent{
		ID:         types.NewEventID(),
		Name:       eventName,
		Params:     params,
		OccurredAt: time.Now().UTC(),
	}
	outcome := c.pipeline.Run(ctx, c.request(event))

	// History is appended after evaluation so a rule over this event's
	// own occurrences sees the most recent prior one, not the occurrence
	// being decided.
	if err := c.store.RecordEvent(event); err != nil {
		c.logger.Warn("recording event failed", zap.String("event", eventName), zap.Error(err))
	}
	c.notify(outcome)
	return outcome
}

// Present shows the account default paywall outside any trigger.
func (c *Client) Present(ctx context.Context) Outcome {
	event := types.PlacementEvent{
		ID:         types.NewEventID(),
		Name:       paywall.DefaultIdentifier,
		OccurredAt: time.Now().UTC(),
	}
	outcome := c.pipeline.RunDefault(ctx, c.request(event))
	c.notify(outcome)
	return outcome
}

func (c *Client) request(event types.PlacementEvent) presentation.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return presentation.Request{
		Event:            event,
		UserAttributes:   cloneAttrs(c.userAttrs),
		DeviceAttributes: cloneAttrs(c.deviceAttrs),
		Locale:           c.settings.locale,
		Debug:            c.settings.debug,
	}
}

func (c *Client) notify(outcome Outcome) {
	if outcome.Kind == OutcomePresent {
		c.mu.Lock()
		c.presented = outcome.Paywall
		c.mu.Unlock()
		c.tracker.TrackAnalytics("paywall_open")
	}

	obs := c.settings.observer
	if obs == nil {
		return
	}
	switch outcome.Kind {
	case OutcomePresent:
		obs.OnPresented(outcome.Paywall)
	case OutcomeSkip:
		obs.OnSkipped(outcome.SkipReason)
	case OutcomeError:
		obs.OnError(outcome.Err)
	}
}

// PaywallDismissed tells the client the host dismissed the presented
// paywall.
func (c *Client) PaywallDismissed() {
	c.mu.Lock()
	def := c.presented
	c.presented = nil
	c.mu.Unlock()

	if def != nil {
		c.tracker.TrackAnalytics("paywall_close")
		if c.settings.observer != nil {
			c.settings.observer.OnDismissed(def)
		}
	}
}

// Assignments returns the experiment assignments currently held for
// this user, keyed by experiment id.
func (c *Client) Assignments() (map[string]Assignment, error) {
	return c.assignments.All()
}

// RecordTransaction reports a purchase-flow event observed by the host
// (a purchase, a restore, a failure) so it reaches the durable session
// queue and the next flush.
func (c *Client) RecordTransaction(productID, state string) {
	c.tracker.RecordTransaction(types.TransactionEvent{
		ID:         types.NewEventID(),
		SessionID:  c.tracker.CurrentSession(),
		ProductID:  productID,
		State:      state,
		OccurredAt: time.Now().UTC(),
	})
}

// SetSubscriptionStatus records whether the user holds an active
// subscription. The value is persisted so restarts keep gating without
// waiting for the host to re-report it.
func (c *Client) SetSubscriptionStatus(active bool) {
	c.mu.Lock()
	c.subscribed = active
	c.mu.Unlock()

	value := "0"
	if active {
		value = "1"
	}
	if err := c.store.SetKV(storage.KeySubscriptionStatus, value); err != nil {
		c.logger.Warn("persisting subscription status failed", zap.Error(err))
	}
}

func (c *Client) restoreSubscription() {
	value, ok, err := c.store.GetKV(storage.KeySubscriptionStatus)
	if err != nil || !ok {
		return
	}
	c.subscribed = value == "1"
}

func (c *Client) isSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// SetUserAttributes merges attributes into the user.* expression
// namespace.
func (c *Client) SetUserAttributes(attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range attrs {
		c.userAttrs[k] = v
	}
}

// SetDeviceAttributes merges attributes into the device.* expression
// namespace.
func (c *Client) SetDeviceAttributes(attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range attrs {
		c.deviceAttrs[k] = v
	}
}

// Foreground reports the host entering the foreground.
func (c *Client) Foreground(ctx context.Context) {
	c.tracker.Foreground(ctx)
}

// Background reports the host leaving the foreground. Queued session
// records are flushed while the process can still run.
func (c *Client) Background(ctx context.Context) {
	c.tracker.Background(ctx)
}

// Close flushes pending session records and releases the database. The
// client must not be used afterwards; a second Close returns ErrClosed.
func (c *Client) Close(ctx context.Context) error {
	err := types.ErrClosed
	c.closeOnce.Do(func() {
		c.bootCancel()
		c.cfg.StopBackgroundRefresh()
		if flushErr := c.tracker.Flush(ctx); flushErr != nil {
			c.logger.Warn("final session flush failed", zap.Error(flushErr))
		}
		err = c.store.Close()
		_ = c.logger.Sync()
	})
	return err
}

func cloneAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
