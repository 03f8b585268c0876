// internal/session/tracker.go
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/config"
	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/storage"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Session tracking.
 *
 * An app session spans foreground activity. Backgrounding soft-ends the
 * session: if the app returns within the configured timeout the session
 * resumes, otherwise a fresh one starts. The timeout comes from config;
 * until the first config document arrives a conservative default is
 * used and the decision is re-checked once real config lands.
 *
 * Trigger sessions and transaction events are written to a durable
 * queue and flushed at session boundaries and at process start, so
 * records produced right before a crash or kill survive to the next
 * run. The server acknowledges accepted ids; everything else stays
 * queued.
 */

// DefaultAppSessionTimeout applies until config supplies one.
const DefaultAppSessionTimeout = time.Hour

const flushBatchSize = 50

const maxAnalyticsBuffer = 500

// historyRetention bounds how far back the event history is kept.
// Computed properties only ever look at the latest occurrence.
const historyRetention = 365 * 24 * time.Hour

// Tracker owns the app session lifecycle and the durable session queues.
type Tracker struct {
	db     *storage.Store
	api    *network.API
	cfg    *config.Store
	logger *zap.Logger
	now    func() time.Time

	mu             sync.Mutex
	current        *types.AppSession
	lastBackground *time.Time
	// resumeGap remembers the background gap a resume was decided on, so
	// the decision can be re-checked once real config arrives.
	resumeGap *time.Duration
	analytics []types.PlacementEvent
}

func NewTracker(db *storage.Store, api *network.API, cfg *config.Store, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		api:    api,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start runs process-start bookkeeping: first-run flags, the initial
// app session, and a flush of anything the previous run left queued.
func (t *Tracker) Start(ctx context.Context) {
	t.trackFirstRun()

	t.mu.Lock()
	t.current = &types.AppSession{ID: types.NewSessionID(), StartAt: t.now()}
	t.mu.Unlock()

	t.TrackAnalytics("app_open")
	t.TrackAnalytics("session_start")

	if err := t.db.PruneEvents(t.now().Add(-historyRetention)); err != nil {
		t.logger.Warn("event history prune failed", zap.Error(err))
	}
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("startup session flush failed", zap.Error(err))
	}
}

// TrackAnalytics queues a lifecycle event (app_open, app_close,
// session_start, paywall_open, paywall_close) for the next batch to the
// collector. Suppressed when the server disables verbose events.
func (t *Tracker) TrackAnalytics(name string) {
	if t.cfg.Flags().DisableVerboseEvents {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.analytics = append(t.analytics, types.PlacementEvent{
		ID:         types.NewEventID(),
		Name:       name,
		OccurredAt: t.now(),
	})
}

// flushAnalytics posts the queued lifecycle events. Best effort: a
// failed batch is kept for the next flush, capped so an unreachable
// collector cannot grow the buffer without bound.
func (t *Tracker) flushAnalytics(ctx context.Context) {
	t.mu.Lock()
	batch := t.analytics
	t.analytics = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := t.api.PostEvents(ctx, batch); err != nil {
		t.logger.Debug("analytics batch failed", zap.Error(err), zap.Int("events", len(batch)))
		t.mu.Lock()
		if len(t.analytics)+len(batch) <= maxAnalyticsBuffer {
			t.analytics = append(batch, t.analytics...)
		}
		t.mu.Unlock()
	}
}

// trackFirstRun records the install timestamp and one-shot flags the
// first time the process ever runs.
func (t *Tracker) trackFirstRun() {
	_, seen, err := t.db.GetKV(storage.KeyInstallTimestamp)
	if err != nil || seen {
		return
	}
	now := t.now().Format(time.RFC3339)
	if err := t.db.SetKV(storage.KeyInstallTimestamp, now); err != nil {
		t.logger.Warn("recording install timestamp failed", zap.Error(err))
		return
	}
	_ = t.db.SetKV(storage.KeyFirstSeenTracked, now)
	_ = t.db.SetKV(storage.KeyFirstSessionTracked, now)
}

// Foreground resumes the current session when the background gap is
// within the session timeout, otherwise rolls over to a new session.
func (t *Tracker) Foreground(ctx context.Context) {
	t.mu.Lock()
	rolled := false
	switch {
	case t.current == nil:
		t.current = &types.AppSession{ID: types.NewSessionID(), StartAt: t.now()}
		rolled = true
	case t.lastBackground == nil:
	case t.now().Sub(*t.lastBackground) <= t.timeout():
		// Resume: undo the soft end, but keep the gap around in case
		// the timeout used here was the pre-config default.
		gap := t.now().Sub(*t.lastBackground)
		t.resumeGap = &gap
		t.current.EndAt = nil
		t.lastBackground = nil
	default:
		t.current = &types.AppSession{ID: types.NewSessionID(), StartAt: t.now()}
		t.lastBackground = nil
		t.resumeGap = nil
		rolled = true
	}
	t.mu.Unlock()

	t.TrackAnalytics("app_open")
	if rolled {
		t.TrackAnalytics("session_start")
	}
}

// Background soft-ends the current session and flushes the queue while
// the process still has a chance to run.
func (t *Tracker) Background(ctx context.Context) {
	t.mu.Lock()
	now := t.now()
	if t.current != nil {
		t.current.EndAt = &now
	}
	t.lastBackground = &now
	t.mu.Unlock()

	if err := t.db.SetKV(storage.KeyLastAppClose, now.Format(time.RFC3339)); err != nil {
		t.logger.Warn("recording app close failed", zap.Error(err))
	}
	t.TrackAnalytics("app_close")
	if err := t.Flush(ctx); err != nil {
		t.logger.Warn("background session flush failed", zap.Error(err))
	}
}

// ReevaluateTimeout re-checks the last resume decision against the real
// config timeout. Called once the first config document arrives, since
// the resume may have been decided against the default timeout. The
// recorded gap is consumed either way; one config document gets one
// re-check.
func (t *Tracker) ReevaluateTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.resumeGap == nil {
		return
	}
	gap := *t.resumeGap
	t.resumeGap = nil
	if gap > t.timeout() {
		t.current = &types.AppSession{ID: types.NewSessionID(), StartAt: t.now()}
		t.lastBackground = nil
	}
}

// timeout must be called with t.mu held or from a context where config
// races are acceptable.
func (t *Tracker) timeout() time.Duration {
	if cfg := t.cfg.Current(); cfg != nil && cfg.AppSessionTimeout > 0 {
		return cfg.AppSessionTimeout
	}
	return DefaultAppSessionTimeout
}

// CurrentSession returns the active app session id, creating a session
// if none exists yet.
func (t *Tracker) CurrentSession() types.SessionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		t.current = &types.AppSession{ID: types.NewSessionID(), StartAt: t.now()}
	}
	return t.current.ID
}

// BeginTriggerSession opens a trigger session for one presentation
// decision.
func (t *Tracker) BeginTriggerSession(eventName string) types.TriggerSession {
	return types.TriggerSession{
		ID:        types.NewSessionID(),
		EventName: eventName,
		StartAt:   t.now(),
	}
}

// EndTriggerSession stamps the outcome onto the trigger session and
// queues it for delivery.
func (t *Tracker) EndTriggerSession(ts types.TriggerSession, outcome types.Outcome) {
	now := t.now()
	ts.EndAt = &now
	ts.Outcome = outcomeLabel(outcome)
	if outcome.Paywall != nil {
		ts.PaywallID = outcome.Paywall.ID
	}
	if outcome.Experiment != nil {
		ts.ExperimentID = outcome.Experiment.ID
		if outcome.Variant != nil {
			ts.VariantID = outcome.Variant.ID
		}
	}
	t.enqueue(string(ts.ID), storage.QueueKindTriggerSession, ts)
}

// RecordTransaction queues a transaction event observed during a
// trigger session.
func (t *Tracker) RecordTransaction(txn types.TransactionEvent) {
	t.enqueue(string(txn.ID), storage.QueueKindTransaction, txn)
}

func (t *Tracker) enqueue(id string, kind storage.QueueKind, record any) {
	if !t.cfg.Flags().EnableSessionEvents {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.logger.Warn("encoding session record failed", zap.Error(err))
		return
	}
	if err := t.db.Enqueue(id, kind, payload); err != nil {
		t.logger.Warn("queueing session record failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Flush drains the durable queue in batches. Rows the server does not
// acknowledge are kept for the next flush.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushAnalytics(ctx)

	if !t.cfg.Flags().EnableSessionEvents {
		return nil
	}

	if size, err := t.db.QueueSize(); err == nil && size > 0 {
		t.logger.Debug("flushing session queue", zap.Int("pending", size))
	}

	for {
		rows, err := t.db.PendingQueue(flushBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		var sessions []types.TriggerSession
		var transactions []types.TransactionEvent
		for _, row := range rows {
			switch row.Kind {
			case string(storage.QueueKindTriggerSession):
				var ts types.TriggerSession
				if err := json.Unmarshal([]byte(row.Payload), &ts); err == nil {
					sessions = append(sessions, ts)
				}
			case string(storage.QueueKindTransaction):
				var txn types.TransactionEvent
				if err := json.Unmarshal([]byte(row.Payload), &txn); err == nil {
					transactions = append(transactions, txn)
				}
			}
		}

		accepted, err := t.api.PostSessionEvents(ctx, sessions, transactions)
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			// Nothing acknowledged; retrying now would loop on the
			// same batch.
			return nil
		}
		if err := t.db.DeleteQueued(accepted); err != nil {
			return err
		}
		if len(rows) < flushBatchSize {
			return nil
		}
	}
}

func outcomeLabel(o types.Outcome) string {
	switch o.Kind {
	case types.OutcomePresent:
		return "present"
	case types.OutcomeSkip:
		return "skip_" + o.SkipReason.String()
	case types.OutcomeError:
		return "error_" + o.ErrorKind.String()
	default:
		return "unknown"
	}
}
