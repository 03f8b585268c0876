// internal/presentation/pipeline_test.go
package presentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/assignments"
	"github.com/gatekit/gatekit/internal/config"
	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/paywall"
	"github.com/gatekit/gatekit/internal/rules"
	"github.com/gatekit/gatekit/internal/session"
	"github.com/gatekit/gatekit/internal/storage"
	"github.com/gatekit/gatekit/internal/types"
)

type fakePresenter struct {
	canPresent   bool
	isPresenting bool
}

func (f *fakePresenter) CanPresent() bool   { return f.canPresent }
func (f *fakePresenter) IsPresenting() bool { return f.isPresenting }

const pipelineConfig = `{
	"triggers": [
		{
			"event_name": "campaign_trigger",
			"rules": [
				{
					"expression": "params.plan == \"pro\"",
					"experiment": {
						"id": "exp-1",
						"variants": [
							{"id": "v1", "type": "TREATMENT", "paywall_id": "campaign_trigger", "percentage": 100}
						]
					}
				}
			]
		},
		{
			"event_name": "holdout_trigger",
			"rules": [
				{
					"expression": "params.plan == \"pro\"",
					"experiment": {
						"id": "exp-2",
						"variants": [
							{"id": "v2", "type": "HOLDOUT", "percentage": 100}
						]
					}
				}
			]
		},
		{
			"event_name": "server_choice_trigger",
			"rules": [
				{
					"expression": "params.plan == \"pro\"",
					"experiment": {
						"id": "exp-3",
						"variants": [
							{"id": "v3", "type": "TREATMENT", "percentage": 100}
						]
					}
				}
			]
		}
	],
	"locales": ["en_US"],
	"app_session_timeout_ms": 1800000,
	"toggles": [
		{"key": "enable_session_events", "enabled": true},
		{"key": "enable_expression_params", "enabled": true}
	]
}`

type pipelineEnv struct {
	pipeline     *Pipeline
	db           *storage.Store
	presenter    *fakePresenter
	subscribed   atomic.Bool
	paywallHits  *atomic.Int32
	byEventHits  *atomic.Int32
	paywallFound atomic.Bool
	// paywallRelease, when non-nil, blocks the paywall handler until closed.
	mu             sync.Mutex
	paywallRelease chan struct{}

	confirmMu     sync.Mutex
	confirmAccept []string
	confirmed     []string
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	env := &pipelineEnv{
		presenter:   &fakePresenter{canPresent: true},
		paywallHits: &atomic.Int32{},
		byEventHits: &atomic.Int32{},
	}
	env.paywallFound.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/static_config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pipelineConfig))
	})
	mux.HandleFunc("/v1/paywall/", func(w http.ResponseWriter, r *http.Request) {
		env.paywallHits.Add(1)
		env.mu.Lock()
		release := env.paywallRelease
		env.mu.Unlock()
		if release != nil {
			<-release
		}
		if !env.paywallFound.Load() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"id": "pw-1", "identifier": "campaign_trigger", "url": "https://pw.example/1"}`))
	})
	mux.HandleFunc("/v1/paywall", func(w http.ResponseWriter, r *http.Request) {
		env.byEventHits.Add(1)
		w.Write([]byte(`{"id": "pw-2", "identifier": "server_choice", "url": "https://pw.example/2"}`))
	})
	mux.HandleFunc("/v1/confirm_assignments", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Assignments []struct {
				ExperimentID string `json:"experiment_id"`
				VariantID    string `json:"variant_id"`
			} `json:"assignments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		env.confirmMu.Lock()
		for _, a := range body.Assignments {
			env.confirmed = append(env.confirmed, a.ExperimentID+"/"+a.VariantID)
		}
		accept := append([]string(nil), env.confirmAccept...)
		env.confirmMu.Unlock()
		resp, _ := json.Marshal(map[string]any{"accepted_experiment_ids": accept})
		w.Write(resp)
	})
	mux.HandleFunc("/v1/session_events", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted_ids": []}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	db, err := storage.NewStore("sqlite://"+filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("storage.NewStore() error = %v, want nil", err)
	}
	t.Cleanup(func() { db.Close() })
	env.db = db

	logger := zap.NewNop()
	client := network.NewClient("pk_test", nil, logger)
	api := network.NewAPI(client, srv.URL, srv.URL, "pk_test")

	cfg := config.NewStore(api, db, logger)
	if err := cfg.Refresh(context.Background(), nil); err != nil {
		t.Fatalf("config.Refresh() error = %v, want nil", err)
	}

	assignmentStore := assignments.NewStore(db, api, "user-1", logger)
	cache := paywall.NewCache(api, "user-1", logger)
	tracker := session.NewTracker(db, api, cfg, logger)
	evaluator := rules.NewEvaluator(db, assignmentStore, logger)

	env.pipeline = NewPipeline(
		evaluator, cache, assignmentStore, cfg, tracker,
		nil, env.presenter, env.subscribed.Load, logger)
	return env
}

func proRequest(eventName string) Request {
	return Request{
		Event: types.PlacementEvent{
			ID:         types.NewEventID(),
			Name:       eventName,
			Params:     map[string]any{"plan": "pro"},
			OccurredAt: time.Now().UTC(),
		},
		Locale: "en_US",
	}
}

func TestRun_PresentsMatchedPaywall(t *testing.T) {
	env := newPipelineEnv(t)

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomePresent {
		t.Fatalf("Kind = %v (err %v), want OutcomePresent", outcome.Kind, outcome.Err)
	}
	if outcome.Paywall.CacheKey != "campaign_trigger_en_US_" {
		t.Errorf("CacheKey = %q, want campaign_trigger_en_US_", outcome.Paywall.CacheKey)
	}
	if outcome.Experiment == nil || outcome.Experiment.ID != "exp-1" {
		t.Errorf("Experiment = %v, want exp-1", outcome.Experiment)
	}
}

func TestRun_SubscribedUserStillSeesMatchedPaywall(t *testing.T) {
	env := newPipelineEnv(t)
	env.subscribed.Store(true)

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomePresent {
		t.Errorf("Kind = %v, want OutcomePresent (matched rule bypasses subscription)", outcome.Kind)
	}
}

func TestRun_NoRuleMatchFetchesNothing(t *testing.T) {
	env := newPipelineEnv(t)

	req := proRequest("campaign_trigger")
	req.Event.Params = map[string]any{"plan": "free"}
	outcome := env.pipeline.Run(context.Background(), req)

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonNoRuleMatch {
		t.Fatalf("outcome = %v/%v, want skip/noRuleMatch", outcome.Kind, outcome.SkipReason)
	}
	if got := env.paywallHits.Load(); got != 0 {
		t.Errorf("paywall fetches = %d, want 0 on no-match", got)
	}
}

func TestRun_UnknownEventSkips(t *testing.T) {
	env := newPipelineEnv(t)

	outcome := env.pipeline.Run(context.Background(), proRequest("unknown_event"))

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonEventNotFound {
		t.Errorf("outcome = %v/%v, want skip/eventNotFound", outcome.Kind, outcome.SkipReason)
	}
}

func TestRun_HoldoutSkips(t *testing.T) {
	env := newPipelineEnv(t)

	outcome := env.pipeline.Run(context.Background(), proRequest("holdout_trigger"))

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonHoldout {
		t.Fatalf("outcome = %v/%v, want skip/holdout", outcome.Kind, outcome.SkipReason)
	}
	if got := env.paywallHits.Load(); got != 0 {
		t.Errorf("paywall fetches = %d, want 0 on holdout", got)
	}
}

func TestRun_MissingPaywallIsTypedError(t *testing.T) {
	env := newPipelineEnv(t)
	env.paywallFound.Store(false)

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomeError {
		t.Fatalf("Kind = %v, want OutcomeError", outcome.Kind)
	}
	if outcome.ErrorKind != types.ErrorKindNotFound {
		t.Errorf("ErrorKind = %v, want ErrorKindNotFound", outcome.ErrorKind)
	}
	if !errors.Is(outcome.Err, types.ErrNoPaywallAvailable) {
		t.Errorf("Err = %v, want ErrNoPaywallAvailable", outcome.Err)
	}
}

func TestRun_SubscribedUserHoldoutSkipsAsSubscribed(t *testing.T) {
	env := newPipelineEnv(t)
	env.subscribed.Store(true)

	outcome := env.pipeline.Run(context.Background(), proRequest("holdout_trigger"))

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonUserIsSubscribed {
		t.Errorf("outcome = %v/%v, want skip/userIsSubscribed for a subscribed holdout user",
			outcome.Kind, outcome.SkipReason)
	}
}

func TestRun_ConfirmsAssignmentOnlyAfterServerAck(t *testing.T) {
	env := newPipelineEnv(t)
	env.confirmMu.Lock()
	env.confirmAccept = []string{"exp-1"}
	env.confirmMu.Unlock()

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))
	if outcome.Kind != types.OutcomePresent {
		t.Fatalf("Kind = %v (err %v), want OutcomePresent", outcome.Kind, outcome.Err)
	}

	// The postback is fire-and-forget; wait for the server ack to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := env.db.PendingAssignments()
		if err != nil {
			t.Fatalf("PendingAssignments() error = %v, want nil", err)
		}
		if len(pending) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("assignment still pending after ack, %d rows", len(pending))
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.confirmMu.Lock()
	confirmed := append([]string(nil), env.confirmed...)
	env.confirmMu.Unlock()
	if len(confirmed) != 1 || confirmed[0] != "exp-1/v1" {
		t.Errorf("confirmation postback = %v, want [exp-1/v1]", confirmed)
	}
}

func TestRun_VariantWithoutPaywallAsksServerToChoose(t *testing.T) {
	env := newPipelineEnv(t)

	outcome := env.pipeline.Run(context.Background(), proRequest("server_choice_trigger"))

	if outcome.Kind != types.OutcomePresent {
		t.Fatalf("Kind = %v (err %v), want OutcomePresent", outcome.Kind, outcome.Err)
	}
	if outcome.Paywall.ID != "pw-2" {
		t.Errorf("Paywall.ID = %q, want pw-2", outcome.Paywall.ID)
	}
	if got := env.byEventHits.Load(); got != 1 {
		t.Errorf("by-event fetches = %d, want 1", got)
	}
	if got := env.paywallHits.Load(); got != 0 {
		t.Errorf("identifier fetches = %d, want 0 when the variant pins no paywall", got)
	}
}

func TestRun_StorageFailureIsStorageError(t *testing.T) {
	env := newPipelineEnv(t)
	env.db.Close()

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomeError {
		t.Fatalf("Kind = %v, want OutcomeError", outcome.Kind)
	}
	if outcome.ErrorKind != types.ErrorKindStorage {
		t.Errorf("ErrorKind = %v, want ErrorKindStorage", outcome.ErrorKind)
	}
}

func TestRun_AlreadyPresentingSkips(t *testing.T) {
	env := newPipelineEnv(t)
	env.presenter.isPresenting = true

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonAlreadyPresented {
		t.Errorf("outcome = %v/%v, want skip/alreadyPresented", outcome.Kind, outcome.SkipReason)
	}
}

func TestRun_NoSurfaceIsTypedError(t *testing.T) {
	env := newPipelineEnv(t)
	env.presenter.canPresent = false

	outcome := env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomeError || outcome.ErrorKind != types.ErrorKindNoPresenter {
		t.Errorf("outcome = %v/%v, want error/noPresenter", outcome.Kind, outcome.ErrorKind)
	}
}

func TestRun_DebugBypassesPresentableCheck(t *testing.T) {
	env := newPipelineEnv(t)
	env.presenter.canPresent = false

	req := proRequest("campaign_trigger")
	req.Debug = true
	outcome := env.pipeline.Run(context.Background(), req)

	if outcome.Kind != types.OutcomePresent {
		t.Errorf("Kind = %v, want OutcomePresent under debug", outcome.Kind)
	}
}

func TestRun_CancelledContextSkips(t *testing.T) {
	env := newPipelineEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := env.pipeline.Run(ctx, proRequest("campaign_trigger"))

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonCancelled {
		t.Errorf("outcome = %v/%v, want skip/cancelled", outcome.Kind, outcome.SkipReason)
	}
}

func TestRun_ConcurrentIdenticalRequestsShareOneFetch(t *testing.T) {
	env := newPipelineEnv(t)

	env.mu.Lock()
	env.paywallRelease = make(chan struct{})
	env.mu.Unlock()

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = env.pipeline.Run(context.Background(), proRequest("campaign_trigger"))
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	env.mu.Lock()
	close(env.paywallRelease)
	env.paywallRelease = nil
	env.mu.Unlock()
	wg.Wait()

	for i, outcome := range outcomes {
		if outcome.Kind != types.OutcomePresent {
			t.Fatalf("outcome[%d].Kind = %v, want OutcomePresent", i, outcome.Kind)
		}
	}
	if got := env.paywallHits.Load(); got != 1 {
		t.Errorf("paywall fetches = %d, want 1 for coalesced requests", got)
	}
}

func TestRunDefault_SubscribedUserSkips(t *testing.T) {
	env := newPipelineEnv(t)
	env.subscribed.Store(true)

	outcome := env.pipeline.RunDefault(context.Background(), Request{Locale: "en_US"})

	if outcome.Kind != types.OutcomeSkip || outcome.SkipReason != types.SkipReasonUserIsSubscribed {
		t.Errorf("outcome = %v/%v, want skip/userIsSubscribed", outcome.Kind, outcome.SkipReason)
	}
}
