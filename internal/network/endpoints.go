// internal/network/endpoints.go
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Typed API surface over Client.
 *
 * Each method builds a Request for one server endpoint, sends it, and
 * converts the wire response into internal/types values.
 *
 * GET urls are assembled by string concatenation rather than url.Values:
 * the server's CDN keys its cache on the literal query string, so the
 * parameter order (pk first, then locale) must be stable.
 */

// API exposes one method per server endpoint.
type API struct {
	client       *Client
	baseURL      string
	collectorURL string
	apiKey       string
}

// NewAPI wires the retrying client to concrete base urls. baseURL serves
// config and paywall reads, collectorURL ingests events and sessions.
func NewAPI(client *Client, baseURL, collectorURL, apiKey string) *API {
	return &API{
		client:       client,
		baseURL:      baseURL,
		collectorURL: collectorURL,
		apiKey:       apiKey,
	}
}

func (a *API) get(ctx context.Context, u string, out any, onRetry func(int)) error {
	return a.client.Do(ctx, &Request{
		Method:    http.MethodGet,
		URL:       u,
		RequestID: types.NewRequestID(),
		OnRetry:   onRetry,
	}, out)
}

func (a *API) post(ctx context.Context, u string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	return a.client.Do(ctx, &Request{
		Method:    http.MethodPost,
		URL:       u,
		Body:      raw,
		RequestID: types.NewRequestID(),
	}, out)
}

// FetchConfig retrieves the static configuration document.
func (a *API) FetchConfig(ctx context.Context, onRetry func(int)) (*types.Config, error) {
	var resp configResponse
	u := a.baseURL + "/v1/static_config?pk=" + url.QueryEscape(a.apiKey)
	if err := a.get(ctx, u, &resp, onRetry); err != nil {
		return nil, err
	}
	return resp.toConfig(time.Now().UTC()), nil
}

// FetchPaywall retrieves a paywall definition by identifier. locale is
// appended only when non-empty.
func (a *API) FetchPaywall(ctx context.Context, identifier, locale string) (*types.PaywallDefinition, error) {
	u := a.baseURL + "/v1/paywall/" + url.PathEscape(identifier) + "?pk=" + url.QueryEscape(a.apiKey)
	if locale != "" {
		u += "&locale=" + url.QueryEscape(locale)
	}

	var resp paywallResponse
	if err := a.get(ctx, u, &resp, nil); err != nil {
		return nil, err
	}
	return resp.toPaywall(), nil
}

// FetchPaywallForEvent asks the server to choose a paywall for an event.
func (a *API) FetchPaywallForEvent(ctx context.Context, event types.PlacementEvent) (*types.PaywallDefinition, error) {
	var resp paywallResponse
	err := a.post(ctx, a.baseURL+"/v1/paywall", paywallEventRequest{Event: toEventWire(event)}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toPaywall(), nil
}

// FetchDefaultPaywall retrieves the account default paywall, used when
// presentation is requested without a triggering event.
func (a *API) FetchDefaultPaywall(ctx context.Context, appUserID string) (*types.PaywallDefinition, error) {
	var resp paywallResponse
	err := a.post(ctx, a.baseURL+"/v1/paywall", paywallDefaultRequest{AppUserID: appUserID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toPaywall(), nil
}

// FetchAssignments retrieves the server-side assignment overrides for
// the current user.
func (a *API) FetchAssignments(ctx context.Context) ([]types.Assignment, error) {
	var resp assignmentsResponse
	if err := a.get(ctx, a.baseURL+"/v1/assignments", &resp, nil); err != nil {
		return nil, err
	}

	out := make([]types.Assignment, 0, len(resp.Assignments))
	for _, aw := range resp.Assignments {
		out = append(out, types.Assignment{
			ExperimentID: aw.ExperimentID,
			VariantID:    aw.VariantID,
			Confirmed:    true,
		})
	}
	return out, nil
}

// ConfirmAssignments posts locally confirmed assignments and returns the
// experiment ids the server accepted.
func (a *API) ConfirmAssignments(ctx context.Context, assignments []types.Assignment) ([]string, error) {
	req := confirmAssignmentsRequest{}
	for _, as := range assignments {
		req.Assignments = append(req.Assignments, assignmentWire{
			ExperimentID: as.ExperimentID,
			VariantID:    as.VariantID,
		})
	}

	var resp confirmAssignmentsResponse
	if err := a.post(ctx, a.baseURL+"/v1/confirm_assignments", req, &resp); err != nil {
		return nil, err
	}
	return resp.Accepted, nil
}

// PostEvents delivers a batch of analytics events to the collector.
func (a *API) PostEvents(ctx context.Context, events []types.PlacementEvent) error {
	req := eventsRequest{Events: make([]eventWire, 0, len(events))}
	for _, ev := range events {
		req.Events = append(req.Events, toEventWire(ev))
	}

	var resp eventsResponse
	return a.post(ctx, a.collectorURL+"/v1/events", req, &resp)
}

// PostSessionEvents flushes trigger sessions and transactions to the
// collector. The returned ids name the accepted records; anything not
// acknowledged stays queued for the next flush.
func (a *API) PostSessionEvents(ctx context.Context, sessions []types.TriggerSession, transactions []types.TransactionEvent) ([]string, error) {
	req := sessionEventsRequest{}
	for _, s := range sessions {
		req.TriggerSessions = append(req.TriggerSessions, toTriggerSessionWire(s))
	}
	for _, t := range transactions {
		req.Transactions = append(req.Transactions, transactionWire{
			ID:         string(t.ID),
			SessionID:  string(t.SessionID),
			ProductID:  t.ProductID,
			State:      t.State,
			OccurredAt: t.OccurredAt.UTC().Format(time.RFC3339),
		})
	}

	var resp sessionEventsResponse
	if err := a.post(ctx, a.collectorURL+"/v1/session_events", req, &resp); err != nil {
		return nil, err
	}
	return resp.AcceptedIDs, nil
}
