// Package network provides the retrying HTTP client and the endpoint
// builders for the remote config, paywall, assignment and analytics APIs.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Generic retrying request executor.
 *
 * Built on hashicorp/go-retryablehttp with a response classifier:
 *   - transport errors and 5xx responses are retried
 *   - 404 is terminal ErrNotFound, never retried
 *   - other 4xx are terminal application errors
 *   - decode failures are terminal ErrDecodeFailure
 *
 * Backoff is exponential with jitter by attempt index unless the request
 * carries a fixed interval override. Attempts are capped (default 6).
 * Exhaustion returns the last observed error wrapped with the attempt
 * count so callers can classify network vs application failure.
 *
 * Cancellation: the request context is honored mid-attempt (http round
 * trip) and mid-backoff (retryablehttp selects on ctx.Done during waits).
 */

// DefaultMaxAttempts caps retries when a request does not override it.
const DefaultMaxAttempts = 6

const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// Request is one executable API request. URL is fully built by the
// endpoint constructors; query parameter order is preserved as given.
type Request struct {
	Method    string
	URL       string
	Body      []byte
	RequestID types.RequestID

	// MaxAttempts overrides DefaultMaxAttempts when > 0.
	MaxAttempts int
	// RetryInterval, when > 0, replaces exponential backoff with a fixed
	// wait between attempts.
	RetryInterval time.Duration
	// OnRetry is invoked with the attempt number (1-based) before each
	// retry, for diagnostics.
	OnRetry func(attempt int)
}

// Client executes Requests with retry, classification and JSON decoding.
type Client struct {
	apiKey string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a request executor. httpClient may be nil, in which
// case a default client with a sane timeout is used.
func NewClient(apiKey string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{apiKey: apiKey, http: httpClient, logger: logger}
}

// Do executes the request and decodes the JSON response body into out.
// A nil out skips decoding. Returns ErrNotFound, ErrDecodeFailure or a
// wrapped ErrRetriesExhausted per the classifier above.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.http
	rc.RetryMax = maxAttempts - 1
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = backoffFunc(req.RetryInterval)
	// Surface the final 5xx response instead of a generic giving-up error
	// so exhaustion can be tagged with the attempt count below.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	attempts := 0
	rc.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		attempts = attempt + 1
		if attempt > 0 {
			c.logger.Debug("retrying request",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt))
			if req.OnRetry != nil {
				req.OnRetry(attempt)
			}
		}
	}

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return err
	}

	resp, err := rc.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %d attempts: %v", types.ErrRetriesExhausted, attempts, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.ErrNotFound
	case resp.StatusCode >= 500:
		// CheckRetry exhausted the budget on 5xx without a transport error.
		return fmt.Errorf("%w after %d attempts: server status %d", types.ErrRetriesExhausted, attempts, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", types.ErrDecodeFailure, err)
	}
	return nil
}

// buildRequest assembles the retryable request with auth and correlation
// headers.
func (c *Client) buildRequest(ctx context.Context, req *Request) (*retryablehttp.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", string(req.RequestID))
	}
	if req.Method == http.MethodPost {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// checkRetry classifies a response for retry purposes. Transport errors
// and 5xx retry; 404 and other 4xx terminate immediately.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// backoffFunc returns the wait strategy: a fixed interval when override
// is set, otherwise exponential with jitter by attempt index. The jitter
// is additive so delays stay non-decreasing across attempts.
func backoffFunc(override time.Duration) retryablehttp.Backoff {
	if override > 0 {
		return func(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
			return override
		}
	}
	return func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		d := backoffBase << uint(attempt)
		if d > backoffCap {
			d = backoffCap
		}
		jitter := time.Duration(rand.Int63n(int64(backoffBase)))
		return d + jitter
	}
}
