package types

import "errors"

// Sentinel errors for gatekit operations.
var (
	// ErrNotFound indicates the server has no paywall (or resource) for the
	// request. Terminal: never retried.
	ErrNotFound = errors.New("resource not found")

	// ErrDecodeFailure indicates a response body could not be decoded.
	// Terminal: retrying cannot fix a malformed body.
	ErrDecodeFailure = errors.New("response decode failed")

	// ErrRetriesExhausted indicates the retry budget ran out on transport
	// or server errors.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrMalformedExpression indicates a rule expression failed to parse.
	ErrMalformedExpression = errors.New("malformed rule expression")

	// ErrMissingComputedProperty indicates an expression referenced a
	// computed property the rule did not request.
	ErrMissingComputedProperty = errors.New("computed property not requested by rule")

	// ErrNoPresenter indicates no live presentation surface is available.
	ErrNoPresenter = errors.New("no presenter available")

	// ErrNoPaywallAvailable indicates the paywall body could not be
	// obtained for an otherwise matching request.
	ErrNoPaywallAvailable = errors.New("no paywall available")

	// ErrCoercionFailed indicates an expression operand could not be
	// coerced to the type its operator requires.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrNotConfigured indicates the client is missing configuration it
	// cannot run without.
	ErrNotConfigured = errors.New("not configured")

	// ErrClosed indicates the client was already closed.
	ErrClosed = errors.New("client closed")
)
