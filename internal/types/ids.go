package types

import (
	"github.com/google/uuid"
)

// EventID represents a UUIDv7 event identifier.
// String alias enables type safety while maintaining JSON string
// serialization. UUIDv7 time-ordering ensures sequential IDs cluster in
// B-tree indexes of the durable queues.
type EventID string

// SessionID represents a UUIDv7 app- or trigger-session identifier.
type SessionID string

// RequestID represents a UUIDv7 network request identifier sent with each
// config and paywall fetch for server-side correlation.
type RequestID string

// NewEventID generates a UUIDv7 event identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

// NewSessionID generates a UUIDv7 session identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewSessionID() SessionID {
	return SessionID(uuid.Must(uuid.NewV7()).String())
}

// NewRequestID generates a UUIDv7 request identifier.
func NewRequestID() RequestID {
	return RequestID(uuid.Must(uuid.NewV7()).String())
}
