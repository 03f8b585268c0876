// internal/storage/store.go
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Typed store operations over the durable tables.
 *
 * Single-writer discipline: all mutations serialize through one mutex so
 * concurrent pipeline runs never interleave read-modify-write sequences.
 * Reads of individual rows go through the same mutex for simplicity; the
 * row volume here (one assignment per experiment, one kv row per flag)
 * makes reader/writer separation not worth the complexity.
 *
 * Timestamps are RFC3339 UTC strings in both drivers so lexicographic
 * ORDER BY equals chronological order and no per-driver branching leaks
 * out of this package.
 */

// Well-known kv keys. These are a persistence contract: renaming one
// orphans existing installs' state.
const (
	KeySubscriptionStatus  = "subscription_status"
	KeyInstallTimestamp    = "install_ts"
	KeyLastAppClose        = "last_app_close_ts"
	KeyFirstSeenTracked    = "first_seen_tracked"
	KeyFirstSessionTracked = "first_session_tracked"
	KeyFeatureFlags        = "feature_flags"
)

// QueueKind discriminates durable queue payloads.
type QueueKind string

const (
	QueueKindTriggerSession QueueKind = "trigger_session"
	QueueKindTransaction    QueueKind = "transaction"
)

// QueueRow is one pending row of the session/transaction queue.
type QueueRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
	CreatedAt string `db:"created_at"`
}

// Store exposes the SDK's durable state with serialized mutation.
type Store struct {
	mu      sync.Mutex
	db      *sqlx.DB
	queries *Queries
	logger  *zap.Logger
}

// NewStore opens the database, applies pending migrations, and loads the
// named queries.
func NewStore(dbURL string, logger *zap.Logger) (*Store, error) {
	db, err := Open(dbURL)
	if err != nil {
		return nil, err
	}

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	queries, err := LoadQueries(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, queries: queries, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// GetKV returns the value for key. Reports false when the key is unset.
func (s *Store) GetKV(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.queries.Get("kv-get", &value, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, true, nil
}

// SetKV writes the value for key.
func (s *Store) SetKV(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.Exec("kv-set", key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// DeleteKV removes a key. Missing keys are not an error.
func (s *Store) DeleteKV(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.Exec("kv-delete", key)
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// assignmentRow mirrors the assignments table.
type assignmentRow struct {
	ExperimentID string `db:"experiment_id"`
	VariantID    string `db:"variant_id"`
	Confirmed    int    `db:"confirmed"`
}

func (r assignmentRow) toAssignment() types.Assignment {
	return types.Assignment{
		ExperimentID: r.ExperimentID,
		VariantID:    r.VariantID,
		Confirmed:    r.Confirmed != 0,
	}
}

// GetAssignment returns the stored assignment for an experiment.
func (s *Store) GetAssignment(experimentID string) (types.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row assignmentRow
	err := s.queries.Get("assignment-get", &row, experimentID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Assignment{}, false, nil
	}
	if err != nil {
		return types.Assignment{}, false, fmt.Errorf("assignment get %s: %w", experimentID, err)
	}
	return row.toAssignment(), true, nil
}

// PutAssignment upserts an assignment row.
func (s *Store) PutAssignment(a types.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	confirmed := 0
	if a.Confirmed {
		confirmed = 1
	}
	_, err := s.queries.Exec("assignment-upsert", a.ExperimentID, a.VariantID, confirmed, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("assignment upsert %s: %w", a.ExperimentID, err)
	}
	return nil
}

// ConfirmAssignment flips the confirmed flag for one experiment/variant
// pair. A pair that no longer matches the stored row (server override
// landed in between) is left untouched.
func (s *Store) ConfirmAssignment(experimentID, variantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.Exec("assignment-confirm", formatTime(time.Now()), experimentID, variantID)
	if err != nil {
		return fmt.Errorf("assignment confirm %s: %w", experimentID, err)
	}
	return nil
}

// PendingAssignments returns all unconfirmed assignments in stable order.
func (s *Store) PendingAssignments() ([]types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []assignmentRow
	if err := s.queries.Select("assignments-pending", &rows); err != nil {
		return nil, fmt.Errorf("assignments pending: %w", err)
	}
	out := make([]types.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssignment())
	}
	return out, nil
}

// AllAssignments returns every stored assignment, ordered by
// experiment id.
func (s *Store) AllAssignments() ([]types.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []assignmentRow
	if err := s.queries.Select("assignments-all", &rows); err != nil {
		return nil, fmt.Errorf("assignments all: %w", err)
	}
	out := make([]types.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toAssignment())
	}
	return out, nil
}

// RecordEvent appends one placement occurrence to the event history.
func (s *Store) RecordEvent(event types.PlacementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.Exec("event-record", string(event.ID), event.Name, formatTime(event.OccurredAt))
	if err != nil {
		return fmt.Errorf("event record %s: %w", event.Name, err)
	}
	return nil
}

// LastOccurrence returns the most recent prior occurrence of the named
// event. Implements rules.EventHistory. Storage errors resolve as absent:
// a computed property must degrade to an absent term, never fail a rule.
func (s *Store) LastOccurrence(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var occurredAt string
	err := s.queries.Get("event-last-occurrence", &occurredAt, name)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false
	}
	if err != nil {
		s.logger.Warn("event history lookup failed", zap.String("event", name), zap.Error(err))
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339, occurredAt)
	if err != nil {
		s.logger.Warn("event history timestamp malformed", zap.String("event", name), zap.Error(err))
		return time.Time{}, false
	}
	return t, true
}

// PruneEvents drops history older than the cutoff. Computed properties
// only ever read the most recent occurrence, so old rows are dead weight.
func (s *Store) PruneEvents(before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.queries.Exec("event-prune", formatTime(before)); err != nil {
		return fmt.Errorf("event prune: %w", err)
	}
	return nil
}

// Enqueue appends a payload to the durable session queue.
func (s *Store) Enqueue(id string, kind QueueKind, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.queries.Exec("queue-enqueue", id, string(kind), string(payload), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// PendingQueue returns up to limit queued rows in insertion order.
// UUIDv7 ids make ORDER BY id time-ordered.
func (s *Store) PendingQueue(limit int) ([]QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []QueueRow
	if err := s.queries.Select("queue-pending", &rows, limit); err != nil {
		return nil, fmt.Errorf("queue pending: %w", err)
	}
	return rows, nil
}

// DeleteQueued removes acknowledged rows. Partial acknowledgement is the
// norm: only ids the server accepted are passed here, the rest stay queued.
// QueueSize reports how many rows wait in the session queue.
func (s *Store) QueueSize() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.queries.Get("queue-size", &count); err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteQueued(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.queries.Exec("queue-delete", id); err != nil {
			return fmt.Errorf("queue delete %s: %w", id, err)
		}
	}
	return nil
}
