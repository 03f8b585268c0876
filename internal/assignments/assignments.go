// internal/assignments/assignments.go
package assignments

import (
	"context"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/storage"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Experiment assignment.
 *
 * A user is bucketed into an experiment variant exactly once and the
 * choice is persisted, so repeated evaluations of the same trigger see
 * the same variant across restarts. Bucketing is a pure function of
 * (seed, experiment id, variant weights): the same user lands in the
 * same variant on every device with the same seed.
 *
 * Server-side assignments override local ones. Confirmation is the
 * postback telling the server a locally chosen variant was actually
 * used; rows stay pending until the server acknowledges them.
 */

// Store resolves and persists experiment assignments. It implements
// rules.Assigner.
type Store struct {
	db     *storage.Store
	api    *network.API
	seed   string
	logger *zap.Logger
}

func NewStore(db *storage.Store, api *network.API, seed string, logger *zap.Logger) *Store {
	return &Store{db: db, api: api, seed: seed, logger: logger}
}

// Variant returns the sticky assignment for an experiment, bucketing and
// persisting a new one on first sight. A persisted variant that no
// longer exists in the experiment is replaced by a fresh bucketing so a
// server-side variant removal cannot strand the user.
func (s *Store) Variant(exp *types.Experiment) (types.Assignment, error) {
	existing, ok, err := s.db.GetAssignment(exp.ID)
	if err != nil {
		return types.Assignment{}, fmt.Errorf("loading assignment for experiment %s: %w", exp.ID, err)
	}
	if ok {
		if _, found := exp.Variant(existing.VariantID); found {
			return existing, nil
		}
	}

	if len(exp.Variants) == 0 {
		return types.Assignment{}, fmt.Errorf("experiment %s has no variants: %w", exp.ID, types.ErrNotFound)
	}

	variant := bucket(s.seed, exp)
	assignment := types.Assignment{
		ExperimentID: exp.ID,
		VariantID:    variant.ID,
	}
	if err := s.db.PutAssignment(assignment); err != nil {
		return types.Assignment{}, fmt.Errorf("persisting assignment for experiment %s: %w", exp.ID, err)
	}
	return assignment, nil
}

// bucket deterministically maps the seed into the experiment's weight
// distribution. Zero total weight degrades to a uniform pick.
func bucket(seed string, exp *types.Experiment) types.Variant {
	h := fnv.New64a()
	h.Write([]byte(seed))
	h.Write([]byte(":"))
	h.Write([]byte(exp.ID))
	n := h.Sum64()

	total := 0
	for _, v := range exp.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return exp.Variants[n%uint64(len(exp.Variants))]
	}

	point := int(n % uint64(total))
	for _, v := range exp.Variants {
		point -= v.Weight
		if point < 0 {
			return v
		}
	}
	return exp.Variants[len(exp.Variants)-1]
}

// All returns every assignment held for this user, keyed by experiment.
func (s *Store) All() (map[string]types.Assignment, error) {
	rows, err := s.db.AllAssignments()
	if err != nil {
		return nil, fmt.Errorf("loading assignments: %w", err)
	}
	out := make(map[string]types.Assignment, len(rows))
	for _, a := range rows {
		out[a.ExperimentID] = a
	}
	return out, nil
}

// ApplyServerAssignments replaces local assignments with the server's
// authoritative ones.
func (s *Store) ApplyServerAssignments(serverAssignments []types.Assignment) error {
	for _, a := range serverAssignments {
		a.Confirmed = true
		if err := s.db.PutAssignment(a); err != nil {
			return fmt.Errorf("applying server assignment for experiment %s: %w", a.ExperimentID, err)
		}
	}
	return nil
}

// PullServerAssignments fetches the server's assignments for this user
// and applies them over local state.
func (s *Store) PullServerAssignments(ctx context.Context) error {
	serverAssignments, err := s.api.FetchAssignments(ctx)
	if err != nil {
		return err
	}
	return s.ApplyServerAssignments(serverAssignments)
}

// ConfirmPending posts all unconfirmed assignments and marks the subset
// the server accepted. Unacknowledged rows are retried on the next call.
func (s *Store) ConfirmPending(ctx context.Context) error {
	pending, err := s.db.PendingAssignments()
	if err != nil {
		return fmt.Errorf("loading pending assignments: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	accepted, err := s.api.ConfirmAssignments(ctx, pending)
	if err != nil {
		return err
	}

	byExperiment := make(map[string]types.Assignment, len(pending))
	for _, a := range pending {
		byExperiment[a.ExperimentID] = a
	}
	for _, id := range accepted {
		a, ok := byExperiment[id]
		if !ok {
			continue
		}
		if err := s.db.ConfirmAssignment(a.ExperimentID, a.VariantID); err != nil {
			s.logger.Warn("marking assignment confirmed failed",
				zap.String("experiment_id", a.ExperimentID), zap.Error(err))
		}
	}
	return nil
}
