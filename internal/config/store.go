// internal/config/store.go
package config

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/storage"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Configuration store.
 *
 * Holds the current config snapshot behind a mutex and replaces it
 * atomically on refresh. Readers always observe either the previous
 * complete snapshot or the new one, never a partially applied document.
 *
 * Feature flags are persisted to the kv table so a process restarted
 * while offline runs with the last known flags instead of the zero
 * values.
 */

// Store owns the config lifecycle: initial fetch, atomic snapshot
// replacement, and the optional background refresh loop.
type Store struct {
	api    *network.API
	db     *storage.Store
	logger *zap.Logger

	mu       sync.RWMutex
	current  *types.Config
	flags    types.FeatureFlags
	loadedCh chan struct{}
	loaded   bool
	onApply  []func()

	refreshMu     sync.Mutex
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// NewStore builds a config store. Flags persisted by an earlier run are
// restored immediately so flag-gated behavior survives offline starts.
func NewStore(api *network.API, db *storage.Store, logger *zap.Logger) *Store {
	s := &Store{
		api:      api,
		db:       db,
		logger:   logger,
		loadedCh: make(chan struct{}),
	}
	if flags, ok := s.restoreFlags(); ok {
		s.flags = flags
	}
	return s
}

// Current returns the active snapshot, or nil before the first
// successful refresh on a cold start.
func (s *Store) Current() *types.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Flags returns the feature flags of the active snapshot, falling back
// to the flags persisted by the previous run before the first refresh.
func (s *Store) Flags() types.FeatureFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		return s.current.FeatureFlags
	}
	return s.flags
}

// Loaded returns a channel closed once the first full config document
// has been applied. Session timeout handling blocks on it.
func (s *Store) Loaded() <-chan struct{} {
	return s.loadedCh
}

// OnApply registers a callback run after every applied snapshot, the
// initial one included. Used to drop caches keyed off the old document.
// Not safe to call once refreshes are running.
func (s *Store) OnApply(fn func()) {
	s.onApply = append(s.onApply, fn)
}

// Refresh fetches the config document and swaps it in. onRetry is
// forwarded to the network layer so callers can observe retry attempts.
func (s *Store) Refresh(ctx context.Context, onRetry func(int)) error {
	cfg, err := s.api.FetchConfig(ctx, onRetry)
	if err != nil {
		return err
	}
	s.apply(cfg)
	return nil
}

func (s *Store) apply(cfg *types.Config) {
	s.mu.Lock()
	s.current = cfg
	s.flags = cfg.FeatureFlags
	first := !s.loaded
	s.loaded = true
	s.mu.Unlock()

	if first {
		close(s.loadedCh)
	}
	for _, fn := range s.onApply {
		fn()
	}
	s.persistFlags(cfg.FeatureFlags)
	s.logger.Info("config applied",
		zap.Int("triggers", len(cfg.Triggers)),
		zap.Duration("session_timeout", cfg.AppSessionTimeout))
}

// StartBackgroundRefresh launches the periodic refresh loop. It is a
// no-op unless the enable_config_refresh_v2 flag is set and the server
// supplied a refresh interval.
func (s *Store) StartBackgroundRefresh(ctx context.Context) {
	cfg := s.Current()
	if cfg == nil || !cfg.FeatureFlags.EnableConfigRefresh || cfg.RefreshInterval <= 0 {
		return
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshDone != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.refreshCancel = cancel
	s.refreshDone = make(chan struct{})

	go func() {
		defer close(s.refreshDone)
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Refresh(ctx, nil); err != nil {
					// Keep serving the stale snapshot.
					s.logger.Warn("config refresh failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopBackgroundRefresh halts the refresh loop and waits for it to exit.
func (s *Store) StopBackgroundRefresh() {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshCancel == nil {
		return
	}
	s.refreshCancel()
	<-s.refreshDone
	s.refreshCancel = nil
	s.refreshDone = nil
}

func (s *Store) persistFlags(flags types.FeatureFlags) {
	raw, err := json.Marshal(flags.Toggles())
	if err != nil {
		return
	}
	if err := s.db.SetKV(storage.KeyFeatureFlags, string(raw)); err != nil {
		s.logger.Warn("persisting feature flags failed", zap.Error(err))
	}
}

func (s *Store) restoreFlags() (types.FeatureFlags, bool) {
	raw, ok, err := s.db.GetKV(storage.KeyFeatureFlags)
	if err != nil || !ok {
		return types.FeatureFlags{}, false
	}
	var toggles map[string]bool
	if err := json.Unmarshal([]byte(raw), &toggles); err != nil {
		return types.FeatureFlags{}, false
	}
	return types.FeatureFlagsFromToggles(toggles), true
}
