// internal/paywall/cache.go
package paywall

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gatekit/gatekit/internal/network"
	"github.com/gatekit/gatekit/internal/types"
)

/*
 * Paywall cache.
 *
 * Definitions are cached under a key derived from the paywall
 * identifier, the resolved locale, and any product override ids.
 * Concurrent fetches for the same key are coalesced so a burst of
 * identical requests costs one network round trip.
 */

// DefaultIdentifier is the identifier used when presentation is requested
// without a triggering event.
const DefaultIdentifier = "$called_manually"

// CacheKey builds the cache key for a paywall variant. The segments are
// joined with underscores even when empty, so a paywall with no locale
// and no overrides keys as "id__". Override product ids are concatenated
// without a separator.
func CacheKey(identifier, locale string, overrideProductIDs []string) string {
	return identifier + "_" + locale + "_" + strings.Join(overrideProductIDs, "")
}

// Cache fetches and memoizes paywall definitions.
type Cache struct {
	api       *network.API
	appUserID string
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*types.PaywallDefinition
	group   singleflight.Group
}

// NewCache builds an empty cache. appUserID is sent when fetching the
// account default paywall.
func NewCache(api *network.API, appUserID string, logger *zap.Logger) *Cache {
	return &Cache{
		api:       api,
		appUserID: appUserID,
		logger:    logger,
		entries:   make(map[string]*types.PaywallDefinition),
	}
}

// Request names a paywall variant to fetch.
type Request struct {
	Identifier         string
	Locale             string
	OverrideProductIDs []string
}

// Get returns the cached definition for the request, fetching it on a
// miss. Concurrent misses on the same key share one fetch.
func (c *Cache) Get(ctx context.Context, req Request) (*types.PaywallDefinition, error) {
	key := CacheKey(req.Identifier, req.Locale, req.OverrideProductIDs)

	c.mu.RLock()
	def, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: an Invalidate between the miss
		// and the flight start is fine, a concurrent fill is not
		// refetched.
		c.mu.RLock()
		def, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return def, nil
		}

		var fetched *types.PaywallDefinition
		var fetchErr error
		if req.Identifier == DefaultIdentifier {
			fetched, fetchErr = c.api.FetchDefaultPaywall(ctx, c.appUserID)
		} else {
			fetched, fetchErr = c.api.FetchPaywall(ctx, req.Identifier, req.Locale)
		}
		if fetchErr != nil {
			return nil, fetchErr
		}
		fetched.CacheKey = key

		c.mu.Lock()
		c.entries[key] = fetched
		c.mu.Unlock()

		c.logger.Debug("paywall cached", zap.String("cache_key", key))
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.PaywallDefinition), nil
}

// GetForEvent asks the server to choose a paywall for the event, caching
// the result under the chosen paywall's own key.
func (c *Cache) GetForEvent(ctx context.Context, event types.PlacementEvent, locale string) (*types.PaywallDefinition, error) {
	def, err := c.api.FetchPaywallForEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	def.CacheKey = CacheKey(def.Identifier, locale, nil)

	c.mu.Lock()
	c.entries[def.CacheKey] = def
	c.mu.Unlock()
	return def, nil
}

// Invalidate drops every cached definition. Entries are removed
// wholesale; in-flight fetches complete and refill normally.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]*types.PaywallDefinition)
	c.mu.Unlock()
	c.logger.Debug("paywall cache invalidated")
}

// Size reports the number of cached definitions.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
