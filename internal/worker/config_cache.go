package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

const (
	// ConfigRefreshChannel carries cache invalidations between processes.
	ConfigRefreshChannel = "dispatch:config-refresh"

	DefaultConfigCacheTTL = time.Minute
)

// CampaignLister lists campaigns by status.
type CampaignLister interface {
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
}

// ConfigCache holds the retry ceiling of every running campaign so the retry
// scan does not reload campaigns on each pass. Entries expire after the TTL
// or when another process publishes on ConfigRefreshChannel.
type ConfigCache struct {
	lister     CampaignLister
	defaultMax int
	ttl        time.Duration
	clock      clock.Clock
	redis      *redis.Client

	mu       sync.RWMutex
	entries  map[string]int
	loadedAt time.Time
}

// NewConfigCache creates a cache. redisClient may be nil, in which case
// invalidations stay local to this process.
func NewConfigCache(lister CampaignLister, defaultMax int, ttl time.Duration, redisClient *redis.Client, clk clock.Clock) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultConfigCacheTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &ConfigCache{
		lister:     lister,
		defaultMax: defaultMax,
		ttl:        ttl,
		clock:      clk,
		redis:      redisClient,
		entries:    make(map[string]int),
	}
}

// DefaultMaxRetries returns the process-wide fallback.
func (c *ConfigCache) DefaultMaxRetries() int { return c.defaultMax }

// MaxRetries returns the retry ceiling for a campaign. A stale cache or an
// unknown campaign triggers one reload.
func (c *ConfigCache) MaxRetries(ctx context.Context, campaignID string) int {
	c.mu.RLock()
	n, ok := c.entries[campaignID]
	fresh := !c.loadedAt.IsZero() && c.clock.Now().Sub(c.loadedAt) < c.ttl
	c.mu.RUnlock()
	if ok && fresh {
		return n
	}

	if _, err := c.Refresh(ctx); err != nil {
		logger.Warn("config cache reload failed", "error", err)
		if ok {
			return n
		}
		return c.defaultMax
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.entries[campaignID]; ok {
		return n
	}
	return c.defaultMax
}

// Refresh reloads every running campaign and returns how many were cached.
func (c *ConfigCache) Refresh(ctx context.Context) (int, error) {
	running, err := c.lister.ListByStatus(ctx, domain.CampaignRunning)
	if err != nil {
		return 0, fmt.Errorf("list running campaigns: %w", err)
	}
	entries := make(map[string]int, len(running))
	for i := range running {
		entries[running[i].ID] = running[i].EffectiveMaxRetries(c.defaultMax)
	}

	c.mu.Lock()
	c.entries = entries
	c.loadedAt = c.clock.Now()
	c.mu.Unlock()
	return len(entries), nil
}

// Invalidate marks the cache stale; the next lookup reloads it.
func (c *ConfigCache) Invalidate() {
	c.mu.Lock()
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}

// Publish tells other processes to drop their caches.
func (c *ConfigCache) Publish(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Publish(ctx, ConfigRefreshChannel, c.clock.Now().Format(time.RFC3339Nano)).Err()
}

// Listen invalidates the cache on every refresh notice until ctx is
// cancelled. It returns immediately when no Redis client is configured.
func (c *ConfigCache) Listen(ctx context.Context) {
	if c.redis == nil {
		return
	}
	sub := c.redis.Subscribe(ctx, ConfigRefreshChannel)
	defer sub.Close()

	log.Printf("[ConfigCache] Listening on %s", ConfigRefreshChannel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.Invalidate()
			logger.Debug("config cache invalidated by peer")
		}
	}
}
