// Package cache provides the in-process access cache used by authorization.
package cache

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/config"
	"github.com/surface-annotator/backend/internal/models"
)

const (
	// Default TTL for cached items
	defaultTTL = 30 * time.Second

	defaultMaxEntries    = 10000
	defaultSweepInterval = time.Minute
)

// Cache defines the interface for access caching operations.
type Cache interface {
	// Get returns the cached access record for a user on a file.
	Get(userID, fileID uuid.UUID) (*models.FileAccess, bool)

	// Set stores an access record.
	Set(userID, fileID uuid.UUID, access *models.FileAccess)

	// Len returns the number of entries, expired ones included.
	Len() int
}

type key struct {
	user uuid.UUID
	file uuid.UUID
}

type entry struct {
	access  models.FileAccess
	expires time.Time
}

// AccessCache implements Cache with a bounded map. Entries may be stale for
// up to the TTL; expired entries are dropped by a sweep that runs on insert
// when the map is full, or at most once per sweep interval.
type AccessCache struct {
	mu      sync.RWMutex
	entries map[key]entry
	logger  *zap.Logger

	ttl           time.Duration
	maxEntries    int
	sweepInterval time.Duration
	lastSweep     time.Time

	now func() time.Time
}

// Option configures an AccessCache.
type Option func(*AccessCache)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *AccessCache) { c.now = now }
}

// WithMaxEntries bounds the map size.
func WithMaxEntries(n int) Option {
	return func(c *AccessCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// NewAccessCache creates an access cache with the given TTL.
func NewAccessCache(ttl time.Duration, logger *zap.Logger, opts ...Option) *AccessCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &AccessCache{
		entries:       make(map[key]entry),
		logger:        logger,
		ttl:           ttl,
		maxEntries:    defaultMaxEntries,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSweep = c.now()
	return c
}

// NewFromConfig creates the access cache used by the handler role.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) Cache {
	return NewAccessCache(cfg.AccessCacheTTL, logger, WithMaxEntries(cfg.AccessCacheSize))
}

// Get returns the cached access record for a user on a file.
func (c *AccessCache) Get(userID, fileID uuid.UUID) (*models.FileAccess, bool) {
	c.mu.RLock()
	e, ok := c.entries[key{userID, fileID}]
	c.mu.RUnlock()

	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	access := e.access
	return &access, true
}

// Set stores an access record.
func (c *AccessCache) Set(userID, fileID uuid.UUID, access *models.FileAccess) {
	if access == nil {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{userID, fileID}
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
		if len(c.entries) >= c.maxEntries {
			c.evictOneLocked()
		}
	} else if now.Sub(c.lastSweep) >= c.sweepInterval {
		c.sweepLocked(now)
	}
	c.entries[k] = entry{access: *access, expires: now.Add(c.ttl)}
}

// Len returns the number of entries, expired ones included.
func (c *AccessCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AccessCache) sweepLocked(now time.Time) {
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	c.lastSweep = now
	if removed > 0 && c.logger != nil {
		c.logger.Debug("Swept access cache", zap.Int("removed", removed), zap.Int("remaining", len(c.entries)))
	}
}

// evictOneLocked drops the entry closest to expiry.
func (c *AccessCache) evictOneLocked() {
	var (
		victim key
		oldest time.Time
		found  bool
	)
	for k, e := range c.entries {
		if !found || e.expires.Before(oldest) {
			victim, oldest, found = k, e.expires, true
		}
	}
	if found {
		delete(c.entries, victim)
	}
}
