package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultMaxEntries bounds the in-process tier.
	DefaultMaxEntries = 1000
	// DefaultTTL is how long a resolved identity is reused.
	DefaultTTL = 30 * time.Minute
)

// Lookup resolves the account behind a set of credentials.
type Lookup func(ctx context.Context, creds bitbucket.Credentials) (bitbucket.User, error)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time {
	return f()
}

// Entry is a cached identity with the clock reading taken when it was stored.
type Entry struct {
	User     bitbucket.User
	StoredAt time.Time
}

// RemoteStore is an optional tier shared between replicas.
type RemoteStore interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
}

// Result labels how a lookup was served.
type Result string

const (
	// ResultHit was served from process memory.
	ResultHit Result = "hit"
	// ResultMiss had no entry and called the lookup.
	ResultMiss Result = "miss"
	// ResultExpired found a stale entry and called the lookup.
	ResultExpired Result = "expired"
	// ResultRemoteHit was served from the shared tier.
	ResultRemoteHit Result = "remote_hit"
)

// Observer is notified once per Get.
type Observer interface {
	ObserveIdentityLookup(result Result)
}

// Config configures a Cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Clock      Clock
	Remote     RemoteStore
	Observer   Observer
	Logger     *zap.Logger
}

// Cache memoizes identity lookups per credential token for a bounded time.
// Entries expire lazily: a read at or past the TTL refetches and overwrites.
// Concurrent misses for one key may each call the lookup.
// Failed lookups are never cached.
type Cache struct {
	lookup   Lookup
	entries  *lru.Cache[string, Entry]
	ttl      time.Duration
	clock    Clock
	remote   RemoteStore
	observer Observer
	logger   *zap.Logger
}

// New creates a cache in front of lookup.
func New(lookup Lookup, cfg Config) (*Cache, error) {
	if lookup == nil {
		return nil, fmt.Errorf("identity lookup is required")
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := lru.New[string, Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create identity lru: %w", err)
	}

	return &Cache{
		lookup:   lookup,
		entries:  entries,
		ttl:      ttl,
		clock:    clock,
		remote:   cfg.Remote,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// Get returns the identity for creds, calling the lookup only on a miss or an expired entry.
func (c *Cache) Get(ctx context.Context, creds bitbucket.Credentials) (bitbucket.User, error) {
	key := creds.Token()
	if key == "" {
		return bitbucket.User{}, bitbucket.NewValidationError("authorization", "credentials are required")
	}

	result := ResultMiss
	if entry, ok := c.entries.Get(key); ok {
		if c.fresh(entry) {
			c.observe(ResultHit)
			return entry.User, nil
		}
		result = ResultExpired
	}

	if c.remote != nil {
		entry, ok, err := c.remote.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("identity remote lookup failed; falling back to upstream", zap.Error(err))
		case ok && c.fresh(entry):
			c.entries.Add(key, entry)
			c.observe(ResultRemoteHit)
			return entry.User, nil
		}
	}

	user, err := c.lookup(ctx, creds)
	if err != nil {
		return bitbucket.User{}, err
	}

	entry := Entry{User: user, StoredAt: c.clock.Now()}
	c.entries.Add(key, entry)
	if c.remote != nil {
		if err := c.remote.Set(ctx, key, entry, c.ttl); err != nil {
			c.logger.Warn("identity remote store failed", zap.Error(err))
		}
	}
	c.observe(result)
	return user, nil
}

// Len returns the number of entries held in process, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every in-process entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) fresh(entry Entry) bool {
	return c.clock.Now().Sub(entry.StoredAt) < c.ttl
}

func (c *Cache) observe(result Result) {
	if c.observer != nil {
		c.observer.ObserveIdentityLookup(result)
	}
}
