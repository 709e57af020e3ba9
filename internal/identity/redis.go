package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"github.com/redis/go-redis/v9"
)

const defaultRedisNamespace = "bitbucket-stats"

type redisCommander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis identity tier.
type RedisStoreConfig struct {
	Namespace string
}

// RedisStore shares resolved identities between replicas.
// Keys are hashed tokens; raw credentials never reach Redis.
type RedisStore struct {
	client    redisCommander
	closeFn   func() error
	namespace string
}

// NewRedisStore creates a Redis-backed identity tier.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return &RedisStore{
		client:    client,
		closeFn:   closeFn,
		namespace: namespace,
	}
}

type redisEntry struct {
	UUID        string `json:"uuid"`
	Nickname    string `json:"nickname,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	StoredAt    int64  `json:"stored_at"`
}

// Get reads the entry for a token key. A missing key is not an error.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if s == nil || s.client == nil {
		return Entry{}, false, fmt.Errorf("redis identity store is not initialized")
	}
	raw, err := s.client.Get(ctx, s.entryKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read identity entry: %w", err)
	}

	var payload redisEntry
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Entry{}, false, fmt.Errorf("decode identity entry: %w", err)
	}
	return Entry{
		User: bitbucket.User{
			UUID:        payload.UUID,
			Nickname:    payload.Nickname,
			Username:    payload.Username,
			DisplayName: payload.DisplayName,
			AccountID:   payload.AccountID,
		},
		StoredAt: time.Unix(0, payload.StoredAt),
	}, true, nil
}

// Set writes the entry with a Redis expiry of ttl.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis identity store is not initialized")
	}
	payload, err := json.Marshal(redisEntry{
		UUID:        entry.User.UUID,
		Nickname:    entry.User.Nickname,
		Username:    entry.User.Username,
		DisplayName: entry.User.DisplayName,
		AccountID:   entry.User.AccountID,
		StoredAt:    entry.StoredAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode identity entry: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(key), string(payload), ttl).Err(); err != nil {
		return fmt.Errorf("write identity entry: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis identity store is not initialized")
	}
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

func (s *RedisStore) entryKey(token string) string {
	return s.namespace + ":identity:" + hashToken(token)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
