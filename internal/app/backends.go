package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/config"
	"github.com/cam3ron2/bitbucket-stats/internal/health"
	"github.com/cam3ron2/bitbucket-stats/internal/identity"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// identityStore is the shared identity tier plus the hooks the runtime needs for health and shutdown.
type identityStore interface {
	identity.RemoteStore
	Ping(ctx context.Context) error
	Close() error
}

// newIdentityStore returns the configured shared identity tier and the backend actually in use.
// A Redis backend that cannot be reached falls back to the in-process cache only.
func newIdentityStore(cfg *config.Config, logger *zap.Logger) (identityStore, string) {
	if cfg == nil || !strings.EqualFold(strings.TrimSpace(cfg.IdentityCache.Backend), health.BackendRedis) {
		return nil, health.BackendMemory
	}

	store, err := newRedisIdentityStoreFromConfig(cfg)
	if err != nil {
		logger.Warn("failed to initialize redis identity store; falling back to in-memory cache", zap.Error(err))
		return nil, health.BackendMemory
	}
	return store, health.BackendRedis
}

func newRedisIdentityStoreFromConfig(cfg *config.Config) (*identity.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var redisClient redis.UniversalClient
	if strings.EqualFold(cfg.IdentityCache.RedisMode, "sentinel") {
		redisClient = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.IdentityCache.RedisMasterSet,
			SentinelAddrs: cfg.IdentityCache.RedisSentinelAddrs,
			Password:      cfg.IdentityCache.RedisPassword,
			DB:            cfg.IdentityCache.RedisDB,
		})
	} else {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.IdentityCache.RedisAddr,
			Password: cfg.IdentityCache.RedisPassword,
			DB:       cfg.IdentityCache.RedisDB,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return identity.NewRedisStore(redisClient, identity.RedisStoreConfig{
		Namespace: cfg.IdentityCache.RedisNamespace,
	}), nil
}
