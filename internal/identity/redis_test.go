package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/bitbucket-stats/internal/bitbucket"
	"github.com/redis/go-redis/v9"
)

type fakeRedisClient struct {
	mu      sync.Mutex
	values  map[string]string
	ttls    map[string]time.Duration
	failAll error
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (c *fakeRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return redis.NewStringResult("", c.failAll)
	}
	value, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (c *fakeRedisClient) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return redis.NewStatusResult("", c.failAll)
	}
	str, ok := value.(string)
	if !ok {
		return redis.NewStatusResult("", errors.New("unsupported value type"))
	}
	c.values[key] = str
	c.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeRedisClient) Ping(_ context.Context) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll != nil {
		return redis.NewStatusResult("", c.failAll)
	}
	return redis.NewStatusResult("PONG", nil)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{Namespace: "bbs"})
	storedAt := time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)
	entry := Entry{
		User:     bitbucket.User{UUID: "{me}", Nickname: "alice", DisplayName: "Alice"},
		StoredAt: storedAt,
	}

	if err := store.Set(context.Background(), "secret-token", entry, 30*time.Minute); err != nil {
		t.Fatalf("Set() unexpected error: %v", err)
	}

	for key, value := range client.values {
		if strings.Contains(key, "secret-token") || strings.Contains(value, "secret-token") {
			t.Fatalf("raw token leaked into redis: %q=%q", key, value)
		}
		if !strings.HasPrefix(key, "bbs:identity:") {
			t.Fatalf("key = %q, want bbs:identity: prefix", key)
		}
		if client.ttls[key] != 30*time.Minute {
			t.Fatalf("ttl = %v, want 30m", client.ttls[key])
		}
	}

	got, ok, err := store.Get(context.Background(), "secret-token")
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("Get() ok = false, want true")
	}
	if got.User != entry.User {
		t.Fatalf("User = %+v, want %+v", got.User, entry.User)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Fatalf("StoredAt = %v, want %v", got.StoredAt, storedAt)
	}
}

func TestRedisStoreMissAndErrors(t *testing.T) {
	t.Parallel()

	client := newFakeRedisClient()
	store := newRedisStoreFromCommander(client, nil, RedisStoreConfig{})

	_, ok, err := store.Get(context.Background(), "unknown")
	if err != nil || ok {
		t.Fatalf("Get() = ok %t err %v, want miss without error", ok, err)
	}

	client.values[store.entryKey("corrupt")] = "{"
	if _, _, err := store.Get(context.Background(), "corrupt"); err == nil {
		t.Fatalf("Get() corrupt entry expected error, got nil")
	}

	client.failAll = errors.New("connection refused")
	if _, _, err := store.Get(context.Background(), "unknown"); err == nil {
		t.Fatalf("Get() expected error, got nil")
	}
	if err := store.Set(context.Background(), "k", Entry{}, time.Minute); err == nil {
		t.Fatalf("Set() expected error, got nil")
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("Ping() expected error, got nil")
	}
}

func TestRedisStoreDefaultNamespaceAndClose(t *testing.T) {
	t.Parallel()

	closed := false
	store := newRedisStoreFromCommander(newFakeRedisClient(), func() error {
		closed = true
		return nil
	}, RedisStoreConfig{})
	if !strings.HasPrefix(store.entryKey("t"), defaultRedisNamespace+":identity:") {
		t.Fatalf("entryKey() = %q", store.entryKey("t"))
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() unexpected error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() unexpected error: %v", err)
	}
	if !closed {
		t.Fatalf("Close() did not close client")
	}

	var nilStore *RedisStore
	if _, _, err := nilStore.Get(context.Background(), "k"); err == nil {
		t.Fatalf("nil store Get() expected error")
	}
}

func TestCacheWithRedisStore(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2025, 8, 1, 9, 0, 0, 0, time.UTC)}
	store := newRedisStoreFromCommander(newFakeRedisClient(), nil, RedisStoreConfig{})
	lookup := &countingLookup{}

	first, err := New(lookup.Lookup, Config{Clock: clock, Remote: store})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	second, err := New(lookup.Lookup, Config{Clock: clock, Remote: store})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	creds := credentials(t, "alice")
	if _, err := first.Get(context.Background(), creds); err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := second.Get(context.Background(), creds); err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got := lookup.total(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}
