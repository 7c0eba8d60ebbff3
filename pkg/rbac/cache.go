package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedPermissions is the resolver's per-user cache entry
type CachedPermissions struct {
	BaseRole    BaseRole     `json:"base_role"`
	Permissions []Permission `json:"permissions"`
}

// PermissionCache stores effective permission sets between requests.
// Entries must be invalidated on every grant, revoke and assignment change.
//
// Every user has a generation that Invalidate advances. Get reports the
// generation current at the time of the read and Set only stores an entry
// built under that generation, so a check that read the store before a
// revoke cannot put the revoked permission back.
type PermissionCache interface {
	Get(ctx context.Context, tenantID, userID string) (*CachedPermissions, int64, error)
	Set(ctx context.Context, tenantID, userID string, entry *CachedPermissions, generation int64, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID string, userIDs ...string) error
}

// generationTTL bounds how long an idle generation counter is kept
const generationTTL = 24 * time.Hour

// setIfGeneration stores ARGV[2] at KEYS[2] only while KEYS[1] still holds
// the generation ARGV[1]. ARGV[3] is the ttl in milliseconds, 0 for none.
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// RedisCache is a PermissionCache shared by every API replica
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a redis-backed permission cache
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "tollgate:perms"}
}

func (c *RedisCache) key(tenantID, userID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, tenantID, userID)
}

func (c *RedisCache) generationKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:gen:%s:%s", c.prefix, tenantID, userID)
}

// Get returns the cached entry, or nil on a cache miss, with the user's
// current generation
func (c *RedisCache) Get(ctx context.Context, tenantID, userID string) (*CachedPermissions, int64, error) {
	key := c.key(tenantID, userID)

	vals, err := c.client.MGet(ctx, c.generationKey(tenantID, userID), key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis mget failed: %w", err)
	}

	var generation int64
	if s, ok := vals[0].(string); ok {
		if generation, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, 0, fmt.Errorf("invalid cache generation %q: %w", s, err)
		}
	}

	data, ok := vals[1].(string)
	if !ok {
		return nil, generation, nil
	}
	var entry CachedPermissions
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		c.client.Del(ctx, key)
		return nil, generation, fmt.Errorf("failed to unmarshal cached permissions: %w", err)
	}
	return &entry, generation, nil
}

// Set stores an entry with the given TTL unless the user was invalidated
// after generation was read
func (c *RedisCache) Set(ctx context.Context, tenantID, userID string, entry *CachedPermissions, generation int64, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cached permissions: %w", err)
	}
	keys := []string{c.generationKey(tenantID, userID), c.key(tenantID, userID)}
	err = setIfGeneration.Run(ctx, c.client, keys,
		strconv.FormatInt(generation, 10), string(data), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops the entries of the given users and advances their
// generations
func (c *RedisCache) Invalidate(ctx context.Context, tenantID string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, userID := range userIDs {
			genKey := c.generationKey(tenantID, userID)
			pipe.Incr(ctx, genKey)
			pipe.Expire(ctx, genKey, generationTTL)
			pipe.Del(ctx, c.key(tenantID, userID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// MemoryCache is an in-process PermissionCache for single replica
// deployments. Invalidations do not reach other processes.
type MemoryCache struct {
	mu          sync.Mutex
	cache       *lru.LRU[string, *CachedPermissions]
	generations map[string]int64
}

// NewMemoryCache creates an LRU cache holding at most size entries, each
// expiring after ttl
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size < 1 {
		size = 1024
	}
	return &MemoryCache{
		cache:       lru.NewLRU[string, *CachedPermissions](size, nil, ttl),
		generations: make(map[string]int64),
	}
}

func memoryKey(tenantID, userID string) string {
	return tenantID + "\x00" + userID
}

// Get returns a copy of the cached entry, or nil on a cache miss, with the
// user's current generation
func (c *MemoryCache) Get(ctx context.Context, tenantID, userID string) (*CachedPermissions, int64, error) {
	key := memoryKey(tenantID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, c.generations[key], nil
	}
	out := *entry
	out.Permissions = append([]Permission(nil), entry.Permissions...)
	return &out, c.generations[key], nil
}

// Set stores a copy of entry unless the user was invalidated after
// generation was read. The per-entry ttl is ignored in favor of the
// cache-wide one.
func (c *MemoryCache) Set(ctx context.Context, tenantID, userID string, entry *CachedPermissions, generation int64, ttl time.Duration) error {
	key := memoryKey(tenantID, userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[key] != generation {
		return nil
	}
	stored := *entry
	stored.Permissions = append([]Permission(nil), entry.Permissions...)
	c.cache.Add(key, &stored)
	return nil
}

// Invalidate drops the entries of the given users and advances their
// generations
func (c *MemoryCache) Invalidate(ctx context.Context, tenantID string, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, userID := range userIDs {
		key := memoryKey(tenantID, userID)
		c.generations[key]++
		c.cache.Remove(key)
	}
	return nil
}
