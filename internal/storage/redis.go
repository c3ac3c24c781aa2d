package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pricefeed/internal/models"
)

// RedisCache implements CacheStore on Redis for deployments that want the
// cache tiers shared across replicas without a relational database. Entries
// are stored as JSON under one key per (category, tier).
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOptions configures the Redis cache backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all keys; defaults to "pricefeed".
	KeyPrefix string
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "pricefeed"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, wrapErr("connect", "", fmt.Errorf("ping redis: %w", err))
	}
	return &RedisCache{
		client: client,
		prefix: opts.KeyPrefix,
		logger: logger.With("component", "redis"),
	}, nil
}

func (r *RedisCache) key(category string, tier models.CacheTier) string {
	return fmt.Sprintf("%s:cache:%s:%s", r.prefix, category, tier)
}

// GetEntry fetches and decodes one cache entry.
func (r *RedisCache) GetEntry(ctx context.Context, category string, tier models.CacheTier) (*models.CacheEntry, error) {
	data, err := r.client.Get(ctx, r.key(category, tier)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", "cache", err)
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, wrapErr("get", "cache", fmt.Errorf("decode entry: %w", err))
	}
	return &entry, nil
}

// PutEntry stores one cache entry. Stale tier entries never carry a Redis
// TTL; expiry for them is a policy decision made above this layer. Fresh
// tier entries get a generous TTL past their logical expiry so a dead
// category eventually stops occupying memory.
func (r *RedisCache) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	if err := entry.Validate(); err != nil {
		return wrapErr("put", "cache", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return wrapErr("put", "cache", err)
	}
	var ttl time.Duration
	if entry.Tier == models.TierFresh {
		ttl = time.Until(entry.ExpiresAt) + 24*time.Hour
		if ttl < time.Minute {
			ttl = time.Minute
		}
	}
	if err := r.client.Set(ctx, r.key(entry.Category, entry.Tier), data, ttl).Err(); err != nil {
		return wrapErr("put", "cache", err)
	}
	return nil
}

// DeleteEntry removes one cache entry.
func (r *RedisCache) DeleteEntry(ctx context.Context, category string, tier models.CacheTier) error {
	if err := r.client.Del(ctx, r.key(category, tier)).Err(); err != nil {
		return wrapErr("delete", "cache", err)
	}
	return nil
}

// ListCategories scans the keyspace for cache keys and extracts the
// distinct categories.
func (r *RedisCache) ListCategories(ctx context.Context) ([]string, error) {
	pattern := r.prefix + ":cache:*"
	seen := make(map[string]struct{})
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		// key layout: <prefix>:cache:<category>:<tier>
		rest := strings.TrimPrefix(iter.Val(), r.prefix+":cache:")
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			continue
		}
		seen[rest[:idx]] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("list", "cache", err)
	}
	categories := make([]string, 0, len(seen))
	for category := range seen {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories, nil
}

// Initialize is a no-op; the keyspace needs no schema.
func (r *RedisCache) Initialize(ctx context.Context) error { return nil }

// Close shuts down the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// HealthCheck pings the server.
func (r *RedisCache) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapErr("health", "", err)
	}
	return nil
}

// Stats reports the cache key count.
func (r *RedisCache) Stats(ctx context.Context) (*Stats, error) {
	var count int64
	iter := r.client.Scan(ctx, 0, r.prefix+":cache:*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("stats", "", err)
	}
	return &Stats{CacheEntries: count}, nil
}

var (
	_ CacheStore = (*RedisCache)(nil)
	_ Manager    = (*RedisCache)(nil)
)
