// Package cache implements the two-tier payload cache. The fresh tier
// answers the hot path with recently fetched data; the stale tier keeps a
// long-lived copy for fallback when upstream is down. Reads never fail:
// store errors are logged and reported as misses so a broken cache backend
// degrades to more upstream fetches, not request failures.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pricefeed/internal/metrics"
	"pricefeed/internal/models"
	"pricefeed/internal/storage"
)

// Manager coordinates the fresh and stale tiers over a CacheStore.
type Manager struct {
	store    storage.CacheStore
	freshTTL time.Duration
	staleTTL time.Duration
	logger   *slog.Logger
	registry *metrics.Registry
}

// Options configures a Manager.
type Options struct {
	// FreshTTL bounds the fresh tier; defaults to 10 minutes.
	FreshTTL time.Duration
	// StaleTTL bounds the stale tier; defaults to 7 days.
	StaleTTL time.Duration
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	FreshHits    int64 `json:"fresh_hits"`
	FreshMisses  int64 `json:"fresh_misses"`
	StaleHits    int64 `json:"stale_hits"`
	StaleMisses  int64 `json:"stale_misses"`
	StoreErrors  int64 `json:"store_errors"`
	Writes       int64 `json:"writes"`
	WriteErrors  int64 `json:"write_errors"`
}

// NewManager creates a cache manager over the given store.
func NewManager(store storage.CacheStore, opts Options, logger *slog.Logger, registry *metrics.Registry) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = 10 * time.Minute
	}
	if opts.StaleTTL <= 0 {
		opts.StaleTTL = 7 * 24 * time.Hour
	}
	return &Manager{
		store:    store,
		freshTTL: opts.FreshTTL,
		staleTTL: opts.StaleTTL,
		logger:   logger.With("component", "cache"),
		registry: registry,
	}
}

// GetFresh returns the fresh-tier entry for a category when present and not
// expired. The boolean is false on any miss, including store failures.
func (m *Manager) GetFresh(ctx context.Context, category string) (*models.CacheEntry, bool) {
	return m.get(ctx, category, models.TierFresh)
}

// GetStale returns the stale-tier entry for a category when present and not
// expired.
func (m *Manager) GetStale(ctx context.Context, category string) (*models.CacheEntry, bool) {
	return m.get(ctx, category, models.TierStale)
}

func (m *Manager) get(ctx context.Context, category string, tier models.CacheTier) (*models.CacheEntry, bool) {
	labels := map[string]string{"tier": string(tier)}
	entry, err := m.store.GetEntry(ctx, category, tier)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.registry.Inc("cache_store_errors", nil)
			m.logger.Warn("cache read failed, treating as miss",
				"category", category, "tier", string(tier), "error", err)
		}
		m.registry.Inc("cache_misses", labels)
		return nil, false
	}
	if entry.Expired(time.Now()) {
		m.registry.Inc("cache_misses", labels)
		return nil, false
	}
	m.registry.Inc("cache_hits", labels)
	return entry, true
}

// UpsertFresh writes a payload to the fresh tier with the fresh TTL.
func (m *Manager) UpsertFresh(ctx context.Context, category string, payload models.Payload) error {
	return m.upsert(ctx, category, models.TierFresh, payload, m.freshTTL)
}

// UpsertStale writes a payload to the stale tier with the stale TTL and
// clears any fallback marks from earlier failures.
func (m *Manager) UpsertStale(ctx context.Context, category string, payload models.Payload) error {
	return m.upsert(ctx, category, models.TierStale, payload, m.staleTTL)
}

func (m *Manager) upsert(ctx context.Context, category string, tier models.CacheTier, payload models.Payload, ttl time.Duration) error {
	now := time.Now().UTC()
	entry := models.CacheEntry{
		Category:      category,
		Tier:          tier,
		Payload:       payload,
		CapturedAt:    now,
		ExpiresAt:     now.Add(ttl),
		LastSuccessAt: now,
	}
	if err := m.store.PutEntry(ctx, entry); err != nil {
		m.registry.Inc("cache_write_errors", nil)
		return err
	}
	m.registry.Inc("cache_writes", map[string]string{"tier": string(tier)})
	return nil
}

// MarkFallback records on the stale-tier entry that a category is being
// served from fallback: sets the flag, stores the sanitized error, and
// bumps the consecutive error count. A missing stale entry is a no-op.
func (m *Manager) MarkFallback(ctx context.Context, category string, errMsg string) error {
	entry, err := m.store.GetEntry(ctx, category, models.TierStale)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	entry.Fallback = true
	entry.LastError = errMsg
	entry.ErrorCount++
	return m.store.PutEntry(ctx, *entry)
}

// Invalidate removes both tiers for a category.
func (m *Manager) Invalidate(ctx context.Context, category string) error {
	if err := m.store.DeleteEntry(ctx, category, models.TierFresh); err != nil {
		return err
	}
	return m.store.DeleteEntry(ctx, category, models.TierStale)
}

// Categories lists the categories with at least one cached tier.
func (m *Manager) Categories(ctx context.Context) ([]string, error) {
	return m.store.ListCategories(ctx)
}

// Stats reads the cache counters back out of the registry.
func (m *Manager) Stats() Stats {
	fresh := map[string]string{"tier": string(models.TierFresh)}
	stale := map[string]string{"tier": string(models.TierStale)}
	return Stats{
		FreshHits:   int64(m.registry.Value("cache_hits", fresh)),
		FreshMisses: int64(m.registry.Value("cache_misses", fresh)),
		StaleHits:   int64(m.registry.Value("cache_hits", stale)),
		StaleMisses: int64(m.registry.Value("cache_misses", stale)),
		StoreErrors: int64(m.registry.Value("cache_store_errors", nil)),
		Writes: int64(m.registry.Value("cache_writes", fresh)) +
			int64(m.registry.Value("cache_writes", stale)),
		WriteErrors: int64(m.registry.Value("cache_write_errors", nil)),
	}
}
