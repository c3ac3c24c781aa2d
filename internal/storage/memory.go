package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"pricefeed/internal/models"
)

// MemoryStorage implements every store interface with in-process maps.
// It is the default backend for tests and single-node deployments.
type MemoryStorage struct {
	mu sync.RWMutex

	// cache entries: category -> tier -> entry
	cache map[string]map[models.CacheTier]*models.CacheEntry

	// snapshots: category -> hour bucket unix -> snapshot
	snapshots map[string]map[int64]*models.Snapshot

	// bars keyed by the full series key
	bars map[barMapKey]*models.Bar

	updateLog []models.UpdateLogEntry

	closed bool
}

type barMapKey struct {
	code      string
	itemType  string
	timeframe string
	unix      int64
}

func toMapKey(k models.BarKey) barMapKey {
	return barMapKey{
		code:      k.Code,
		itemType:  k.ItemType,
		timeframe: k.Timeframe,
		unix:      k.Timestamp.Unix(),
	}
}

// NewMemoryStorage creates an empty memory backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		cache:     make(map[string]map[models.CacheTier]*models.CacheEntry),
		snapshots: make(map[string]map[int64]*models.Snapshot),
		bars:      make(map[barMapKey]*models.Bar),
	}
}

var errClosed = errors.New("storage is closed")

// CacheStore

func (m *MemoryStorage) GetEntry(ctx context.Context, category string, tier models.CacheTier) (*models.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("get", "cache_entries", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("get", "cache_entries", errClosed)
	}
	tiers, ok := m.cache[category]
	if !ok {
		return nil, ErrNotFound
	}
	entry, ok := tiers[tier]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	copied.Payload = entry.Payload.Clone()
	return &copied, nil
}

func (m *MemoryStorage) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("put", "cache_entries", err)
	}
	if err := entry.Validate(); err != nil {
		return wrapErr("put", "cache_entries", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("put", "cache_entries", errClosed)
	}
	tiers, ok := m.cache[entry.Category]
	if !ok {
		tiers = make(map[models.CacheTier]*models.CacheEntry)
		m.cache[entry.Category] = tiers
	}
	stored := entry
	stored.Payload = entry.Payload.Clone()
	tiers[entry.Tier] = &stored
	return nil
}

func (m *MemoryStorage) DeleteEntry(ctx context.Context, category string, tier models.CacheTier) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("delete", "cache_entries", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("delete", "cache_entries", errClosed)
	}
	if tiers, ok := m.cache[category]; ok {
		delete(tiers, tier)
		if len(tiers) == 0 {
			delete(m.cache, category)
		}
	}
	return nil
}

func (m *MemoryStorage) ListCategories(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("list", "cache_entries", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("list", "cache_entries", errClosed)
	}
	out := make([]string, 0, len(m.cache))
	for category := range m.cache {
		out = append(out, category)
	}
	sort.Strings(out)
	return out, nil
}

// SnapshotStore

func (m *MemoryStorage) InsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	if err := snap.Validate(); err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("insert", "snapshots", errClosed)
	}
	hours, ok := m.snapshots[snap.Category]
	if !ok {
		hours = make(map[int64]*models.Snapshot)
		m.snapshots[snap.Category] = hours
	}
	bucket := snap.HourBucket.Unix()
	if _, exists := hours[bucket]; exists {
		return wrapErr("insert", "snapshots", errors.New("hour bucket already populated"))
	}
	stored := snap
	stored.Payload = snap.Payload.Clone()
	hours[bucket] = &stored
	return nil
}

func (m *MemoryStorage) GetSnapshotByHour(ctx context.Context, category string, hour time.Time) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("get", "snapshots", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("get", "snapshots", errClosed)
	}
	hours, ok := m.snapshots[category]
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := hours[hour.Unix()]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

func (m *MemoryStorage) FindSnapshotNear(ctx context.Context, category string, target time.Time, window time.Duration) (*models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("find", "snapshots", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("find", "snapshots", errClosed)
	}
	hours, ok := m.snapshots[category]
	if !ok {
		return nil, ErrNotFound
	}
	var best *models.Snapshot
	var bestDist time.Duration
	for _, snap := range hours {
		dist := target.Sub(snap.HourBucket)
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		// Ties go to the later snapshot.
		if best == nil || dist < bestDist || (dist == bestDist && snap.HourBucket.After(best.HourBucket)) {
			best = snap
			bestDist = dist
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return copySnapshot(best), nil
}

func (m *MemoryStorage) ListSnapshots(ctx context.Context, category string, start, end time.Time) ([]models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("list", "snapshots", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("list", "snapshots", errClosed)
	}
	var out []models.Snapshot
	for _, snap := range m.snapshots[category] {
		if snap.HourBucket.Before(start) || !snap.HourBucket.Before(end) {
			continue
		}
		out = append(out, *copySnapshot(snap))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HourBucket.Before(out[j].HourBucket)
	})
	return out, nil
}

func (m *MemoryStorage) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapErr("delete", "snapshots", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, wrapErr("delete", "snapshots", errClosed)
	}
	removed := 0
	for category, hours := range m.snapshots {
		for bucket, snap := range hours {
			if snap.HourBucket.Before(cutoff) {
				delete(hours, bucket)
				removed++
			}
		}
		if len(hours) == 0 {
			delete(m.snapshots, category)
		}
	}
	return removed, nil
}

// BarStore

func (m *MemoryStorage) UpsertBars(ctx context.Context, bars []models.Bar) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("upsert", "bars", err)
	}
	if len(bars) == 0 {
		return nil
	}
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return wrapErr("upsert", "bars", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("upsert", "bars", errClosed)
	}
	now := time.Now().UTC()
	for i := range bars {
		bar := bars[i]
		key := toMapKey(bar.Key())
		if existing, ok := m.bars[key]; ok {
			bar.UpdateCount = existing.UpdateCount + 1
		}
		bar.UpdatedAt = now
		m.bars[key] = &bar
	}
	return nil
}

func (m *MemoryStorage) GetBar(ctx context.Context, key models.BarKey) (*models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("get", "bars", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("get", "bars", errClosed)
	}
	bar, ok := m.bars[toMapKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *bar
	return &copied, nil
}

func (m *MemoryStorage) QueryBars(ctx context.Context, q BarQuery) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("query", "bars", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("query", "bars", errClosed)
	}
	var out []models.Bar
	for _, bar := range m.bars {
		if !barMatches(bar, q) {
			continue
		}
		out = append(out, *bar)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStorage) LatestBar(ctx context.Context, code, itemType, timeframe string) (*models.Bar, error) {
	bars, err := m.QueryBars(ctx, BarQuery{
		Code:       code,
		ItemType:   itemType,
		Timeframe:  timeframe,
		Limit:      1,
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, ErrNotFound
	}
	return &bars[0], nil
}

func (m *MemoryStorage) DeleteBarsBefore(ctx context.Context, timeframe string, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, wrapErr("delete", "bars", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, wrapErr("delete", "bars", errClosed)
	}
	removed := 0
	for key, bar := range m.bars {
		if bar.Timeframe == timeframe && bar.Timestamp.Before(cutoff) {
			delete(m.bars, key)
			removed++
		}
	}
	return removed, nil
}

func barMatches(bar *models.Bar, q BarQuery) bool {
	if q.Code != "" && bar.Code != q.Code {
		return false
	}
	if q.ItemType != "" && bar.ItemType != q.ItemType {
		return false
	}
	if q.Timeframe != "" && bar.Timeframe != q.Timeframe {
		return false
	}
	if !q.Start.IsZero() && bar.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && !bar.Timestamp.Before(q.End) {
		return false
	}
	return true
}

// UpdateLogStore

func (m *MemoryStorage) AppendUpdateLog(ctx context.Context, entry models.UpdateLogEntry) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("append", "update_log", err)
	}
	if err := entry.Validate(); err != nil {
		return wrapErr("append", "update_log", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return wrapErr("append", "update_log", errClosed)
	}
	m.updateLog = append(m.updateLog, entry)
	return nil
}

func (m *MemoryStorage) ListUpdateLog(ctx context.Context, limit int) ([]models.UpdateLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("list", "update_log", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("list", "update_log", errClosed)
	}
	out := make([]models.UpdateLogEntry, len(m.updateLog))
	copy(out, m.updateLog)
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Manager

func (m *MemoryStorage) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return wrapErr("health", "", errClosed)
	}
	return nil
}

func (m *MemoryStorage) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, wrapErr("stats", "", errClosed)
	}
	stats := &Stats{
		Bars:       int64(len(m.bars)),
		UpdateLogs: int64(len(m.updateLog)),
	}
	for _, tiers := range m.cache {
		stats.CacheEntries += int64(len(tiers))
	}
	for _, hours := range m.snapshots {
		stats.Snapshots += int64(len(hours))
	}
	for _, bar := range m.bars {
		if stats.EarliestBar.IsZero() || bar.Timestamp.Before(stats.EarliestBar) {
			stats.EarliestBar = bar.Timestamp
		}
		if bar.Timestamp.After(stats.LatestBar) {
			stats.LatestBar = bar.Timestamp
		}
	}
	return stats, nil
}

func copySnapshot(s *models.Snapshot) *models.Snapshot {
	copied := *s
	copied.Payload = s.Payload.Clone()
	if s.Metadata != nil {
		copied.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			copied.Metadata[k] = v
		}
	}
	return &copied
}

var _ Storage = (*MemoryStorage)(nil)
