// Package storage defines the persistence interfaces for cache entries,
// snapshots, OHLC bars, and the update log, along with their backends.
// Backends cover different deployment shapes: memory for tests and single
// process use, DuckDB for the analytical bar archive, Postgres and Redis for
// the cache and snapshot hot path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pricefeed/internal/models"
)

// ErrNotFound is returned by lookup operations when no row matches.
// Callers distinguish it from infrastructure failures via errors.Is.
var ErrNotFound = errors.New("storage: not found")

// CacheStore persists tiered cache entries keyed by (category, tier).
type CacheStore interface {
	// GetEntry returns the entry for a category and tier, or ErrNotFound.
	GetEntry(ctx context.Context, category string, tier models.CacheTier) (*models.CacheEntry, error)

	// PutEntry inserts or replaces the entry for its (category, tier) key.
	PutEntry(ctx context.Context, entry models.CacheEntry) error

	// DeleteEntry removes the entry for a category and tier. Deleting a
	// missing entry is not an error.
	DeleteEntry(ctx context.Context, category string, tier models.CacheTier) error

	// ListCategories returns the distinct categories with at least one entry.
	ListCategories(ctx context.Context) ([]string, error)
}

// SnapshotStore persists hourly payload snapshots. Deduplication per hour
// bucket is enforced by the snapshot manager on top of these primitives.
type SnapshotStore interface {
	// InsertSnapshot appends a snapshot. The caller has already checked the
	// hour bucket is vacant; a duplicate insert is a backend-level conflict.
	InsertSnapshot(ctx context.Context, snap models.Snapshot) error

	// GetSnapshotByHour returns the snapshot for an exact hour bucket,
	// or ErrNotFound.
	GetSnapshotByHour(ctx context.Context, category string, hour time.Time) (*models.Snapshot, error)

	// FindSnapshotNear returns the snapshot whose hour bucket is closest to
	// target within the window, preferring the later one on ties.
	// Returns ErrNotFound when nothing falls inside the window.
	FindSnapshotNear(ctx context.Context, category string, target time.Time, window time.Duration) (*models.Snapshot, error)

	// ListSnapshots returns snapshots for a category in [start, end),
	// ordered by hour bucket ascending.
	ListSnapshots(ctx context.Context, category string, start, end time.Time) ([]models.Snapshot, error)

	// DeleteSnapshotsBefore removes snapshots older than the cutoff across
	// all categories and reports how many were removed.
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BarStore persists OHLC bars keyed by (code, item type, timeframe, timestamp).
type BarStore interface {
	// UpsertBars writes bars, overwriting on key conflict. An overwrite
	// carries the previous row's update count plus one.
	UpsertBars(ctx context.Context, bars []models.Bar) error

	// GetBar returns one bar by its full key, or ErrNotFound.
	GetBar(ctx context.Context, key models.BarKey) (*models.Bar, error)

	// QueryBars returns bars matching the query, ordered by timestamp
	// ascending unless the query says otherwise.
	QueryBars(ctx context.Context, q BarQuery) ([]models.Bar, error)

	// LatestBar returns the most recent bar for a series, or ErrNotFound.
	LatestBar(ctx context.Context, code, itemType, timeframe string) (*models.Bar, error)

	// DeleteBarsBefore removes bars of one timeframe older than the cutoff
	// and reports how many were removed.
	DeleteBarsBefore(ctx context.Context, timeframe string, cutoff time.Time) (int, error)
}

// UpdateLogStore records write operations against the bar archive.
type UpdateLogStore interface {
	// AppendUpdateLog persists one log entry.
	AppendUpdateLog(ctx context.Context, entry models.UpdateLogEntry) error

	// ListUpdateLog returns the most recent entries, newest first.
	ListUpdateLog(ctx context.Context, limit int) ([]models.UpdateLogEntry, error)
}

// Manager covers backend lifecycle and monitoring.
type Manager interface {
	// Initialize prepares the backend: creates tables, indexes, schema.
	// Idempotent.
	Initialize(ctx context.Context) error

	// Close releases connections and flushes pending writes.
	Close() error

	// HealthCheck performs a lightweight connectivity probe.
	HealthCheck(ctx context.Context) error

	// Stats reports data volume for monitoring.
	Stats(ctx context.Context) (*Stats, error)
}

// Storage is the composite implemented by backends that carry every concern.
// The memory backend implements all of it; the SQL and Redis backends each
// implement the subset that suits them and are composed at wiring time.
type Storage interface {
	CacheStore
	SnapshotStore
	BarStore
	UpdateLogStore
	Manager
}

// BarQuery filters bar reads.
type BarQuery struct {
	Code      string
	ItemType  string
	Timeframe string

	// Start is inclusive, End exclusive. Zero values mean unbounded.
	Start time.Time
	End   time.Time

	// Limit caps the result size; zero means no cap.
	Limit int

	// Descending orders newest first when set.
	Descending bool
}

// Stats reports backend data volume.
type Stats struct {
	Bars         int64     `json:"bars"`
	Snapshots    int64     `json:"snapshots"`
	CacheEntries int64     `json:"cache_entries"`
	UpdateLogs   int64     `json:"update_logs"`
	EarliestBar  time.Time `json:"earliest_bar,omitempty"`
	LatestBar    time.Time `json:"latest_bar,omitempty"`
}

// Error wraps a backend failure with operation context. The underlying
// error is preserved for errors.Is/As; the message stays free of
// connection strings.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage %s on %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &Error{Op: op, Table: table, Err: err}
}
