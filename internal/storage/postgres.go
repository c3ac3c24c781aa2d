package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"pricefeed/internal/models"
)

// PostgresStorage backs the cache tiers and the snapshot history in a shared
// Postgres instance, for deployments where several replicas must see the
// same cache and snapshot state.
type PostgresStorage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStorage connects to Postgres with the given DSN.
func NewPostgresStorage(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, wrapErr("connect", "", fmt.Errorf("connect postgres: %w", err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &PostgresStorage{
		db:     db,
		logger: logger.With("component", "postgres"),
	}, nil
}

// cacheEntryRow is the flat row shape for sqlx scanning; payload is jsonb.
type cacheEntryRow struct {
	Category      string    `db:"category"`
	Tier          string    `db:"tier"`
	Payload       []byte    `db:"payload"`
	CapturedAt    time.Time `db:"captured_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	Fallback      bool      `db:"fallback"`
	LastSuccessAt time.Time `db:"last_success_at"`
	LastError     string    `db:"last_error"`
	ErrorCount    int       `db:"error_count"`
}

type snapshotRow struct {
	ID         string         `db:"id"`
	Category   string         `db:"category"`
	Payload    []byte         `db:"payload"`
	HourBucket time.Time      `db:"hour_bucket"`
	Source     string         `db:"source"`
	Metadata   sql.NullString `db:"metadata"`
	CreatedAt  time.Time      `db:"created_at"`
}

// Initialize creates the tables and indexes. Idempotent.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			category TEXT NOT NULL,
			tier TEXT NOT NULL,
			payload JSONB NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			last_success_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
			last_error TEXT NOT NULL DEFAULT '',
			error_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (category, tier)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			payload JSONB NOT NULL,
			hour_bucket TIMESTAMPTZ NOT NULL,
			source TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (category, hour_bucket)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_category_hour ON snapshots (category, hour_bucket)`,
	}
	for _, stmt := range ddl {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return wrapErr("initialize", "", err)
		}
	}
	return nil
}

// Close shuts down the connection pool.
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

// HealthCheck pings the database.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return wrapErr("health", "", err)
	}
	return nil
}

// Stats reports row counts.
func (p *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := p.db.GetContext(ctx, &stats.CacheEntries, `SELECT COUNT(*) FROM cache_entries`); err != nil {
		return nil, wrapErr("stats", "cache_entries", err)
	}
	if err := p.db.GetContext(ctx, &stats.Snapshots, `SELECT COUNT(*) FROM snapshots`); err != nil {
		return nil, wrapErr("stats", "snapshots", err)
	}
	return stats, nil
}

// CacheStore

func (p *PostgresStorage) GetEntry(ctx context.Context, category string, tier models.CacheTier) (*models.CacheEntry, error) {
	var row cacheEntryRow
	query := `SELECT category, tier, payload, captured_at, expires_at, fallback,
	                 last_success_at, last_error, error_count
	          FROM cache_entries WHERE category = $1 AND tier = $2`
	if err := p.db.GetContext(ctx, &row, query, category, string(tier)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", "cache_entries", err)
	}
	return row.toModel()
}

func (p *PostgresStorage) PutEntry(ctx context.Context, entry models.CacheEntry) error {
	if err := entry.Validate(); err != nil {
		return wrapErr("put", "cache_entries", err)
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return wrapErr("put", "cache_entries", err)
	}
	query := `
		INSERT INTO cache_entries (category, tier, payload, captured_at, expires_at,
		                           fallback, last_success_at, last_error, error_count)
		VALUES (:category, :tier, :payload, :captured_at, :expires_at,
		        :fallback, :last_success_at, :last_error, :error_count)
		ON CONFLICT (category, tier) DO UPDATE SET
			payload = EXCLUDED.payload,
			captured_at = EXCLUDED.captured_at,
			expires_at = EXCLUDED.expires_at,
			fallback = EXCLUDED.fallback,
			last_success_at = EXCLUDED.last_success_at,
			last_error = EXCLUDED.last_error,
			error_count = EXCLUDED.error_count`
	row := cacheEntryRow{
		Category:      entry.Category,
		Tier:          string(entry.Tier),
		Payload:       payload,
		CapturedAt:    entry.CapturedAt.UTC(),
		ExpiresAt:     entry.ExpiresAt.UTC(),
		Fallback:      entry.Fallback,
		LastSuccessAt: entry.LastSuccessAt.UTC(),
		LastError:     entry.LastError,
		ErrorCount:    entry.ErrorCount,
	}
	if _, err := sqlx.NamedExecContext(ctx, p.db, query, row); err != nil {
		return wrapErr("put", "cache_entries", err)
	}
	return nil
}

func (p *PostgresStorage) DeleteEntry(ctx context.Context, category string, tier models.CacheTier) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE category = $1 AND tier = $2`,
		category, string(tier),
	)
	if err != nil {
		return wrapErr("delete", "cache_entries", err)
	}
	return nil
}

func (p *PostgresStorage) ListCategories(ctx context.Context) ([]string, error) {
	var categories []string
	err := p.db.SelectContext(ctx, &categories,
		`SELECT DISTINCT category FROM cache_entries ORDER BY category`,
	)
	if err != nil {
		return nil, wrapErr("list", "cache_entries", err)
	}
	return categories, nil
}

func (r *cacheEntryRow) toModel() (*models.CacheEntry, error) {
	entry := &models.CacheEntry{
		Category:      r.Category,
		Tier:          models.CacheTier(r.Tier),
		CapturedAt:    r.CapturedAt.UTC(),
		ExpiresAt:     r.ExpiresAt.UTC(),
		Fallback:      r.Fallback,
		LastSuccessAt: r.LastSuccessAt.UTC(),
		LastError:     r.LastError,
		ErrorCount:    r.ErrorCount,
	}
	if err := json.Unmarshal(r.Payload, &entry.Payload); err != nil {
		return nil, wrapErr("get", "cache_entries", fmt.Errorf("decode payload: %w", err))
	}
	return entry, nil
}

// SnapshotStore

func (p *PostgresStorage) InsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	var metadata interface{}
	if len(snap.Metadata) > 0 {
		b, err := json.Marshal(snap.Metadata)
		if err != nil {
			return wrapErr("insert", "snapshots", err)
		}
		metadata = string(b)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, category, payload, hour_bucket, source, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.Category, payload, snap.HourBucket.UTC(),
		snap.Source, metadata, snap.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	return nil
}

func (p *PostgresStorage) GetSnapshotByHour(ctx context.Context, category string, hour time.Time) (*models.Snapshot, error) {
	var row snapshotRow
	query := `SELECT id, category, payload, hour_bucket, source, metadata, created_at
	          FROM snapshots WHERE category = $1 AND hour_bucket = $2`
	if err := p.db.GetContext(ctx, &row, query, category, hour.UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("get", "snapshots", err)
	}
	return row.toModel()
}

func (p *PostgresStorage) FindSnapshotNear(ctx context.Context, category string, target time.Time, window time.Duration) (*models.Snapshot, error) {
	var row snapshotRow
	query := `SELECT id, category, payload, hour_bucket, source, metadata, created_at
	          FROM snapshots
	          WHERE category = $1 AND hour_bucket BETWEEN $2 AND $3
	          ORDER BY ABS(EXTRACT(EPOCH FROM hour_bucket) - $4), hour_bucket DESC
	          LIMIT 1`
	err := p.db.GetContext(ctx, &row, query,
		category, target.Add(-window).UTC(), target.Add(window).UTC(), target.Unix(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("find", "snapshots", err)
	}
	return row.toModel()
}

func (p *PostgresStorage) ListSnapshots(ctx context.Context, category string, start, end time.Time) ([]models.Snapshot, error) {
	var rows []snapshotRow
	query := `SELECT id, category, payload, hour_bucket, source, metadata, created_at
	          FROM snapshots
	          WHERE category = $1 AND hour_bucket >= $2 AND hour_bucket < $3
	          ORDER BY hour_bucket ASC`
	if err := p.db.SelectContext(ctx, &rows, query, category, start.UTC(), end.UTC()); err != nil {
		return nil, wrapErr("list", "snapshots", err)
	}
	snaps := make([]models.Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

func (p *PostgresStorage) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE hour_bucket < $1`, cutoff.UTC(),
	)
	if err != nil {
		return 0, wrapErr("delete", "snapshots", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *snapshotRow) toModel() (*models.Snapshot, error) {
	snap := &models.Snapshot{
		ID:         r.ID,
		Category:   r.Category,
		HourBucket: r.HourBucket.UTC(),
		Source:     r.Source,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if err := json.Unmarshal(r.Payload, &snap.Payload); err != nil {
		return nil, wrapErr("get", "snapshots", fmt.Errorf("decode payload: %w", err))
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		if err := json.Unmarshal([]byte(r.Metadata.String), &snap.Metadata); err != nil {
			return nil, wrapErr("get", "snapshots", fmt.Errorf("decode metadata: %w", err))
		}
	}
	return snap, nil
}

var (
	_ CacheStore    = (*PostgresStorage)(nil)
	_ SnapshotStore = (*PostgresStorage)(nil)
	_ Manager       = (*PostgresStorage)(nil)
)
