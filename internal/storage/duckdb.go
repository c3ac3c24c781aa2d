package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"pricefeed/internal/models"
)

// DuckDBStorage is the analytical backend: it holds the bar archive, the
// snapshot history, and the update log. DuckDB keeps range scans and
// aggregation queries cheap even with years of minute bars.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStorage opens a DuckDB database at dbPath. Use ":memory:" for an
// in-memory database.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, wrapErr("open", "", fmt.Errorf("open duckdb: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:     db,
		dbPath: dbPath,
		logger: logger.With("component", "duckdb"),
	}, nil
}

// Initialize creates the tables and indexes. Idempotent.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing duckdb storage", "db_path", d.dbPath)

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			code VARCHAR NOT NULL,
			item_type VARCHAR NOT NULL,
			timeframe VARCHAR NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL DEFAULT 0,
			source VARCHAR NOT NULL,
			complete BOOLEAN NOT NULL DEFAULT true,
			has_missing_data BOOLEAN NOT NULL DEFAULT false,
			update_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (code, item_type, timeframe, timestamp)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id VARCHAR PRIMARY KEY,
			category VARCHAR NOT NULL,
			payload VARCHAR NOT NULL,
			hour_bucket TIMESTAMPTZ NOT NULL,
			source VARCHAR NOT NULL,
			metadata VARCHAR,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (category, hour_bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS update_log (
			id VARCHAR PRIMARY KEY,
			operation VARCHAR NOT NULL,
			code VARCHAR NOT NULL,
			item_type VARCHAR NOT NULL,
			source_timeframe VARCHAR,
			target_timeframe VARCHAR NOT NULL,
			range_start TIMESTAMPTZ NOT NULL,
			range_end TIMESTAMPTZ NOT NULL,
			records_written INTEGER NOT NULL DEFAULT 0,
			status VARCHAR NOT NULL,
			error VARCHAR,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_series ON bars (code, item_type, timeframe, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_lookup ON snapshots (category, hour_bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_update_log_started ON update_log (started_at)`,
	}
	for _, stmt := range ddl {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return wrapErr("initialize", "", err)
		}
	}
	return nil
}

// Close shuts down the database connection.
func (d *DuckDBStorage) Close() error {
	return d.db.Close()
}

// HealthCheck verifies the connection with a trivial query.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return wrapErr("health", "", err)
	}
	return nil
}

// Stats reports row counts and bar time bounds.
func (d *DuckDBStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var earliest, latest sql.NullTime
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM bars`,
	).Scan(&stats.Bars, &earliest, &latest)
	if err != nil {
		return nil, wrapErr("stats", "bars", err)
	}
	if earliest.Valid {
		stats.EarliestBar = earliest.Time.UTC()
	}
	if latest.Valid {
		stats.LatestBar = latest.Time.UTC()
	}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&stats.Snapshots); err != nil {
		return nil, wrapErr("stats", "snapshots", err)
	}
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_log`).Scan(&stats.UpdateLogs); err != nil {
		return nil, wrapErr("stats", "update_log", err)
	}
	return stats, nil
}

// BarStore

func (d *DuckDBStorage) UpsertBars(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return wrapErr("upsert", "bars", err)
		}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("upsert", "bars", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO bars (code, item_type, timeframe, timestamp, open, high, low, close,
		                  volume, source, complete, has_missing_data, update_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13)
		ON CONFLICT (code, item_type, timeframe, timestamp) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			source = excluded.source,
			complete = excluded.complete,
			has_missing_data = excluded.has_missing_data,
			update_count = bars.update_count + 1,
			updated_at = excluded.updated_at`

	now := time.Now().UTC()
	for i := range bars {
		b := &bars[i]
		_, err := tx.ExecContext(ctx, query,
			b.Code, b.ItemType, b.Timeframe, b.Timestamp.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume,
			string(b.Source), b.Complete, b.HasMissingData, now,
		)
		if err != nil {
			return wrapErr("upsert", "bars", fmt.Errorf("bar %s/%s@%s: %w", b.Code, b.Timeframe, b.Timestamp.Format(time.RFC3339), err))
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("upsert", "bars", err)
	}
	return nil
}

const barColumns = `code, item_type, timeframe, timestamp, open, high, low, close,
	volume, source, complete, has_missing_data, update_count, updated_at`

func (d *DuckDBStorage) GetBar(ctx context.Context, key models.BarKey) (*models.Bar, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+barColumns+` FROM bars
		 WHERE code = $1 AND item_type = $2 AND timeframe = $3 AND timestamp = $4`,
		key.Code, key.ItemType, key.Timeframe, key.Timestamp.UTC(),
	)
	bar, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", "bars", err)
	}
	return bar, nil
}

func (d *DuckDBStorage) QueryBars(ctx context.Context, q BarQuery) ([]models.Bar, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Code != "" {
		add("code = $%d", q.Code)
	}
	if q.ItemType != "" {
		add("item_type = $%d", q.ItemType)
	}
	if q.Timeframe != "" {
		add("timeframe = $%d", q.Timeframe)
	}
	if !q.Start.IsZero() {
		add("timestamp >= $%d", q.Start.UTC())
	}
	if !q.End.IsZero() {
		add("timestamp < $%d", q.End.UTC())
	}

	query := `SELECT ` + barColumns + ` FROM bars`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if q.Descending {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("query", "bars", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, wrapErr("query", "bars", err)
		}
		bars = append(bars, *bar)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query", "bars", err)
	}
	return bars, nil
}

func (d *DuckDBStorage) LatestBar(ctx context.Context, code, itemType, timeframe string) (*models.Bar, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+barColumns+` FROM bars
		 WHERE code = $1 AND item_type = $2 AND timeframe = $3
		 ORDER BY timestamp DESC LIMIT 1`,
		code, itemType, timeframe,
	)
	bar, err := scanBar(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("latest", "bars", err)
	}
	return bar, nil
}

func (d *DuckDBStorage) DeleteBarsBefore(ctx context.Context, timeframe string, cutoff time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM bars WHERE timeframe = $1 AND timestamp < $2`,
		timeframe, cutoff.UTC(),
	)
	if err != nil {
		return 0, wrapErr("delete", "bars", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBar(row rowScanner) (*models.Bar, error) {
	var (
		bar    models.Bar
		source string
	)
	err := row.Scan(
		&bar.Code, &bar.ItemType, &bar.Timeframe, &bar.Timestamp,
		&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume,
		&source, &bar.Complete, &bar.HasMissingData, &bar.UpdateCount, &bar.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	bar.Source = models.BarSource(source)
	bar.Timestamp = bar.Timestamp.UTC()
	bar.UpdatedAt = bar.UpdatedAt.UTC()
	return &bar, nil
}

// SnapshotStore

func (d *DuckDBStorage) InsertSnapshot(ctx context.Context, snap models.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	payload, err := json.Marshal(snap.Payload)
	if err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	var metadata []byte
	if len(snap.Metadata) > 0 {
		metadata, err = json.Marshal(snap.Metadata)
		if err != nil {
			return wrapErr("insert", "snapshots", err)
		}
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, category, payload, hour_bucket, source, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.Category, string(payload), snap.HourBucket.UTC(),
		snap.Source, nullableString(metadata), snap.CreatedAt.UTC(),
	)
	if err != nil {
		return wrapErr("insert", "snapshots", err)
	}
	return nil
}

const snapshotColumns = `id, category, payload, hour_bucket, source, metadata, created_at`

func (d *DuckDBStorage) GetSnapshotByHour(ctx context.Context, category string, hour time.Time) (*models.Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE category = $1 AND hour_bucket = $2`,
		category, hour.UTC(),
	)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get", "snapshots", err)
	}
	return snap, nil
}

func (d *DuckDBStorage) FindSnapshotNear(ctx context.Context, category string, target time.Time, window time.Duration) (*models.Snapshot, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE category = $1 AND hour_bucket >= $2 AND hour_bucket <= $3
		 ORDER BY ABS(CAST(epoch(hour_bucket) AS BIGINT) - $4), hour_bucket DESC
		 LIMIT 1`,
		category, target.Add(-window).UTC(), target.Add(window).UTC(), target.Unix(),
	)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("find", "snapshots", err)
	}
	return snap, nil
}

func (d *DuckDBStorage) ListSnapshots(ctx context.Context, category string, start, end time.Time) ([]models.Snapshot, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE category = $1 AND hour_bucket >= $2 AND hour_bucket < $3
		 ORDER BY hour_bucket ASC`,
		category, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, wrapErr("list", "snapshots", err)
	}
	defer rows.Close()

	var snaps []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, wrapErr("list", "snapshots", err)
		}
		snaps = append(snaps, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list", "snapshots", err)
	}
	return snaps, nil
}

func (d *DuckDBStorage) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE hour_bucket < $1`, cutoff.UTC(),
	)
	if err != nil {
		return 0, wrapErr("delete", "snapshots", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSnapshot(row rowScanner) (*models.Snapshot, error) {
	var (
		snap     models.Snapshot
		payload  string
		metadata sql.NullString
	)
	err := row.Scan(
		&snap.ID, &snap.Category, &payload, &snap.HourBucket,
		&snap.Source, &metadata, &snap.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &snap.Payload); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &snap.Metadata); err != nil {
			return nil, fmt.Errorf("decode snapshot metadata: %w", err)
		}
	}
	snap.HourBucket = snap.HourBucket.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()
	return &snap, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// UpdateLogStore

func (d *DuckDBStorage) AppendUpdateLog(ctx context.Context, entry models.UpdateLogEntry) error {
	if err := entry.Validate(); err != nil {
		return wrapErr("append", "update_log", err)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO update_log (id, operation, code, item_type, source_timeframe,
		                         target_timeframe, range_start, range_end, records_written,
		                         status, error, duration_ms, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		entry.ID, entry.Operation, entry.Code, entry.ItemType, entry.SourceTimeframe,
		entry.TargetTimeframe, entry.RangeStart.UTC(), entry.RangeEnd.UTC(), entry.RecordsWritten,
		string(entry.Status), entry.Error, entry.Duration.Milliseconds(), entry.StartedAt.UTC(),
	)
	if err != nil {
		return wrapErr("append", "update_log", err)
	}
	return nil
}

func (d *DuckDBStorage) ListUpdateLog(ctx context.Context, limit int) ([]models.UpdateLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, operation, code, item_type, source_timeframe, target_timeframe,
		        range_start, range_end, records_written, status, error, duration_ms, started_at
		 FROM update_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, wrapErr("list", "update_log", err)
	}
	defer rows.Close()

	var entries []models.UpdateLogEntry
	for rows.Next() {
		var (
			entry      models.UpdateLogEntry
			status     string
			durationMs int64
		)
		err := rows.Scan(
			&entry.ID, &entry.Operation, &entry.Code, &entry.ItemType,
			&entry.SourceTimeframe, &entry.TargetTimeframe,
			&entry.RangeStart, &entry.RangeEnd, &entry.RecordsWritten,
			&status, &entry.Error, &durationMs, &entry.StartedAt,
		)
		if err != nil {
			return nil, wrapErr("list", "update_log", err)
		}
		entry.Status = models.UpdateLogStatus(status)
		entry.Duration = time.Duration(durationMs) * time.Millisecond
		entry.RangeStart = entry.RangeStart.UTC()
		entry.RangeEnd = entry.RangeEnd.UTC()
		entry.StartedAt = entry.StartedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list", "update_log", err)
	}
	return entries, nil
}

var (
	_ BarStore       = (*DuckDBStorage)(nil)
	_ SnapshotStore  = (*DuckDBStorage)(nil)
	_ UpdateLogStore = (*DuckDBStorage)(nil)
	_ Manager        = (*DuckDBStorage)(nil)
)
