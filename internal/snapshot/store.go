// Package snapshot manages the hourly payload archive. At most one snapshot
// exists per (category, hour); saves inside an already-populated hour are
// skipped, which makes the periodic snapshot job idempotent regardless of
// how often it fires.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/models"
	"pricefeed/internal/storage"
)

// Store wraps a storage.SnapshotStore with the dedup and lookup policy.
type Store struct {
	backend storage.SnapshotStore
	logger  *slog.Logger
}

// NewStore creates a snapshot store over the given backend.
func NewStore(backend storage.SnapshotStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		logger:  logger.With("component", "snapshot"),
	}
}

// Save archives a payload into the hour bucket of capturedAt. Returns true
// when a snapshot was written, false when the hour was already populated.
func (s *Store) Save(ctx context.Context, category string, payload models.Payload, capturedAt time.Time, source string) (bool, error) {
	if len(payload) == 0 {
		return false, fmt.Errorf("snapshot payload for %s is empty", category)
	}
	hour := capturedAt.UTC().Truncate(time.Hour)

	if _, err := s.backend.GetSnapshotByHour(ctx, category, hour); err == nil {
		s.logger.Debug("snapshot hour already populated, skipping",
			"category", category, "hour", hour)
		return false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	snap := models.Snapshot{
		ID:         uuid.NewString(),
		Category:   category,
		Payload:    payload,
		HourBucket: hour,
		Source:     source,
		CreatedAt:  capturedAt.UTC(),
	}
	if err := s.backend.InsertSnapshot(ctx, snap); err != nil {
		return false, err
	}
	s.logger.Debug("snapshot saved", "category", category, "hour", hour, "quotes", len(payload))
	return true, nil
}

// FindClosest returns the snapshot nearest to target within plus or minus
// windowHours, preferring the later one on ties. Returns ErrNotFound from
// the storage package when nothing qualifies.
func (s *Store) FindClosest(ctx context.Context, category string, target time.Time, windowHours int) (*models.Snapshot, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	return s.backend.FindSnapshotNear(ctx, category, target.UTC(), time.Duration(windowHours)*time.Hour)
}

// FindForDate returns the latest snapshot within the UTC calendar day of
// date.
func (s *Store) FindForDate(ctx context.Context, category string, date time.Time) (*models.Snapshot, error) {
	day := date.UTC().Truncate(24 * time.Hour)
	snaps, err := s.backend.ListSnapshots(ctx, category, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, storage.ErrNotFound
	}
	return &snaps[len(snaps)-1], nil
}

// CleanupOlderThan removes snapshots past the retention horizon and reports
// how many were deleted.
func (s *Store) CleanupOlderThan(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	removed, err := s.backend.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("snapshot retention sweep", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}
