package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/models"
	"pricefeed/internal/storage"
)

var captureTime = time.Date(2025, 6, 15, 10, 23, 45, 0, time.UTC)

func payloadAt(value float64) models.Payload {
	return models.Payload{
		"XAU": {Code: "XAU", Value: value, Timestamp: captureTime},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemoryStorage(), nil)
}

func TestSaveDeduplicatesByHour(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	written, err := s.Save(ctx, "metals", payloadAt(2400), captureTime, "live")
	require.NoError(t, err)
	assert.True(t, written)

	// Same hour, later capture: skipped, first payload retained.
	written, err = s.Save(ctx, "metals", payloadAt(2500), captureTime.Add(20*time.Minute), "live")
	require.NoError(t, err)
	assert.False(t, written)

	snap, err := s.FindClosest(ctx, "metals", captureTime, 1)
	require.NoError(t, err)
	assert.Equal(t, 2400.0, snap.Payload["XAU"].Value)

	// Next hour writes again.
	written, err = s.Save(ctx, "metals", payloadAt(2500), captureTime.Add(time.Hour), "live")
	require.NoError(t, err)
	assert.True(t, written)
}

func TestSaveRejectsEmptyPayload(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Save(context.Background(), "metals", models.Payload{}, captureTime, "live")
	assert.Error(t, err)
}

func TestFindClosest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Save(ctx, "metals", payloadAt(2400), captureTime, "live")
	require.NoError(t, err)
	_, err = s.Save(ctx, "metals", payloadAt(2450), captureTime.Add(5*time.Hour), "live")
	require.NoError(t, err)

	t.Run("nearest within window", func(t *testing.T) {
		snap, err := s.FindClosest(ctx, "metals", captureTime.Add(90*time.Minute), 24)
		require.NoError(t, err)
		assert.Equal(t, 2400.0, snap.Payload["XAU"].Value)
	})

	t.Run("window excludes distant snapshots", func(t *testing.T) {
		_, err := s.FindClosest(ctx, "metals", captureTime.Add(48*time.Hour), 2)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := s.FindClosest(ctx, "fx", captureTime, 24)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestFindForDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	morning := time.Date(2025, 6, 15, 8, 10, 0, 0, time.UTC)
	evening := time.Date(2025, 6, 15, 21, 40, 0, 0, time.UTC)
	nextDay := time.Date(2025, 6, 16, 1, 0, 0, 0, time.UTC)

	_, err := s.Save(ctx, "metals", payloadAt(2400), morning, "live")
	require.NoError(t, err)
	_, err = s.Save(ctx, "metals", payloadAt(2450), evening, "live")
	require.NoError(t, err)
	_, err = s.Save(ctx, "metals", payloadAt(2500), nextDay, "live")
	require.NoError(t, err)

	snap, err := s.FindForDate(ctx, "metals", time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2450.0, snap.Payload["XAU"].Value, "latest snapshot of the day wins")

	_, err = s.FindForDate(ctx, "metals", time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCleanupOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().AddDate(0, 0, -40)
	recent := time.Now().UTC().Add(-2 * time.Hour)

	_, err := s.Save(ctx, "metals", payloadAt(2300), old, "live")
	require.NoError(t, err)
	_, err = s.Save(ctx, "metals", payloadAt(2400), recent, "live")
	require.NoError(t, err)

	removed, err := s.CleanupOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.CleanupOlderThan(ctx, 0)
	assert.Error(t, err, "non-positive retention is rejected")
}
