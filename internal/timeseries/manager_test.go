package timeseries

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/models"
	"pricefeed/internal/storage"
)

var dayStart = time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	return NewManager(store, store, nil), store
}

func hourBar(ts time.Time, o, h, l, c float64) models.Bar {
	return models.Bar{
		Code: "XAU", ItemType: "metal", Timeframe: "1h", Timestamp: ts,
		Open: o, High: h, Low: l, Close: c,
		Source: models.SourceAPI, Complete: true,
	}
}

func TestRecordObservation(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	ts := dayStart.Add(10 * time.Minute)
	require.NoError(t, m.RecordObservation(ctx, "XAU", "metal", "1h", 100, ts))

	bar, err := store.GetBar(ctx, models.BarKey{Code: "XAU", ItemType: "metal", Timeframe: "1h", Timestamp: dayStart})
	require.NoError(t, err)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 100.0, bar.Close)

	// Later observations in the same bucket stretch high/low and move close.
	require.NoError(t, m.RecordObservation(ctx, "XAU", "metal", "1h", 110, ts.Add(10*time.Minute)))
	require.NoError(t, m.RecordObservation(ctx, "XAU", "metal", "1h", 95, ts.Add(20*time.Minute)))

	bar, err = store.GetBar(ctx, models.BarKey{Code: "XAU", ItemType: "metal", Timeframe: "1h", Timestamp: dayStart})
	require.NoError(t, err)
	assert.Equal(t, 100.0, bar.Open, "open never moves")
	assert.Equal(t, 110.0, bar.High)
	assert.Equal(t, 95.0, bar.Low)
	assert.Equal(t, 95.0, bar.Close)

	require.Error(t, m.RecordObservation(ctx, "XAU", "metal", "2h", 100, ts), "unknown timeframe")
}

func TestRecordObservationConcurrent(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	// Concurrent observations into one bucket must not lose an extremum to
	// an interleaved get-then-upsert merge.
	values := make([]float64, 50)
	for i := range values {
		values[i] = 100 + float64(i)
	}

	var wg sync.WaitGroup
	for _, v := range values {
		wg.Add(1)
		go func(v float64) {
			defer wg.Done()
			assert.NoError(t, m.RecordObservation(ctx, "XAU", "metal", "1h", v, dayStart.Add(time.Minute)))
		}(v)
	}
	wg.Wait()

	bar, err := store.GetBar(ctx, models.BarKey{Code: "XAU", ItemType: "metal", Timeframe: "1h", Timestamp: dayStart})
	require.NoError(t, err)
	assert.Equal(t, 149.0, bar.High)
	assert.Equal(t, 100.0, bar.Low)
	assert.GreaterOrEqual(t, bar.Close, bar.Low)
	assert.LessOrEqual(t, bar.Close, bar.High)
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	require.NoError(t, m.UpsertBars(ctx, []models.Bar{
		hourBar(dayStart, 10, 12, 9, 11),
		hourBar(dayStart.Add(time.Hour), 11, 13, 10, 12),
	}))

	written, err := m.Aggregate(ctx, "XAU", "metal", "1h", "1d", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	daily, err := m.Query(ctx, "XAU", "metal", "1d", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, 10.0, daily[0].Open)
	assert.Equal(t, 13.0, daily[0].High)
	assert.Equal(t, 9.0, daily[0].Low)
	assert.Equal(t, 12.0, daily[0].Close)
	assert.Equal(t, models.SourceCalculated, daily[0].Source)

	entries, err := store.ListUpdateLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "aggregate", entries[0].Operation)
	assert.Equal(t, models.UpdateLogCompleted, entries[0].Status)
	assert.Equal(t, 1, entries[0].RecordsWritten)
}

func TestAggregateMissingDataPropagates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	a := hourBar(dayStart, 10, 12, 9, 11)
	b := hourBar(dayStart.Add(time.Hour), 11, 13, 10, 12)
	b.Source = models.SourceInterpolated
	b.HasMissingData = true
	require.NoError(t, m.UpsertBars(ctx, []models.Bar{a, b}))

	_, err := m.Aggregate(ctx, "XAU", "metal", "1h", "1d", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)

	daily, err := m.Query(ctx, "XAU", "metal", "1d", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.True(t, daily[0].HasMissingData)
}

func TestAggregateRejectsFinerTarget(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Aggregate(context.Background(), "XAU", "metal", "1d", "1h", dayStart, dayStart.Add(24*time.Hour))
	assert.Error(t, err)
}

func TestAggregateEmptyRange(t *testing.T) {
	m, store := newTestManager(t)
	written, err := m.Aggregate(context.Background(), "XAU", "metal", "1h", "1d", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, written)

	entries, err := store.ListUpdateLog(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "empty runs are still audited")
	assert.Zero(t, entries[0].RecordsWritten)
}

func TestFillMissingDataInterpolates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	// Bars at 00:00 and 02:00; 01:00 missing. The midpoint interpolates to
	// the average of the boundary values.
	require.NoError(t, m.UpsertBars(ctx, []models.Bar{
		hourBar(dayStart, 100, 112, 98, 110),
		hourBar(dayStart.Add(2*time.Hour), 110, 125, 108, 120),
	}))

	written, err := m.FillMissingData(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	bars, err := m.Query(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 3)

	mid := bars[1]
	assert.Equal(t, models.SourceInterpolated, mid.Source)
	assert.True(t, mid.HasMissingData)
	assert.InDelta(t, 105.0, mid.Open, 1e-9)
	assert.InDelta(t, 118.5, mid.High, 1e-9)
	assert.InDelta(t, 103.0, mid.Low, 1e-9)
	assert.InDelta(t, 115.0, mid.Close, 1e-9)
}

func TestFillMissingDataNeedsBothBoundaries(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	// Only a left boundary: trailing gap stays unfilled.
	require.NoError(t, m.UpsertBars(ctx, []models.Bar{
		hourBar(dayStart, 100, 112, 98, 110),
		hourBar(dayStart.Add(time.Hour), 110, 115, 108, 112),
	}))

	written, err := m.FillMissingData(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, written)

	// Leading gap before the first bar stays unfilled too.
	written, err = m.FillMissingData(ctx, "XAU", "metal", "1h", dayStart.Add(-6*time.Hour), dayStart.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestFillMissingDataMultipleGapBars(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	require.NoError(t, m.UpsertBars(ctx, []models.Bar{
		hourBar(dayStart, 100, 100, 100, 100),
		hourBar(dayStart.Add(3*time.Hour), 130, 130, 130, 130),
	}))

	written, err := m.FillMissingData(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	bars, err := m.Query(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 4)
	assert.InDelta(t, 110.0, bars[1].Close, 1e-9)
	assert.InDelta(t, 120.0, bars[2].Close, 1e-9)
}

func TestGetCoverage(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	end := dayStart.Add(24 * time.Hour)

	t.Run("full day of hourly bars", func(t *testing.T) {
		var bars []models.Bar
		for i := 0; i < 24; i++ {
			bars = append(bars, hourBar(dayStart.Add(time.Duration(i)*time.Hour), 100, 110, 95, 105))
		}
		require.NoError(t, m.UpsertBars(ctx, bars))

		cov, err := m.GetCoverage(ctx, "XAU", "metal", "1h", dayStart, end)
		require.NoError(t, err)
		assert.Equal(t, 24, cov.Expected)
		assert.Equal(t, 24, cov.Actual)
		assert.Equal(t, 100.0, cov.CoveragePct)
		assert.Empty(t, cov.MissingPeriods)
	})

	t.Run("missing run is reported", func(t *testing.T) {
		m2, _ := newTestManager(t)
		require.NoError(t, m2.UpsertBars(ctx, []models.Bar{
			hourBar(dayStart, 100, 110, 95, 105),
			hourBar(dayStart.Add(5*time.Hour), 100, 110, 95, 105),
		}))

		cov, err := m2.GetCoverage(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(6*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 6, cov.Expected)
		assert.Equal(t, 2, cov.Actual)
		require.Len(t, cov.MissingPeriods, 1)
		assert.Equal(t, dayStart.Add(time.Hour), cov.MissingPeriods[0].Start)
		assert.Equal(t, dayStart.Add(5*time.Hour), cov.MissingPeriods[0].End)
	})

	t.Run("trailing gap extends to range end", func(t *testing.T) {
		m3, _ := newTestManager(t)
		require.NoError(t, m3.UpsertBars(ctx, []models.Bar{
			hourBar(dayStart, 100, 110, 95, 105),
		}))

		cov, err := m3.GetCoverage(ctx, "XAU", "metal", "1h", dayStart, dayStart.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, cov.MissingPeriods, 1)
		assert.Equal(t, dayStart.Add(time.Hour), cov.MissingPeriods[0].Start)
		assert.Equal(t, dayStart.Add(3*time.Hour), cov.MissingPeriods[0].End)
	})
}

func TestCleanupExpired(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	now := time.Now().UTC()

	old := models.AlignToBucket(now.AddDate(0, 0, -10), time.Hour)
	recent := models.AlignToBucket(now.Add(-2*time.Hour), time.Hour)
	require.NoError(t, m.UpsertBars(ctx, []models.Bar{
		hourBar(old, 100, 110, 95, 105),
		hourBar(recent, 100, 110, 95, 105),
	}))

	removed, err := m.CleanupExpired(ctx, map[string]int{"1h": 7})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	bars, err := m.Query(ctx, "XAU", "metal", "1h", time.Time{}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}
