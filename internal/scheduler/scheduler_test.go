package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/breaker"
	"pricefeed/internal/cache"
	"pricefeed/internal/models"
	"pricefeed/internal/orchestrator"
	"pricefeed/internal/provider"
	"pricefeed/internal/snapshot"
	"pricefeed/internal/storage"
	"pricefeed/internal/timeseries"
)

var testCategories = map[string][]string{
	"metals": {"XAU", "XAG"},
}

type testRig struct {
	sched  *Scheduler
	orch   *orchestrator.Orchestrator
	series *timeseries.Manager
	snaps  *snapshot.Store
	store  *storage.MemoryStorage
	cache  *cache.Manager
}

func newRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	store := storage.NewMemoryStorage()
	cacheMgr := cache.NewManager(store, cache.Options{}, nil, nil)
	snaps := snapshot.NewStore(store, nil)
	series := timeseries.NewManager(store, store, nil)
	orch := orchestrator.New(
		provider.NewSynthetic(testCategories),
		cacheMgr,
		snaps,
		series,
		breaker.New("upstream", breaker.Config{}, nil),
		nil,
		nil,
		nil,
		orchestrator.Options{FetchTimeout: 2 * time.Second},
	)
	return &testRig{
		sched:  New(orch, series, snaps, testCategories, opts, nil),
		orch:   orch,
		series: series,
		snaps:  snaps,
		store:  store,
		cache:  cacheMgr,
	}
}

func (r *testRig) waitWriteback(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.orch.WaitWriteback(ctx))
}

func seedHourBar(t *testing.T, r *testRig, code string, ts time.Time, close float64) {
	t.Helper()
	bar := models.Bar{
		Code:      code,
		ItemType:  "metals",
		Timeframe: "1h",
		Timestamp: ts,
		Open:      close - 5,
		High:      close + 5,
		Low:       close - 10,
		Close:     close,
		Source:    models.SourceAPI,
		Complete:  true,
	}
	require.NoError(t, r.series.UpsertBars(context.Background(), []models.Bar{bar}))
}

func TestRefreshAllPopulatesCache(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Options{Workers: 2})

	r.sched.refreshAll(ctx)
	r.waitWriteback(t)

	entry, ok := r.cache.GetFresh(ctx, "metals")
	require.True(t, ok)
	assert.Contains(t, entry.Payload, "XAU")
	assert.Contains(t, entry.Payload, "XAG")
}

func TestRollupAllCascades(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Options{})

	// Two hourly bars well inside the lookback window.
	base := time.Now().UTC().Truncate(time.Hour).Add(-6 * time.Hour)
	seedHourBar(t, r, "XAU", base, 2400)
	seedHourBar(t, r, "XAU", base.Add(time.Hour), 2410)

	r.sched.rollupAll(ctx)

	daily, err := r.series.Query(ctx, "XAU", "metals", "1d", base.Add(-48*time.Hour), base.Add(48*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, daily)
	assert.Equal(t, models.SourceCalculated, daily[0].Source)
}

func TestFillGapsInterpolates(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Options{})

	base := time.Now().UTC().Truncate(time.Hour).Add(-8 * time.Hour)
	seedHourBar(t, r, "XAG", base, 28)
	seedHourBar(t, r, "XAG", base.Add(2*time.Hour), 30)

	r.sched.fillGaps(ctx)

	filled, err := r.series.Query(ctx, "XAG", "metals", "1h", base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, filled, 3)
	assert.Equal(t, models.SourceInterpolated, filled[1].Source)
	assert.InDelta(t, 29.0, filled[1].Close, 1e-9)
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, Options{
		BarRetentionDays:      map[string]int{"1h": 30},
		SnapshotRetentionDays: 30,
	})

	old := time.Now().UTC().Add(-100 * 24 * time.Hour).Truncate(time.Hour)
	seedHourBar(t, r, "XAU", old, 2300)
	seedHourBar(t, r, "XAU", time.Now().UTC().Truncate(time.Hour), 2400)

	payload := models.Payload{"XAU": {Code: "XAU", Value: 2300, Timestamp: old}}
	_, err := r.snaps.Save(ctx, "metals", payload, old, "api")
	require.NoError(t, err)

	r.sched.sweepRetention(ctx)

	bars, err := r.series.Query(ctx, "XAU", "metals", "1h", old.Add(-time.Hour), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.True(t, bars[0].Timestamp.After(old))

	snaps, err := r.snaps.FindClosest(ctx, "metals", old, 24)
	assert.Error(t, err)
	assert.Nil(t, snaps)
}

func TestStartStop(t *testing.T) {
	r := newRig(t, Options{
		RefreshInterval:   10 * time.Millisecond,
		RollupInterval:    time.Hour,
		GapFillInterval:   time.Hour,
		RetentionInterval: time.Hour,
		Workers:           2,
	})

	ctx := context.Background()
	r.sched.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	r.sched.Stop()

	r.waitWriteback(t)
	_, ok := r.cache.GetFresh(ctx, "metals")
	assert.True(t, ok)
}
