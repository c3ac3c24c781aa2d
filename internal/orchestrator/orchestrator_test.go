package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/breaker"
	"pricefeed/internal/cache"
	apperrors "pricefeed/internal/errors"
	"pricefeed/internal/models"
	"pricefeed/internal/snapshot"
	"pricefeed/internal/storage"
	"pricefeed/internal/timeseries"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Categories() []string { return []string{"metals"} }

func (m *mockProvider) FetchQuotes(ctx context.Context, category string) (models.Payload, error) {
	args := m.Called(ctx, category)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.Payload), args.Error(1)
}

func livePayload(value float64) models.Payload {
	return models.Payload{
		"XAU": {Code: "XAU", Value: value, Timestamp: time.Now().UTC()},
	}
}

type testRig struct {
	orch     *Orchestrator
	provider *mockProvider
	store    *storage.MemoryStorage
	cache    *cache.Manager
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	store := storage.NewMemoryStorage()
	p := &mockProvider{}
	cacheMgr := cache.NewManager(store, cache.Options{}, nil, nil)
	orch := New(
		p,
		cacheMgr,
		snapshot.NewStore(store, nil),
		timeseries.NewManager(store, store, nil),
		breaker.New("upstream", breaker.Config{FailureThreshold: 2, ResetTimeout: 50 * time.Millisecond, HalfOpenMax: 1}, nil),
		nil,
		nil,
		nil,
		Options{FetchTimeout: 200 * time.Millisecond},
	)
	return &testRig{orch: orch, provider: p, store: store, cache: cacheMgr}
}

func (r *testRig) waitWriteback(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.orch.WaitWriteback(ctx))
}

func TestGetLatestFreshHit(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.cache.UpsertFresh(ctx, "metals", livePayload(2400)))

	payload, prov, err := r.orch.GetLatest(ctx, "metals")
	require.NoError(t, err)
	assert.Equal(t, 2400.0, payload["XAU"].Value)
	assert.Equal(t, SourceFresh, prov.Source)

	r.provider.AssertNotCalled(t, "FetchQuotes", mock.Anything, mock.Anything)
}

func TestGetLatestFetchesAndFansOut(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	r.provider.On("FetchQuotes", mock.Anything, "metals").Return(livePayload(2400), nil).Once()

	payload, prov, err := r.orch.GetLatest(ctx, "metals")
	require.NoError(t, err)
	assert.Equal(t, 2400.0, payload["XAU"].Value)
	assert.Equal(t, SourceFresh, prov.Source)
	assert.Equal(t, "mock", prov.Provider)

	r.waitWriteback(t)

	// Both cache tiers are populated.
	_, ok := r.cache.GetFresh(ctx, "metals")
	assert.True(t, ok)
	_, ok = r.cache.GetStale(ctx, "metals")
	assert.True(t, ok)

	// A snapshot landed in the current hour bucket.
	hour := time.Now().UTC().Truncate(time.Hour)
	_, err = r.store.GetSnapshotByHour(ctx, "metals", hour)
	assert.NoError(t, err)

	// An observation bar was recorded.
	bars, err := r.store.QueryBars(ctx, storage.BarQuery{Code: "XAU", ItemType: "metals", Timeframe: "1m"})
	require.NoError(t, err)
	assert.Len(t, bars, 1)

	r.provider.AssertExpectations(t)
}

func TestGetLatestStaleFallback(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.cache.UpsertStale(ctx, "metals", livePayload(2350)))
	r.provider.On("FetchQuotes", mock.Anything, "metals").
		Return(nil, apperrors.UpstreamUnavailable("fetch", "metals",
			errors.New("GET https://api.example.com/quotes: connection refused")))

	payload, prov, err := r.orch.GetLatest(ctx, "metals")
	require.NoError(t, err)
	assert.Equal(t, 2350.0, payload["XAU"].Value)
	assert.Equal(t, SourceStale, prov.Source)
	assert.NotEmpty(t, prov.Warning)
	assert.NotContains(t, prov.Warning, "api.example.com", "warning must be sanitized")

	entry, ok := r.cache.GetStale(ctx, "metals")
	require.True(t, ok)
	assert.True(t, entry.Fallback)
	assert.Equal(t, 1, entry.ErrorCount)
}

func TestGetLatestNoData(t *testing.T) {
	r := newRig(t)
	r.provider.On("FetchQuotes", mock.Anything, "metals").
		Return(nil, apperrors.UpstreamUnavailable("fetch", "metals", errors.New("down")))

	_, _, err := r.orch.GetLatest(context.Background(), "metals")
	assert.ErrorIs(t, err, apperrors.ErrNoData)
}

func TestGetLatestAuthFailureSurfaces(t *testing.T) {
	r := newRig(t)
	r.provider.On("FetchQuotes", mock.Anything, "metals").
		Return(nil, apperrors.UpstreamAuth("fetch", "metals", errors.New("401 unauthorized")))

	_, _, err := r.orch.GetLatest(context.Background(), "metals")
	assert.True(t, apperrors.IsAuthFailure(err))
	assert.NotErrorIs(t, err, apperrors.ErrNoData)

	// Auth failures must not be retried.
	r.provider.AssertNumberOfCalls(t, "FetchQuotes", 1)
}

func TestBreakerOpensAndBlocksUpstream(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.provider.On("FetchQuotes", mock.Anything, "metals").
		Return(nil, apperrors.UpstreamAuth("fetch", "metals", errors.New("boom")))

	// Threshold is 2: two failed refreshes open the circuit.
	r.orch.GetLatest(ctx, "metals")
	r.orch.GetLatest(ctx, "metals")
	assert.Equal(t, breaker.StateOpen, r.orch.Stats().Breaker.State)

	// While open, the provider is not called.
	calls := len(r.provider.Calls)
	_, _, err := r.orch.GetLatest(ctx, "metals")
	assert.ErrorIs(t, err, apperrors.ErrNoData)
	assert.Len(t, r.provider.Calls, calls)
}

func TestForceRefreshBypassesFreshTier(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	require.NoError(t, r.cache.UpsertFresh(ctx, "metals", livePayload(2300)))
	r.provider.On("FetchQuotes", mock.Anything, "metals").Return(livePayload(2400), nil).Once()

	payload, _, err := r.orch.ForceRefresh(ctx, "metals")
	require.NoError(t, err)
	assert.Equal(t, 2400.0, payload["XAU"].Value)
	r.provider.AssertExpectations(t)
	r.waitWriteback(t)
}

func TestGetHistoricalFromSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	snaps := snapshot.NewStore(r.store, nil)
	_, err := snaps.Save(ctx, "metals", livePayload(2380), day.Add(15*time.Hour), "live")
	require.NoError(t, err)

	payload, prov, err := r.orch.GetHistorical(ctx, "metals", day)
	require.NoError(t, err)
	assert.Equal(t, 2380.0, payload["XAU"].Value)
	assert.Equal(t, SourceSnapshot, prov.Source)
	assert.True(t, prov.IsHistorical)
	assert.Equal(t, day.Add(15*time.Hour), prov.Date)
}

func TestGetHistoricalFromDailyBar(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.store.UpsertBars(ctx, []models.Bar{{
		Code: "XAU", ItemType: "metals", Timeframe: "1d", Timestamp: day,
		Open: 2300, High: 2420, Low: 2280, Close: 2400,
		Source: models.SourceAPI, Complete: true,
	}}))

	payload, prov, err := r.orch.GetHistorical(ctx, "metals", day.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2400.0, payload["XAU"].Value)
	assert.Equal(t, SourceAggregated, prov.Source)
}

func TestGetHistoricalFromFinerBars(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.store.UpsertBars(ctx, []models.Bar{
		{
			Code: "XAU", ItemType: "metals", Timeframe: "1h", Timestamp: day.Add(9 * time.Hour),
			Open: 2300, High: 2320, Low: 2290, Close: 2310,
			Source: models.SourceAPI, Complete: true,
		},
		{
			Code: "XAU", ItemType: "metals", Timeframe: "1h", Timestamp: day.Add(17 * time.Hour),
			Open: 2310, High: 2410, Low: 2300, Close: 2405,
			Source: models.SourceAPI, Complete: true,
		},
	}))

	payload, prov, err := r.orch.GetHistorical(ctx, "metals", day)
	require.NoError(t, err)
	assert.Equal(t, 2405.0, payload["XAU"].Value, "last bar of the day carries the close")
	assert.Equal(t, SourceAggregated, prov.Source)
}

func TestGetHistoricalNoData(t *testing.T) {
	r := newRig(t)
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	_, _, err := r.orch.GetHistorical(context.Background(), "metals", day)
	assert.ErrorIs(t, err, apperrors.ErrNoData)
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	r.provider.On("FetchQuotes", mock.Anything, "metals").Return(livePayload(2400), nil).Once()
	_, _, err := r.orch.GetLatest(ctx, "metals")
	require.NoError(t, err)
	r.waitWriteback(t)

	stats := r.orch.Stats()
	assert.Equal(t, int64(1), stats.Fetches)
	assert.Zero(t, stats.FetchFailures)
	assert.Equal(t, breaker.StateClosed, stats.Breaker.State)
	assert.GreaterOrEqual(t, stats.Cache.Writes, int64(2))
}
