// Package orchestrator implements the resilient fetch pipeline. A read goes
// fresh cache, then upstream through the circuit breaker with rate limiting
// and bounded retry, then the stale cache, and only then fails. Successful
// fetches fan out to the cache tiers, the hourly snapshot archive, and the
// OHLC observation stream; every write-back is best effort and never fails
// the read that triggered it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"pricefeed/internal/breaker"
	"pricefeed/internal/cache"
	apperrors "pricefeed/internal/errors"
	"pricefeed/internal/metrics"
	"pricefeed/internal/models"
	"pricefeed/internal/provider"
	"pricefeed/internal/snapshot"
	"pricefeed/internal/storage"
	"pricefeed/internal/timeseries"
)

// Provenance sources.
const (
	SourceFresh      = "fresh"
	SourceStale      = "stale"
	SourceSnapshot   = "snapshot"
	SourceAggregated = "aggregated"
)

// Provenance tells the caller where a payload came from and how much to
// trust it.
type Provenance struct {
	Source       string    `json:"source"`
	Provider     string    `json:"provider,omitempty"`
	AgeMinutes   float64   `json:"age_minutes"`
	Warning      string    `json:"warning,omitempty"`
	IsHistorical bool      `json:"is_historical,omitempty"`
	Date         time.Time `json:"date,omitempty"`
}

// Options tunes the fetch pipeline.
type Options struct {
	// FetchTimeout bounds one upstream fetch including retries.
	// Defaults to 10 seconds.
	FetchTimeout time.Duration
	// WritebackTimeout bounds the detached write-back fan-out.
	// Defaults to 30 seconds.
	WritebackTimeout time.Duration
	// SnapshotWindowHours bounds the historical snapshot search.
	// Defaults to 24.
	SnapshotWindowHours int
	// ObservationTimeframe is the timeframe live quotes are merged into.
	// Defaults to "1m".
	ObservationTimeframe string
	// RatePerSecond and Burst configure the upstream rate limiter.
	// Defaults: 5 per second, burst 10.
	RatePerSecond float64
	Burst         int
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.WritebackTimeout <= 0 {
		o.WritebackTimeout = 30 * time.Second
	}
	if o.SnapshotWindowHours <= 0 {
		o.SnapshotWindowHours = 24
	}
	if o.ObservationTimeframe == "" {
		o.ObservationTimeframe = "1m"
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	return o
}

// Orchestrator wires the pipeline together. Item type for bar storage is
// the category name.
type Orchestrator struct {
	provider  provider.Adapter
	cache     *cache.Manager
	snapshots *snapshot.Store
	series    *timeseries.Manager
	breaker   *breaker.Breaker
	limiter   *rate.Limiter
	validator *models.PayloadValidator
	tracker   *apperrors.WritebackTracker
	registry  *metrics.Registry
	logger    *slog.Logger
	opts      Options

	// writebackDone is signalled after each fan-out; tests use it to wait
	// for the detached writes.
	writebackDone chan struct{}
}

// Stats aggregates the pipeline counters for observability.
type Stats struct {
	Cache          cache.Stats      `json:"cache"`
	Breaker        breaker.Snapshot `json:"breaker"`
	Fetches        int64            `json:"fetches"`
	FetchFailures  int64            `json:"fetch_failures"`
	StaleFallbacks int64            `json:"stale_fallbacks"`
	Writebacks     map[string]int   `json:"writeback_failures,omitempty"`
}

// New creates an orchestrator.
func New(
	p provider.Adapter,
	cacheMgr *cache.Manager,
	snapshots *snapshot.Store,
	series *timeseries.Manager,
	brk *breaker.Breaker,
	validator *models.PayloadValidator,
	registry *metrics.Registry,
	logger *slog.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = metrics.NewRegistry()
	}
	opts = opts.withDefaults()
	return &Orchestrator{
		provider:      p,
		cache:         cacheMgr,
		snapshots:     snapshots,
		series:        series,
		breaker:       brk,
		limiter:       rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		validator:     validator,
		tracker:       apperrors.NewWritebackTracker(logger, 0, 0),
		registry:      registry,
		logger:        logger.With("component", "orchestrator"),
		opts:          opts,
		writebackDone: make(chan struct{}, 16),
	}
}

// GetLatest returns the current payload for a category. A fresh cache hit
// short-circuits; otherwise the payload is fetched upstream, and on failure
// the stale tier answers with a warning.
func (o *Orchestrator) GetLatest(ctx context.Context, category string) (models.Payload, *Provenance, error) {
	if entry, ok := o.cache.GetFresh(ctx, category); ok {
		return entry.Payload, &Provenance{
			Source:     SourceFresh,
			AgeMinutes: entry.Age(time.Now()).Minutes(),
		}, nil
	}
	return o.refresh(ctx, category)
}

// ForceRefresh fetches upstream unconditionally, bypassing the fresh tier.
func (o *Orchestrator) ForceRefresh(ctx context.Context, category string) (models.Payload, *Provenance, error) {
	return o.refresh(ctx, category)
}

func (o *Orchestrator) refresh(ctx context.Context, category string) (models.Payload, *Provenance, error) {
	payload, err := o.fetch(ctx, category)
	if err == nil {
		o.registry.Inc("fetches", nil)
		o.writeback(ctx, category, payload, time.Now().UTC())
		return payload, &Provenance{
			Source:   SourceFresh,
			Provider: o.provider.Name(),
		}, nil
	}

	o.registry.Inc("fetch_failures", nil)
	o.logger.Warn("upstream fetch failed",
		"category", category, "error", apperrors.SanitizeError(err))

	if entry, ok := o.cache.GetStale(ctx, category); ok {
		o.registry.Inc("stale_fallbacks", nil)
		warning := fmt.Sprintf("serving stale data: %s", apperrors.SanitizeError(err))
		if markErr := o.cache.MarkFallback(ctx, category, apperrors.SanitizeError(err)); markErr != nil {
			o.logger.Warn("fallback mark failed", "category", category, "error", markErr)
		}
		return entry.Payload, &Provenance{
			Source:     SourceStale,
			AgeMinutes: entry.Age(time.Now()).Minutes(),
			Warning:    warning,
		}, nil
	}

	if apperrors.IsAuthFailure(err) {
		return nil, nil, err
	}
	return nil, nil, apperrors.NoData("get_latest", category)
}

// fetch performs one rate-limited, breaker-guarded upstream call with
// bounded exponential retry. Auth failures and breaker rejections are not
// retried.
func (o *Orchestrator) fetch(ctx context.Context, category string) (models.Payload, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	if err := o.limiter.Wait(fetchCtx); err != nil {
		return nil, apperrors.UpstreamUnavailable("fetch", category, err)
	}
	if !o.breaker.CanProceed() {
		return nil, apperrors.UpstreamUnavailable("fetch", category,
			fmt.Errorf("circuit breaker open"))
	}

	var payload models.Payload
	operation := func() error {
		p, err := o.provider.FetchQuotes(fetchCtx, category)
		if err != nil {
			if !apperrors.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if o.validator != nil {
			if err := o.validator.ValidatePayload(p, time.Now()); err != nil {
				return backoff.Permanent(apperrors.Validation("fetch", category, err))
			}
		}
		payload = p
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = o.opts.FetchTimeout

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, fetchCtx),
		func(err error, next time.Duration) {
			o.logger.Debug("retrying upstream fetch",
				"category", category, "next_in", next,
				"error", apperrors.SanitizeError(err))
		})
	if err != nil {
		o.breaker.RecordFailure()
		return nil, err
	}
	o.breaker.RecordSuccess()
	return payload, nil
}

// writeback fans a fetched payload out to the cache tiers, the snapshot
// archive, and the observation stream. It runs detached from the caller's
// context so cancellation of the read does not lose the data, and every
// failure is counted rather than surfaced.
func (o *Orchestrator) writeback(ctx context.Context, category string, payload models.Payload, capturedAt time.Time) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.WritebackTimeout)
	go func() {
		defer cancel()
		defer func() {
			select {
			case o.writebackDone <- struct{}{}:
			default:
			}
		}()

		o.record("cache_fresh", category, o.cache.UpsertFresh(detached, category, payload))
		o.record("cache_stale", category, o.cache.UpsertStale(detached, category, payload))

		_, err := o.snapshots.Save(detached, category, payload, capturedAt, o.provider.Name())
		o.record("snapshot", category, err)

		var obsErr error
		for code, quote := range payload {
			if err := o.series.RecordObservation(detached, code, category,
				o.opts.ObservationTimeframe, quote.Value, quote.Timestamp); err != nil {
				obsErr = err
			}
		}
		o.record("observation", category, obsErr)
	}()
}

func (o *Orchestrator) record(op, category string, err error) {
	if err != nil {
		o.tracker.Record(op, category, err)
		return
	}
	o.tracker.Reset(op, category)
}

// GetHistorical returns the payload for a past date: the day's snapshot
// when one exists, a nearby snapshot within the search window otherwise,
// and failing both, a payload reconstructed from the bar archive.
func (o *Orchestrator) GetHistorical(ctx context.Context, category string, date time.Time) (models.Payload, *Provenance, error) {
	day := date.UTC().Truncate(24 * time.Hour)

	snap, err := o.snapshots.FindForDate(ctx, category, day)
	if err != nil && errors.Is(err, storage.ErrNotFound) {
		// No snapshot that day: search around noon within the window.
		snap, err = o.snapshots.FindClosest(ctx, category, day.Add(12*time.Hour), o.opts.SnapshotWindowHours)
	}
	if err == nil {
		return snap.Payload, &Provenance{
			Source:       SourceSnapshot,
			IsHistorical: true,
			Date:         snap.HourBucket,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, apperrors.Storage("get_historical", category, err)
	}

	payload, err := o.payloadFromBars(ctx, category, day)
	if err != nil {
		return nil, nil, err
	}
	return payload, &Provenance{
		Source:       SourceAggregated,
		IsHistorical: true,
		Date:         day,
	}, nil
}

// payloadFromBars reconstructs a day's closing payload from stored daily
// bars, falling back to aggregating finer bars on the fly.
func (o *Orchestrator) payloadFromBars(ctx context.Context, category string, day time.Time) (models.Payload, error) {
	end := day.Add(24 * time.Hour)

	bars, err := o.series.Query(ctx, "", category, "1d", day, end)
	if err != nil {
		return nil, apperrors.Storage("get_historical", category, err)
	}
	if len(bars) == 0 {
		// No stored dailies: take the finest granularity with data and
		// reduce per code.
		for _, tf := range models.Timeframes() {
			if tf == "1d" {
				break
			}
			bars, err = o.series.Query(ctx, "", category, tf, day, end)
			if err != nil {
				return nil, apperrors.Storage("get_historical", category, err)
			}
			if len(bars) > 0 {
				break
			}
		}
	}
	if len(bars) == 0 {
		return nil, apperrors.NoData("get_historical", category)
	}

	// Query returns bars ordered by timestamp, so the last bar per code
	// carries the day's close.
	payload := make(models.Payload)
	for _, bar := range bars {
		payload[bar.Code] = models.Quote{
			Code:      bar.Code,
			Value:     bar.Close,
			Timestamp: bar.Timestamp,
		}
	}
	return payload, nil
}

// Stats returns the pipeline counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Cache:          o.cache.Stats(),
		Breaker:        o.breaker.Snapshot(),
		Fetches:        int64(o.registry.Value("fetches", nil)),
		FetchFailures:  int64(o.registry.Value("fetch_failures", nil)),
		StaleFallbacks: int64(o.registry.Value("stale_fallbacks", nil)),
		Writebacks:     o.tracker.Counts(),
	}
}

// WaitWriteback blocks until one detached write-back completes or the
// context expires. Intended for tests and graceful shutdown.
func (o *Orchestrator) WaitWriteback(ctx context.Context) error {
	select {
	case <-o.writebackDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
