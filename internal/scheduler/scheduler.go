// Package scheduler drives the periodic jobs: category refresh fan-out,
// rollup cascades across timeframes, gap filling, and retention sweeps.
// Every job goes through the public manager operations, so scheduled work
// and on-demand work take the same code paths.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pricefeed/internal/orchestrator"
	"pricefeed/internal/snapshot"
	"pricefeed/internal/timeseries"
)

// Options tunes the job intervals and concurrency.
type Options struct {
	// RefreshInterval is how often every category is refreshed.
	// Defaults to 5 minutes.
	RefreshInterval time.Duration
	// RollupInterval is how often the rollup cascade runs.
	// Defaults to 15 minutes.
	RollupInterval time.Duration
	// GapFillInterval is how often the gap-fill pass runs.
	// Defaults to 1 hour.
	GapFillInterval time.Duration
	// RetentionInterval is how often retention sweeps run.
	// Defaults to 24 hours.
	RetentionInterval time.Duration
	// Workers bounds the refresh fan-out concurrency. Defaults to 4.
	Workers int
	// RollupLookback is how far back each cascade stage reads.
	// Defaults to 48 hours.
	RollupLookback time.Duration
	// BarRetentionDays maps timeframe to days kept.
	BarRetentionDays map[string]int
	// SnapshotRetentionDays is the snapshot horizon. Defaults to 90.
	SnapshotRetentionDays int
}

func (o Options) withDefaults() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 5 * time.Minute
	}
	if o.RollupInterval <= 0 {
		o.RollupInterval = 15 * time.Minute
	}
	if o.GapFillInterval <= 0 {
		o.GapFillInterval = time.Hour
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = 24 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.RollupLookback <= 0 {
		o.RollupLookback = 48 * time.Hour
	}
	if o.SnapshotRetentionDays <= 0 {
		o.SnapshotRetentionDays = 90
	}
	return o
}

// rollupCascade lists the aggregation stages in order; each stage feeds the
// next.
var rollupCascade = [][2]string{
	{"1m", "5m"},
	{"5m", "15m"},
	{"15m", "1h"},
	{"1h", "1d"},
}

// Scheduler runs the periodic jobs until its context is cancelled.
type Scheduler struct {
	orch       *orchestrator.Orchestrator
	series     *timeseries.Manager
	snapshots  *snapshot.Store
	categories map[string][]string
	opts       Options
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. categories maps category name to its item codes,
// matching the provider configuration.
func New(
	orch *orchestrator.Orchestrator,
	series *timeseries.Manager,
	snapshots *snapshot.Store,
	categories map[string][]string,
	opts Options,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orch:       orch,
		series:     series,
		snapshots:  snapshots,
		categories: categories,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "scheduler"),
	}
}

// Start launches the job loops. Call Stop to shut them down.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("scheduler starting",
		"refresh_interval", s.opts.RefreshInterval,
		"rollup_interval", s.opts.RollupInterval,
		"workers", s.opts.Workers)

	s.loop(ctx, s.opts.RefreshInterval, s.refreshAll)
	s.loop(ctx, s.opts.RollupInterval, s.rollupAll)
	s.loop(ctx, s.opts.GapFillInterval, s.fillGaps)
	s.loop(ctx, s.opts.RetentionInterval, s.sweepRetention)
}

// Stop cancels the job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// refreshAll fetches every category through a bounded worker pool.
func (s *Scheduler) refreshAll(ctx context.Context) {
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	for category := range s.categories {
		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(category string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, _, err := s.orch.ForceRefresh(ctx, category); err != nil {
				s.logger.Warn("scheduled refresh failed", "category", category, "error", err)
			}
		}(category)
	}
	wg.Wait()
}

// rollupAll runs the cascade for every code so each coarser timeframe is
// rebuilt from the one below it.
func (s *Scheduler) rollupAll(ctx context.Context) {
	end := time.Now().UTC()
	start := end.Add(-s.opts.RollupLookback)
	for category, codes := range s.categories {
		for _, code := range codes {
			for _, stage := range rollupCascade {
				if ctx.Err() != nil {
					return
				}
				written, err := s.series.Aggregate(ctx, code, category, stage[0], stage[1], start, end)
				if err != nil {
					s.logger.Warn("rollup failed",
						"code", code, "from", stage[0], "to", stage[1], "error", err)
					continue
				}
				if written > 0 {
					s.logger.Debug("rollup completed",
						"code", code, "from", stage[0], "to", stage[1], "bars", written)
				}
			}
		}
	}
}

// fillGaps interpolates missing bars over the rollup lookback for the
// cascade source timeframes.
func (s *Scheduler) fillGaps(ctx context.Context) {
	end := time.Now().UTC()
	start := end.Add(-s.opts.RollupLookback)
	for category, codes := range s.categories {
		for _, code := range codes {
			for _, stage := range rollupCascade {
				if ctx.Err() != nil {
					return
				}
				written, err := s.series.FillMissingData(ctx, code, category, stage[0], start, end)
				if err != nil {
					s.logger.Warn("gap fill failed",
						"code", code, "timeframe", stage[0], "error", err)
					continue
				}
				if written > 0 {
					s.logger.Info("gap fill completed",
						"code", code, "timeframe", stage[0], "bars", written)
				}
			}
		}
	}
}

// sweepRetention deletes bars and snapshots past their horizons.
func (s *Scheduler) sweepRetention(ctx context.Context) {
	if len(s.opts.BarRetentionDays) > 0 {
		removed, err := s.series.CleanupExpired(ctx, s.opts.BarRetentionDays)
		if err != nil {
			s.logger.Warn("bar retention sweep failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("bar retention sweep completed", "removed", removed)
		}
	}
	removed, err := s.snapshots.CleanupOlderThan(ctx, s.opts.SnapshotRetentionDays)
	if err != nil {
		s.logger.Warn("snapshot retention sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Info("snapshot retention sweep completed", "removed", removed)
	}
}
