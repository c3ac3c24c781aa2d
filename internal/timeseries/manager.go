// Package timeseries manages the OHLC bar archive: live observation merge,
// bulk upsert, range queries, rollup aggregation between timeframes, gap
// interpolation, and coverage reporting.
package timeseries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricefeed/internal/models"
	"pricefeed/internal/storage"
)

// Manager coordinates bar writes and derived-data maintenance over a
// BarStore, recording every bulk write operation in the update log.
type Manager struct {
	bars   storage.BarStore
	log    storage.UpdateLogStore
	logger *slog.Logger

	// obsMu guards the per-series locks used to serialize the
	// read-merge-write in RecordObservation.
	obsMu    sync.Mutex
	obsLocks map[seriesKey]*sync.Mutex
}

type seriesKey struct {
	code      string
	itemType  string
	timeframe string
}

// Coverage reports how much of an expected bar range is actually present.
type Coverage struct {
	Code           string    `json:"code"`
	ItemType       string    `json:"item_type"`
	Timeframe      string    `json:"timeframe"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Expected       int       `json:"expected"`
	Actual         int       `json:"actual"`
	CoveragePct    float64   `json:"coverage_pct"`
	MissingPeriods []Period  `json:"missing_periods,omitempty"`
}

// Period is one contiguous run of missing buckets; Start inclusive, End
// exclusive.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewManager creates a time-series manager. The update-log store may be nil
// when auditing is not wanted.
func NewManager(bars storage.BarStore, log storage.UpdateLogStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bars:     bars,
		log:      log,
		logger:   logger.With("component", "timeseries"),
		obsLocks: make(map[seriesKey]*sync.Mutex),
	}
}

// seriesLock returns the mutex for one series, creating it on first use.
func (m *Manager) seriesLock(key seriesKey) *sync.Mutex {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	lock, ok := m.obsLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.obsLocks[key] = lock
	}
	return lock
}

// UpsertBars validates and writes bars. Conflicting keys are overwritten
// with the update count bumped by the store.
func (m *Manager) UpsertBars(ctx context.Context, bars []models.Bar) error {
	return m.bars.UpsertBars(ctx, bars)
}

// RecordObservation merges one live quote value into the bar covering ts in
// the given timeframe. A first observation seeds the bar with O=H=L=C=value;
// later ones stretch high/low and move close.
func (m *Manager) RecordObservation(ctx context.Context, code, itemType, timeframe string, value float64, ts time.Time) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("observation for %s is not a finite number", code)
	}
	bucket, err := models.AlignToTimeframe(ts, timeframe)
	if err != nil {
		return err
	}

	// Concurrent observations for the same series would otherwise race the
	// get-then-upsert merge and could drop a high or low extremum.
	lock := m.seriesLock(seriesKey{code: code, itemType: itemType, timeframe: timeframe})
	lock.Lock()
	defer lock.Unlock()

	key := models.BarKey{Code: code, ItemType: itemType, Timeframe: timeframe, Timestamp: bucket}
	existing, err := m.bars.GetBar(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	bar := models.Bar{
		Code:      code,
		ItemType:  itemType,
		Timeframe: timeframe,
		Timestamp: bucket,
		Open:      value,
		High:      value,
		Low:       value,
		Close:     value,
		Source:    models.SourceAPI,
	}
	if existing != nil {
		bar.Open = existing.Open
		bar.High = math.Max(existing.High, value)
		bar.Low = math.Min(existing.Low, value)
		bar.Volume = existing.Volume
	}
	return m.bars.UpsertBars(ctx, []models.Bar{bar})
}

// Query returns bars for a series in [start, end), ordered by timestamp.
func (m *Manager) Query(ctx context.Context, code, itemType, timeframe string, start, end time.Time) ([]models.Bar, error) {
	return m.bars.QueryBars(ctx, storage.BarQuery{
		Code:      code,
		ItemType:  itemType,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
	})
}

// Latest returns the most recent bar for a series, or storage.ErrNotFound.
func (m *Manager) Latest(ctx context.Context, code, itemType, timeframe string) (*models.Bar, error) {
	return m.bars.LatestBar(ctx, code, itemType, timeframe)
}

// Aggregate rolls source-timeframe bars in [start, end) up into the target
// timeframe: open from the first bar of each target bucket, close from the
// last, high is the max, low is the min, volume is the sum, and the missing
// data flag is the OR of the inputs. Written bars carry source "calculated".
// The run is recorded in the update log. Returns the number of bars written.
func (m *Manager) Aggregate(ctx context.Context, code, itemType, srcTimeframe, dstTimeframe string, start, end time.Time) (int, error) {
	started := time.Now()
	written, err := m.aggregate(ctx, code, itemType, srcTimeframe, dstTimeframe, start, end)
	m.audit(ctx, models.UpdateLogEntry{
		Operation:       "aggregate",
		Code:            code,
		ItemType:        itemType,
		SourceTimeframe: srcTimeframe,
		TargetTimeframe: dstTimeframe,
		RangeStart:      start.UTC(),
		RangeEnd:        end.UTC(),
		RecordsWritten:  written,
		StartedAt:       started.UTC(),
		Duration:        time.Since(started),
	}, err)
	return written, err
}

func (m *Manager) aggregate(ctx context.Context, code, itemType, srcTimeframe, dstTimeframe string, start, end time.Time) (int, error) {
	srcDur, err := models.TimeframeDuration(srcTimeframe)
	if err != nil {
		return 0, err
	}
	dstDur, err := models.TimeframeDuration(dstTimeframe)
	if err != nil {
		return 0, err
	}
	if dstDur <= srcDur {
		return 0, fmt.Errorf("target timeframe %s must be coarser than source %s", dstTimeframe, srcTimeframe)
	}

	source, err := m.Query(ctx, code, itemType, srcTimeframe, start, end)
	if err != nil {
		return 0, err
	}
	if len(source) == 0 {
		return 0, nil
	}

	// Source bars arrive ordered by timestamp, so first/last per bucket are
	// open/close.
	grouped := make(map[int64][]models.Bar)
	var buckets []int64
	for _, bar := range source {
		b := models.AlignToBucket(bar.Timestamp, dstDur).Unix()
		if _, seen := grouped[b]; !seen {
			buckets = append(buckets, b)
		}
		grouped[b] = append(grouped[b], bar)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })

	rolled := make([]models.Bar, 0, len(buckets))
	for _, b := range buckets {
		group := grouped[b]
		out := models.Bar{
			Code:      code,
			ItemType:  itemType,
			Timeframe: dstTimeframe,
			Timestamp: time.Unix(b, 0).UTC(),
			Open:      group[0].Open,
			Close:     group[len(group)-1].Close,
			High:      group[0].High,
			Low:       group[0].Low,
			Source:    models.SourceCalculated,
			Complete:  true,
		}
		for _, bar := range group {
			out.High = math.Max(out.High, bar.High)
			out.Low = math.Min(out.Low, bar.Low)
			out.Volume += bar.Volume
			out.HasMissingData = out.HasMissingData || bar.HasMissingData
		}
		rolled = append(rolled, out)
	}

	if err := m.bars.UpsertBars(ctx, rolled); err != nil {
		return 0, err
	}
	return len(rolled), nil
}

// FillMissingData finds gaps in [start, end) and fills each one whose both
// boundary bars exist with linearly interpolated bars. Each OHLC field is
// interpolated independently at ratio elapsed/total between the boundary
// timestamps. Filled bars carry source "interpolated" and the missing data
// flag. Gaps touching the range edge with no boundary bar stay unfilled.
// Returns the number of bars written.
func (m *Manager) FillMissingData(ctx context.Context, code, itemType, timeframe string, start, end time.Time) (int, error) {
	started := time.Now()
	written, err := m.fill(ctx, code, itemType, timeframe, start, end)
	m.audit(ctx, models.UpdateLogEntry{
		Operation:       "fill_missing",
		Code:            code,
		ItemType:        itemType,
		TargetTimeframe: timeframe,
		RangeStart:      start.UTC(),
		RangeEnd:        end.UTC(),
		RecordsWritten:  written,
		StartedAt:       started.UTC(),
		Duration:        time.Since(started),
	}, err)
	return written, err
}

func (m *Manager) fill(ctx context.Context, code, itemType, timeframe string, start, end time.Time) (int, error) {
	dur, err := models.TimeframeDuration(timeframe)
	if err != nil {
		return 0, err
	}

	existing, err := m.Query(ctx, code, itemType, timeframe, start, end)
	if err != nil {
		return 0, err
	}
	if len(existing) < 2 {
		// Interpolation needs at least two anchors.
		return 0, nil
	}

	byBucket := make(map[int64]*models.Bar, len(existing))
	for i := range existing {
		byBucket[existing[i].Timestamp.Unix()] = &existing[i]
	}

	var filled []models.Bar
	first := models.AlignToBucket(start, dur)
	if first.Before(start) {
		first = first.Add(dur)
	}
	var prev *models.Bar
	var run []time.Time
	flush := func(next *models.Bar) {
		// A run is fillable only when bracketed by real bars on both sides.
		if prev == nil || next == nil || len(run) == 0 {
			run = nil
			return
		}
		total := next.Timestamp.Sub(prev.Timestamp).Seconds()
		for _, ts := range run {
			ratio := ts.Sub(prev.Timestamp).Seconds() / total
			filled = append(filled, models.Bar{
				Code:           code,
				ItemType:       itemType,
				Timeframe:      timeframe,
				Timestamp:      ts,
				Open:           lerp(prev.Open, next.Open, ratio),
				High:           lerp(prev.High, next.High, ratio),
				Low:            lerp(prev.Low, next.Low, ratio),
				Close:          lerp(prev.Close, next.Close, ratio),
				Source:         models.SourceInterpolated,
				Complete:       true,
				HasMissingData: true,
			})
		}
		run = nil
	}

	for ts := first; ts.Before(end); ts = ts.Add(dur) {
		if bar, ok := byBucket[ts.Unix()]; ok {
			flush(bar)
			prev = bar
			continue
		}
		if prev != nil {
			run = append(run, ts)
		}
	}
	// A trailing run has no right boundary and stays unfilled.

	if len(filled) == 0 {
		return 0, nil
	}
	if err := m.bars.UpsertBars(ctx, filled); err != nil {
		return 0, err
	}
	return len(filled), nil
}

func lerp(a, b, ratio float64) float64 {
	return a + (b-a)*ratio
}

// GetCoverage reports expected versus actual bar counts for [start, end)
// along with the contiguous missing periods.
func (m *Manager) GetCoverage(ctx context.Context, code, itemType, timeframe string, start, end time.Time) (*Coverage, error) {
	dur, err := models.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	existing, err := m.Query(ctx, code, itemType, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	byBucket := make(map[int64]struct{}, len(existing))
	for _, bar := range existing {
		byBucket[bar.Timestamp.Unix()] = struct{}{}
	}

	cov := &Coverage{
		Code:      code,
		ItemType:  itemType,
		Timeframe: timeframe,
		Start:     start.UTC(),
		End:       end.UTC(),
		Actual:    len(existing),
	}

	first := models.AlignToBucket(start, dur)
	if first.Before(start) {
		first = first.Add(dur)
	}
	var gapStart time.Time
	ts := first
	for ; ts.Before(end); ts = ts.Add(dur) {
		cov.Expected++
		if _, ok := byBucket[ts.Unix()]; ok {
			if !gapStart.IsZero() {
				cov.MissingPeriods = append(cov.MissingPeriods, Period{Start: gapStart, End: ts})
				gapStart = time.Time{}
			}
			continue
		}
		if gapStart.IsZero() {
			gapStart = ts
		}
	}
	if !gapStart.IsZero() {
		cov.MissingPeriods = append(cov.MissingPeriods, Period{Start: gapStart, End: ts})
	}
	if cov.Expected > 0 {
		cov.CoveragePct = float64(cov.Actual) / float64(cov.Expected) * 100
	}
	return cov, nil
}

// CleanupExpired deletes bars past each timeframe's retention horizon.
// retentionDays maps timeframe to days kept; timeframes absent from the map
// are left alone. Returns the total number of bars removed.
func (m *Manager) CleanupExpired(ctx context.Context, retentionDays map[string]int) (int, error) {
	now := time.Now().UTC()
	total := 0
	for _, tf := range models.Timeframes() {
		days, ok := retentionDays[tf]
		if !ok || days <= 0 {
			continue
		}
		removed, err := m.bars.DeleteBarsBefore(ctx, tf, now.AddDate(0, 0, -days))
		if err != nil {
			return total, err
		}
		if removed > 0 {
			m.logger.Info("bar retention sweep", "timeframe", tf, "removed", removed)
		}
		total += removed
	}
	return total, nil
}

// audit writes an update-log entry for a bulk run; log failures are never
// allowed to fail the run itself.
func (m *Manager) audit(ctx context.Context, entry models.UpdateLogEntry, runErr error) {
	if m.log == nil {
		return
	}
	entry.ID = uuid.NewString()
	entry.Status = models.UpdateLogCompleted
	if runErr != nil {
		entry.Status = models.UpdateLogFailed
		entry.Error = runErr.Error()
	}
	if err := m.log.AppendUpdateLog(ctx, entry); err != nil {
		m.logger.Warn("update log write failed", "operation", entry.Operation, "error", err)
	}
}
