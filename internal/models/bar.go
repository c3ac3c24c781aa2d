package models

import (
	"fmt"
	"time"
)

// BarSource records how a bar's values were produced.
type BarSource string

const (
	// SourceAPI marks bars built from direct upstream observations.
	SourceAPI BarSource = "api"
	// SourceCalculated marks bars rolled up from a finer timeframe.
	SourceCalculated BarSource = "calculated"
	// SourceInterpolated marks bars synthesized to repair a gap.
	SourceInterpolated BarSource = "interpolated"
)

// Valid reports whether the source is one of the known values.
func (s BarSource) Valid() bool {
	return s == SourceAPI || s == SourceCalculated || s == SourceInterpolated
}

// Bar is one OHLC bar, unique per (item code, item type, timeframe,
// timestamp bucket). Open is fixed at first write within a bucket, high/low
// are running extrema, and close tracks the latest observation. All price
// arithmetic is plain float64.
type Bar struct {
	Code           string    `json:"code" db:"code"`
	ItemType       string    `json:"item_type" db:"item_type"`
	Timeframe      string    `json:"timeframe" db:"timeframe"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Open           float64   `json:"open" db:"open"`
	High           float64   `json:"high" db:"high"`
	Low            float64   `json:"low" db:"low"`
	Close          float64   `json:"close" db:"close"`
	Volume         float64   `json:"volume" db:"volume"`
	Source         BarSource `json:"source" db:"source"`
	Complete       bool      `json:"complete" db:"complete"`
	HasMissingData bool      `json:"has_missing_data" db:"has_missing_data"`
	UpdateCount    int       `json:"update_count" db:"update_count"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Key returns the unique storage key of the bar.
func (b *Bar) Key() BarKey {
	return BarKey{
		Code:      b.Code,
		ItemType:  b.ItemType,
		Timeframe: b.Timeframe,
		Timestamp: b.Timestamp.UTC(),
	}
}

// BarKey identifies one bar bucket.
type BarKey struct {
	Code      string
	ItemType  string
	Timeframe string
	Timestamp time.Time
}

// Validate checks the bar invariants: low <= open,close <= high, a
// bucket-aligned timestamp, and the interpolated-implies-missing rule.
func (b *Bar) Validate() error {
	if b.Code == "" {
		return &ValidationError{Field: "code", Message: "item code cannot be empty"}
	}
	if b.ItemType == "" {
		return &ValidationError{Field: "item_type", Message: "item type cannot be empty"}
	}
	if b.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}
	interval, err := TimeframeDuration(b.Timeframe)
	if err != nil {
		return &ValidationError{Field: "timeframe", Message: err.Error()}
	}
	if !b.Timestamp.Equal(AlignToBucket(b.Timestamp, interval)) {
		return &ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("timestamp %s is not aligned to the %s bucket boundary", b.Timestamp.Format(time.RFC3339), b.Timeframe),
		}
	}
	if !b.Source.Valid() {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown bar source %q", b.Source)}
	}
	if b.Source == SourceInterpolated && !b.HasMissingData {
		return &ValidationError{Field: "has_missing_data", Message: "interpolated bars must be flagged as missing data"}
	}
	if b.High < b.Open || b.High < b.Close {
		return &ValidationError{Field: "high", Message: "high must be >= open and close"}
	}
	if b.Low > b.Open || b.Low > b.Close {
		return &ValidationError{Field: "low", Message: "low must be <= open and close"}
	}
	if b.Low > b.High {
		return &ValidationError{Field: "low", Message: "low must be <= high"}
	}
	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be >= 0"}
	}
	return nil
}

// Canonical timeframe durations. 1M uses the fixed 30-day approximation.
var timeframeDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// Timeframes returns the supported timeframes ordered from finest to
// coarsest.
func Timeframes() []string {
	return []string{"1m", "5m", "15m", "1h", "1d", "1w", "1M"}
}

// TimeframeDuration converts a timeframe string to its canonical duration.
func TimeframeDuration(timeframe string) (time.Duration, error) {
	d, ok := timeframeDurations[timeframe]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	return d, nil
}

// AlignToBucket truncates a timestamp toward the Unix epoch onto the given
// interval boundary. Alignment always truncates, never rounds.
func AlignToBucket(t time.Time, interval time.Duration) time.Time {
	secs := int64(interval / time.Second)
	if secs <= 0 {
		return t.UTC()
	}
	unix := t.Unix()
	aligned := unix - (unix % secs)
	return time.Unix(aligned, 0).UTC()
}

// AlignToTimeframe is AlignToBucket for a named timeframe.
func AlignToTimeframe(t time.Time, timeframe string) (time.Time, error) {
	d, err := TimeframeDuration(timeframe)
	if err != nil {
		return time.Time{}, err
	}
	return AlignToBucket(t, d), nil
}
