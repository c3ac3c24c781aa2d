// Package models provides the data structures and validation for the price
// feed core: upstream quotes, tiered cache entries, hourly snapshots, OHLC
// bars, and the aggregation audit log.
package models

import (
	"fmt"
	"time"
)

// Quote represents one item's current price as produced by the upstream
// provider adapter. Quotes are ephemeral: they are never persisted directly,
// only embedded into cache entries, snapshots, and bar observations.
type Quote struct {
	Code      string     `json:"code" db:"code"`
	Value     float64    `json:"value" db:"value"`
	Change    *float64   `json:"change,omitempty" db:"change"`
	Timestamp time.Time  `json:"timestamp" db:"timestamp"`
}

// Payload is a full dataset for one category: item code -> quote.
type Payload map[string]Quote

// Clone returns a shallow copy of the payload so that callers can hold on to
// a result without observing later mutations.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for code, q := range p {
		out[code] = q
	}
	return out
}

// CacheTier identifies one of the two cache freshness levels.
type CacheTier string

const (
	// TierFresh is the short-TTL primary tier.
	TierFresh CacheTier = "fresh"
	// TierStale is the long-TTL fallback tier.
	TierStale CacheTier = "stale"
)

// Valid reports whether the tier is one of the two known tiers.
func (t CacheTier) Valid() bool {
	return t == TierFresh || t == TierStale
}

// CacheEntry is the unique cached dataset for a (category, tier) pair.
// Writes are upserts so at most one entry ever exists per pair; failed
// fetches mutate only the fallback bookkeeping fields.
type CacheEntry struct {
	Category      string    `json:"category" db:"category"`
	Tier          CacheTier `json:"tier" db:"tier"`
	Payload       Payload   `json:"payload" db:"payload"`
	CapturedAt    time.Time `json:"captured_at" db:"captured_at"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	Fallback      bool      `json:"fallback" db:"fallback"`
	LastSuccessAt time.Time `json:"last_success_at" db:"last_success_at"`
	LastError     string    `json:"last_error" db:"last_error"`
	ErrorCount    int       `json:"error_count" db:"error_count"`
}

// Expired reports whether the entry's own expiry timestamp has passed.
// Expiry is always compared against the stored ExpiresAt, never inferred
// from tier TTLs.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Age returns how long ago the entry's payload was captured.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CapturedAt)
}

// Validate checks the structural invariants of a cache entry before storage.
func (e *CacheEntry) Validate() error {
	if e.Category == "" {
		return &ValidationError{Field: "category", Message: "category cannot be empty"}
	}
	if !e.Tier.Valid() {
		return &ValidationError{Field: "tier", Message: fmt.Sprintf("unknown cache tier %q", e.Tier)}
	}
	if e.CapturedAt.IsZero() {
		return &ValidationError{Field: "captured_at", Message: "capture timestamp cannot be zero"}
	}
	if !e.ExpiresAt.After(e.CapturedAt) {
		return &ValidationError{Field: "expires_at", Message: "expiry must be after capture"}
	}
	return nil
}

// Snapshot is a deduplicated point-in-time copy of a category's full dataset,
// at most one per (category, calendar hour). Snapshots are read-only after
// creation and removed only by the retention sweep.
type Snapshot struct {
	ID         string            `json:"id" db:"id"`
	Category   string            `json:"category" db:"category"`
	Payload    Payload           `json:"payload" db:"payload"`
	HourBucket time.Time         `json:"hour_bucket" db:"hour_bucket"`
	Source     string            `json:"source" db:"source"`
	Metadata   map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// Validate checks the structural invariants of a snapshot before storage.
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Message: "id cannot be empty"}
	}
	if s.Category == "" {
		return &ValidationError{Field: "category", Message: "category cannot be empty"}
	}
	if s.HourBucket.IsZero() {
		return &ValidationError{Field: "hour_bucket", Message: "hour bucket cannot be zero"}
	}
	if !s.HourBucket.Equal(s.HourBucket.Truncate(time.Hour)) {
		return &ValidationError{Field: "hour_bucket", Message: "hour bucket must be aligned to the hour"}
	}
	if len(s.Payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload cannot be empty"}
	}
	return nil
}

// ValidationError represents a model validation error with field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
