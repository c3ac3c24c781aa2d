package models

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PayloadValidator checks upstream payloads before they enter the cache,
// snapshot, and time-series layers. A fetch whose payload fails validation
// is treated as a failed fetch even though the transport-level call
// succeeded. Threshold comparisons use decimal arithmetic so that borderline
// spike decisions are not subject to float rounding.
type PayloadValidator struct {
	maxChangeRatio decimal.Decimal
	maxQuoteAge    time.Duration
}

// NewPayloadValidator creates a validator with the given spike threshold
// (maximum |change|/value ratio, <= 0 disables the check) and maximum quote
// age (<= 0 disables the check).
func NewPayloadValidator(maxChangeRatio float64, maxQuoteAge time.Duration) *PayloadValidator {
	return &PayloadValidator{
		maxChangeRatio: decimal.NewFromFloat(maxChangeRatio),
		maxQuoteAge:    maxQuoteAge,
	}
}

// ValidatePayload checks every quote in the payload. It returns the first
// violation found; an empty payload is itself a violation since an upstream
// success with no data is indistinguishable from a broken response.
func (v *PayloadValidator) ValidatePayload(payload Payload, now time.Time) error {
	if len(payload) == 0 {
		return &ValidationError{Field: "payload", Message: "payload contains no quotes"}
	}
	for code, q := range payload {
		if err := v.validateQuote(code, q, now); err != nil {
			return err
		}
	}
	return nil
}

func (v *PayloadValidator) validateQuote(code string, q Quote, now time.Time) error {
	if code == "" || q.Code == "" {
		return &ValidationError{Field: "code", Message: "quote item code cannot be empty"}
	}
	if q.Code != code {
		return &ValidationError{Field: "code", Message: fmt.Sprintf("quote code %q does not match payload key %q", q.Code, code)}
	}
	if math.IsNaN(q.Value) || math.IsInf(q.Value, 0) {
		return &ValidationError{Field: "value", Message: fmt.Sprintf("quote %s has a non-finite value", code)}
	}
	if q.Value <= 0 {
		return &ValidationError{Field: "value", Message: fmt.Sprintf("quote %s value must be greater than 0", code)}
	}
	if q.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("quote %s timestamp cannot be zero", code)}
	}
	if v.maxQuoteAge > 0 && now.Sub(q.Timestamp) > v.maxQuoteAge {
		return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("quote %s is older than %s", code, v.maxQuoteAge)}
	}
	if q.Change != nil && v.maxChangeRatio.IsPositive() {
		if math.IsNaN(*q.Change) || math.IsInf(*q.Change, 0) {
			return &ValidationError{Field: "change", Message: fmt.Sprintf("quote %s has a non-finite change", code)}
		}
		change := decimal.NewFromFloat(*q.Change).Abs()
		value := decimal.NewFromFloat(q.Value)
		if change.GreaterThan(value.Mul(v.maxChangeRatio)) {
			return &ValidationError{Field: "change", Message: fmt.Sprintf("quote %s change exceeds spike threshold", code)}
		}
	}
	return nil
}
