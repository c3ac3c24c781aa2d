package provider

import (
	"context"
	"hash/fnv"
	"math"
	"sort"
	"time"

	apperrors "pricefeed/internal/errors"
	"pricefeed/internal/models"
)

// Synthetic is a deterministic quote generator for local runs and tests.
// Values follow a slow sine walk seeded from the item code, so repeated
// fetches at the same instant return the same payload and consecutive
// fetches move plausibly.
type Synthetic struct {
	categories map[string][]string
	// now is swappable for tests.
	now func() time.Time
}

// NewSynthetic creates a generator serving the given category to item-code
// mapping.
func NewSynthetic(categories map[string][]string) *Synthetic {
	return &Synthetic{
		categories: categories,
		now:        time.Now,
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Categories() []string {
	out := make([]string, 0, len(s.categories))
	for category := range s.categories {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

func (s *Synthetic) FetchQuotes(ctx context.Context, category string) (models.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.UpstreamUnavailable("fetch", category, err)
	}
	codes, ok := s.categories[category]
	if !ok || len(codes) == 0 {
		return nil, apperrors.NoData("fetch", category)
	}

	now := s.now().UTC()
	payload := make(models.Payload, len(codes))
	for _, code := range codes {
		value := syntheticValue(code, now)
		prev := syntheticValue(code, now.Add(-24*time.Hour))
		change := value - prev
		payload[code] = models.Quote{
			Code:      code,
			Value:     value,
			Change:    &change,
			Timestamp: now,
		}
	}
	return payload, nil
}

// syntheticValue derives a price from the code hash and a pair of slow sine
// cycles, keeping it positive and smooth over time.
func syntheticValue(code string, t time.Time) float64 {
	h := fnv.New32a()
	h.Write([]byte(code))
	seed := float64(h.Sum32() % 10000)

	base := 50 + seed/2
	phase := float64(t.Unix()) / 3600
	daily := math.Sin(phase/24*2*math.Pi) * base * 0.01
	hourly := math.Sin(phase*2*math.Pi+seed) * base * 0.002
	return base + daily + hourly
}
