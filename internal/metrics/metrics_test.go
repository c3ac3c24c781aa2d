package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistryCounters(t *testing.T) {
	r := NewRegistry()

	r.Inc("cache_hits", nil)
	r.Inc("cache_hits", nil)
	r.Add("cache_hits", 3, nil)
	assert.Equal(t, float64(5), r.Value("cache_hits", nil))

	assert.Zero(t, r.Value("cache_misses", nil))
}

func TestRegistryLabels(t *testing.T) {
	r := NewRegistry()

	r.Inc("fetch_total", map[string]string{"category": "fx"})
	r.Inc("fetch_total", map[string]string{"category": "metals"})
	r.Inc("fetch_total", map[string]string{"category": "fx"})

	assert.Equal(t, float64(2), r.Value("fetch_total", map[string]string{"category": "fx"}))
	assert.Equal(t, float64(1), r.Value("fetch_total", map[string]string{"category": "metals"}))

	// Multi-label sets resolve to one metric regardless of label ordering.
	r.Inc("fetch_errors", map[string]string{"category": "fx", "provider": "synthetic"})
	r.Inc("fetch_errors", map[string]string{"provider": "synthetic", "category": "fx"})
	assert.Equal(t, float64(2), r.Value("fetch_errors", map[string]string{"category": "fx", "provider": "synthetic"}))
}

func TestRegistryGauges(t *testing.T) {
	r := NewRegistry()

	r.Set("breaker_state", 1, nil)
	r.Set("breaker_state", 2, nil)
	assert.Equal(t, float64(2), r.Value("breaker_state", nil), "gauges overwrite")
}

func TestRegistryObserve(t *testing.T) {
	r := NewRegistry()

	r.Observe("fetch_duration", 250*time.Millisecond, nil)
	r.Observe("fetch_duration", 100*time.Millisecond, nil)

	assert.Equal(t, float64(2), r.Value("fetch_duration_total", nil))
	assert.InDelta(t, 0.1, r.Value("fetch_duration_seconds", nil), 1e-9)
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Inc("requests", nil)

	snap := r.Snapshot()
	assert.Contains(t, snap, "requests")
	assert.Contains(t, snap, "uptime_seconds")
	assert.Equal(t, KindCounter, snap["requests"].Kind)
	assert.GreaterOrEqual(t, snap["uptime_seconds"].Value, float64(0))
}
