// Package metrics provides an in-process counter/gauge registry used by the
// cache manager, orchestrator, and scheduler. Values are exported as a plain
// map snapshot; there is no scrape endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Kind distinguishes monotonic counters from point-in-time gauges.
type Kind string

const (
	KindCounter Kind = "counter"
	KindGauge   Kind = "gauge"
)

// Metric is one named value with optional labels.
type Metric struct {
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Registry holds all metrics for the process. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
	started time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		metrics: make(map[string]*Metric),
		started: time.Now(),
	}
}

// Inc adds one to a counter, creating it on first use.
func (r *Registry) Inc(name string, labels map[string]string) {
	r.Add(name, 1, labels)
}

// Add increments a counter by delta, creating it on first use.
func (r *Registry) Add(name string, delta float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.get(name, KindCounter, labels)
	m.Value += delta
	m.UpdatedAt = time.Now()
}

// Set records a gauge value, creating it on first use.
func (r *Registry) Set(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.get(name, KindGauge, labels)
	m.Value = value
	m.UpdatedAt = time.Now()
}

// Observe records the duration of an operation as a gauge in seconds under
// name plus a "_seconds" suffix and bumps a companion "_total" counter.
func (r *Registry) Observe(name string, d time.Duration, labels map[string]string) {
	r.Set(name+"_seconds", d.Seconds(), labels)
	r.Add(name+"_total", 1, labels)
}

// Value returns the current value of a metric, or zero when absent.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.metrics[key(name, labels)]; ok {
		return m.Value
	}
	return 0
}

// Snapshot returns a copy of all metrics plus process uptime.
func (r *Registry) Snapshot() map[string]Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Metric, len(r.metrics)+1)
	for k, m := range r.metrics {
		out[k] = *m
	}
	out["uptime_seconds"] = Metric{
		Name:      "uptime_seconds",
		Kind:      KindGauge,
		Value:     time.Since(r.started).Seconds(),
		UpdatedAt: time.Now(),
	}
	return out
}

// get fetches or creates a metric. Caller holds the write lock.
func (r *Registry) get(name string, kind Kind, labels map[string]string) *Metric {
	k := key(name, labels)
	m, ok := r.metrics[k]
	if !ok {
		m = &Metric{Name: name, Kind: kind, Labels: labels}
		r.metrics[k] = m
	}
	return m
}

func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	k := name
	for _, lk := range sortedKeys(labels) {
		k += "{" + lk + "=" + labels[lk] + "}"
	}
	return k
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
