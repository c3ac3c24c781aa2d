package errors

import (
	"fmt"
	"log/slog"
	"sync"
)

// WritebackTracker counts consecutive failures of best-effort write-back
// operations per (operation, category) and escalates log severity at the
// configured thresholds. Write-back failures never turn a successful fetch
// into a failed read; this tracker is how they stay visible.
type WritebackTracker struct {
	mu         sync.Mutex
	counts     map[string]int
	warnAfter  int
	errorAfter int
	logger     *slog.Logger
}

// NewWritebackTracker creates a tracker that logs at warn level after
// warnAfter consecutive failures and at error level after errorAfter.
func NewWritebackTracker(logger *slog.Logger, warnAfter, errorAfter int) *WritebackTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if warnAfter <= 0 {
		warnAfter = 3
	}
	if errorAfter <= warnAfter {
		errorAfter = warnAfter * 3
	}
	return &WritebackTracker{
		counts:     make(map[string]int),
		warnAfter:  warnAfter,
		errorAfter: errorAfter,
		logger:     logger,
	}
}

// Record notes one failed write-back and logs it with escalating severity.
// The error message is sanitized before logging.
func (t *WritebackTracker) Record(op, category string, err error) {
	t.mu.Lock()
	key := trackerKey(op, category)
	t.counts[key]++
	count := t.counts[key]
	t.mu.Unlock()

	attrs := []any{
		"operation", op,
		"category", category,
		"consecutive_failures", count,
		"error", SanitizeError(err),
	}
	switch {
	case count >= t.errorAfter:
		t.logger.Error("write-back failing persistently", attrs...)
	case count >= t.warnAfter:
		t.logger.Warn("write-back failing repeatedly", attrs...)
	default:
		t.logger.Debug("write-back failed", attrs...)
	}
}

// Reset clears the consecutive-failure count after a successful write-back.
func (t *WritebackTracker) Reset(op, category string) {
	t.mu.Lock()
	delete(t.counts, trackerKey(op, category))
	t.mu.Unlock()
}

// Counts returns a copy of the current consecutive-failure counts.
func (t *WritebackTracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

func trackerKey(op, category string) string {
	return fmt.Sprintf("%s/%s", op, category)
}
