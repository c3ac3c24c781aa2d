package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := UpstreamUnavailable("fetch", "currencies", fmt.Errorf("connection refused"))

	assert.True(t, stderrors.Is(err, ErrUpstreamUnavailable))
	assert.False(t, stderrors.Is(err, ErrUpstreamAuth))
	assert.Equal(t, KindUpstreamUnavailable, KindOf(err))

	wrapped := fmt.Errorf("reading category: %w", err)
	assert.True(t, stderrors.Is(wrapped, ErrUpstreamUnavailable))
	assert.Equal(t, KindUpstreamUnavailable, KindOf(wrapped))
}

func TestErrorMessages(t *testing.T) {
	err := Storage("upsert", "metals", fmt.Errorf("disk full"))
	assert.Contains(t, err.Error(), "storage")
	assert.Contains(t, err.Error(), "metals")
	assert.Contains(t, err.Error(), "disk full")

	noData := NoData("get_latest", "crypto")
	assert.Contains(t, noData.Error(), "no_data")
	assert.Nil(t, stderrors.Unwrap(noData))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(UpstreamUnavailable("fetch", "c", fmt.Errorf("timeout"))))
	assert.True(t, Retryable(Storage("read", "c", fmt.Errorf("locked"))))
	assert.False(t, Retryable(UpstreamAuth("fetch", "c", fmt.Errorf("401"))))
	assert.False(t, Retryable(Validation("fetch", "c", fmt.Errorf("bad payload"))))
	assert.False(t, Retryable(NoData("read", "c")))
	assert.False(t, Retryable(fmt.Errorf("plain error")))
}

func TestIsAuthFailure(t *testing.T) {
	auth := UpstreamAuth("fetch", "currencies", fmt.Errorf("invalid api key"))
	assert.True(t, IsAuthFailure(auth))
	assert.True(t, IsAuthFailure(fmt.Errorf("wrapped: %w", auth)))
	assert.False(t, IsAuthFailure(ErrUpstreamUnavailable))
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string // substrings that must survive
		gone []string // substrings that must not survive
	}{
		{
			name: "url with credentials",
			in:   "fetch https://api.example.com/v1/rates?api_key=abc123 failed",
			want: []string{"fetch", "failed", "[redacted-url]"},
			gone: []string{"api.example.com", "abc123"},
		},
		{
			name: "bearer token",
			in:   "rejected: Bearer eyJhbGciOiJIUzI1NiJ9.payload",
			want: []string{"rejected", "[redacted-credential]"},
			gone: []string{"eyJhbGciOiJIUzI1NiJ9"},
		},
		{
			name: "key value pairs",
			in:   "dial failed password=hunter2 token: s3cr3t",
			want: []string{"dial failed", "password=[redacted]", "token=[redacted]"},
			gone: []string{"hunter2", "s3cr3t"},
		},
		{
			name: "ip addresses",
			in:   "dial tcp 10.0.0.12:5432: connection refused",
			want: []string{"dial tcp", "connection refused", "[redacted-ip]"},
			gone: []string{"10.0.0.12", "5432"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Sanitize(tc.in)
			for _, w := range tc.want {
				assert.Contains(t, got, w)
			}
			for _, g := range tc.gone {
				assert.NotContains(t, got, g)
			}
		})
	}

	assert.Equal(t, "", SanitizeError(nil))
}

func TestWritebackTracker(t *testing.T) {
	tracker := NewWritebackTracker(nil, 2, 4)
	storeErr := fmt.Errorf("redis down")

	tracker.Record("cache_upsert", "currencies", storeErr)
	tracker.Record("cache_upsert", "currencies", storeErr)
	tracker.Record("snapshot_save", "currencies", storeErr)

	counts := tracker.Counts()
	assert.Equal(t, 2, counts["cache_upsert/currencies"])
	assert.Equal(t, 1, counts["snapshot_save/currencies"])

	tracker.Reset("cache_upsert", "currencies")
	counts = tracker.Counts()
	require.NotContains(t, counts, "cache_upsert/currencies")
	assert.Equal(t, 1, counts["snapshot_save/currencies"])
}
