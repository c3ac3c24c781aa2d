package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pricefeed/internal/errors"
)

func TestSyntheticDeterministic(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	s := NewSynthetic(map[string][]string{"metals": {"XAU", "XAG"}})
	s.now = func() time.Time { return fixed }

	ctx := context.Background()
	first, err := s.FetchQuotes(ctx, "metals")
	require.NoError(t, err)
	second, err := s.FetchQuotes(ctx, "metals")
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, first["XAU"].Value, second["XAU"].Value)
	assert.Positive(t, first["XAU"].Value)
	assert.Positive(t, first["XAG"].Value)
	assert.NotEqual(t, first["XAU"].Value, first["XAG"].Value)
	require.NotNil(t, first["XAU"].Change)
}

func TestSyntheticUnknownCategory(t *testing.T) {
	s := NewSynthetic(map[string][]string{"metals": {"XAU"}})
	_, err := s.FetchQuotes(context.Background(), "fx")
	assert.ErrorIs(t, err, apperrors.ErrNoData)
}

func TestSyntheticCancelledContext(t *testing.T) {
	s := NewSynthetic(map[string][]string{"metals": {"XAU"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.FetchQuotes(ctx, "metals")
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestSyntheticCategories(t *testing.T) {
	s := NewSynthetic(map[string][]string{"metals": {"XAU"}, "fx": {"EUR"}})
	assert.Equal(t, []string{"fx", "metals"}, s.Categories())
}
