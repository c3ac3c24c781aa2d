// Package provider defines the upstream adapter contract. Adapters fetch the
// full quote payload for one category and translate transport-level failures
// into the typed errors the orchestrator routes on: auth failures are
// terminal while availability failures trigger retry and fallback.
package provider

import (
	"context"

	"pricefeed/internal/models"
)

// Adapter fetches quotes from one upstream source.
type Adapter interface {
	// Name identifies the adapter in logs and provenance.
	Name() string

	// FetchQuotes returns the complete payload for a category. Failures must
	// be returned as apperrors.UpstreamAuth for credential problems and
	// apperrors.UpstreamUnavailable for everything transient.
	FetchQuotes(ctx context.Context, category string) (models.Payload, error)

	// Categories lists the categories this adapter can serve.
	Categories() []string
}
