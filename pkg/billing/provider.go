package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment processor integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	WebhookHandler() http.Handler

	// SyncChild re-reads the child's processor subscription and rewrites the
	// local record from it. This is the manual reconciliation path.
	// Returns the resulting effective tier.
	SyncChild(ctx context.Context, childID string) (Tier, error)
}
