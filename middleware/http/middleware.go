// Package http provides net/http middleware that gates handlers on a child's tier
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// ChildIDExtractor extracts the child (beneficiary) ID from an HTTP request
// Return empty string if the request does not identify a child
type ChildIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the child's effective tier (required)
	Entitlements billing.TierResolver

	// GetChildID extracts the child ID from the request (required)
	GetChildID ChildIDExtractor

	// MinTier is the lowest tier allowed through
	// Default: TierPlus
	MinTier billing.Tier

	// OnInsufficientTier is called when the child's tier is below MinTier
	// If nil, returns 403 Forbidden
	OnInsufficientTier func(w http.ResponseWriter, r *http.Request, tier billing.Tier)

	// OnUnauthorized is called when no child is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the tier cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// RequireTier creates an HTTP middleware that only lets children on MinTier
// or above through. The resolved tier is available via TierFromContext.
func RequireTier(config Config) func(http.Handler) http.Handler {
	if config.Entitlements == nil {
		panic("tiersync/http: Config.Entitlements is required")
	}
	if config.GetChildID == nil {
		panic("tiersync/http: Config.GetChildID is required")
	}
	if config.MinTier == "" {
		config.MinTier = billing.TierPlus
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			childID := config.GetChildID(r)
			if childID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			tier, err := config.Entitlements.TierFor(r.Context(), childID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !tier.AtLeast(config.MinTier) {
				if config.OnInsufficientTier != nil {
					config.OnInsufficientTier(w, r, tier)
				} else {
					msg := fmt.Sprintf("Upgrade required: %s plan or higher", config.MinTier)
					http.Error(w, msg, http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTier(r.Context(), tier)))
		})
	}
}

// HandlerFunc is RequireTier for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireTier(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// ChildIDKey is the context key for the child ID
	ChildIDKey ContextKey = "tiersync:childID"

	// TierKey is the context key for the resolved tier
	TierKey ContextKey = "tiersync:tier"
)

// FromContext returns a ChildIDExtractor that gets the child ID from request context
func FromContext(key ContextKey) ChildIDExtractor {
	return func(r *http.Request) string {
		if childID, ok := r.Context().Value(key).(string); ok {
			return childID
		}
		return ""
	}
}

// FromHeader returns a ChildIDExtractor that gets the child ID from a header
func FromHeader(headerName string) ChildIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a ChildIDExtractor that gets the child ID from a query parameter
func FromQuery(name string) ChildIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FromPath returns a ChildIDExtractor that reads a path wildcard (Go 1.22 patterns)
func FromPath(name string) ChildIDExtractor {
	return func(r *http.Request) string {
		return r.PathValue(name)
	}
}

// WithChildID adds the child ID to a context
func WithChildID(ctx context.Context, childID string) context.Context {
	return context.WithValue(ctx, ChildIDKey, childID)
}

// WithTier adds a resolved tier to a context
func WithTier(ctx context.Context, tier billing.Tier) context.Context {
	return context.WithValue(ctx, TierKey, tier)
}

// TierFromContext returns the tier resolved by RequireTier, or TierFree
func TierFromContext(ctx context.Context) billing.Tier {
	if tier, ok := ctx.Value(TierKey).(billing.Tier); ok {
		return tier
	}
	return billing.TierFree
}
