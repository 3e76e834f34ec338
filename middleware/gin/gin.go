// Package gin provides Gin middleware that gates routes on a child's tier
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// TierKey is the context key holding the tier resolved by RequireTier.
const TierKey = "tiersync.tier"

// ChildIDExtractor extracts the child ID from a Gin context
// Return empty string if the request does not identify a child
type ChildIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Entitlements resolves the child's effective tier (required)
	Entitlements billing.TierResolver

	// GetChildID extracts the child ID from context (required)
	GetChildID ChildIDExtractor

	// MinTier is the lowest tier allowed through
	// Default: TierPlus
	MinTier billing.Tier

	// OnInsufficientTier is called when the child's tier is below MinTier
	// If nil, returns 403 JSON with the current and required tier
	OnInsufficientTier func(c *gongin.Context, tier, required billing.Tier)

	// OnUnauthorized is called when no child is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the tier cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// RequireTier creates a Gin middleware that only lets children on MinTier or above through
func RequireTier(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Entitlements == nil {
		panic("tiersync/gin: Config.Entitlements is required")
	}
	if cfg.GetChildID == nil {
		panic("tiersync/gin: Config.GetChildID is required")
	}
	if cfg.MinTier == "" {
		cfg.MinTier = billing.TierPlus
	}

	return func(c *gongin.Context) {
		childID := cfg.GetChildID(c)
		if childID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		tier, err := cfg.Entitlements.TierFor(c.Request.Context(), childID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}

		if !tier.AtLeast(cfg.MinTier) {
			if cfg.OnInsufficientTier != nil {
				cfg.OnInsufficientTier(c, tier, cfg.MinTier)
			} else {
				c.JSON(http.StatusForbidden, gongin.H{
					"error":         "Upgrade required",
					"tier":          tier,
					"required_tier": cfg.MinTier,
				})
			}
			c.Abort()
			return
		}

		c.Set(TierKey, tier)
		c.Next()
	}
}

// TierFrom returns the tier resolved by RequireTier, or TierFree
func TierFrom(c *gongin.Context) billing.Tier {
	if val, exists := c.Get(TierKey); exists {
		if tier, ok := val.(billing.Tier); ok {
			return tier
		}
	}
	return billing.TierFree
}

// FromContext returns a ChildIDExtractor that reads a value set with c.Set
func FromContext(key string) ChildIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ChildIDExtractor that gets the child ID from a header
func FromHeader(headerName string) ChildIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a ChildIDExtractor that gets the child ID from a route parameter
func FromParam(paramName string) ChildIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a ChildIDExtractor that gets the child ID from a query parameter
func FromQuery(queryName string) ChildIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
