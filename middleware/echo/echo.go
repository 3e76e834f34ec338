// Package echo provides Echo middleware that gates routes on a child's tier
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// TierKey is the context key holding the tier resolved by RequireTier.
const TierKey = "tiersync.tier"

// ChildIDExtractor extracts the child ID from an Echo context
// Return empty string if the request does not identify a child
type ChildIDExtractor func(c echo.Context) string

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
	OnInsufficientTier func(c echo.Context, tier, required billing.Tier) error

	// OnUnauthorized is called when no child is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the tier cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// RequireTier creates an Echo middleware that only lets children on MinTier or above through
func RequireTier(cfg Config) echo.MiddlewareFunc {
	if cfg.Entitlements == nil {
		panic("tiersync/echo: Config.Entitlements is required")
	}
	if cfg.GetChildID == nil {
		panic("tiersync/echo: Config.GetChildID is required")
	}
	if cfg.MinTier == "" {
		cfg.MinTier = billing.TierPlus
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			childID := cfg.GetChildID(c)
			if childID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			tier, err := cfg.Entitlements.TierFor(c.Request().Context(), childID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if !tier.AtLeast(cfg.MinTier) {
				if cfg.OnInsufficientTier != nil {
					return cfg.OnInsufficientTier(c, tier, cfg.MinTier)
				}
				return c.JSON(http.StatusForbidden, map[string]any{
					"error":         "Upgrade required",
					"tier":          tier,
					"required_tier": cfg.MinTier,
				})
			}

			c.Set(TierKey, tier)
			return next(c)
		}
	}
}

// TierFrom returns the tier resolved by RequireTier, or TierFree
func TierFrom(c echo.Context) billing.Tier {
	if tier, ok := c.Get(TierKey).(billing.Tier); ok {
		return tier
	}
	return billing.TierFree
}

// FromContext returns a ChildIDExtractor that reads a value set with c.Set
func FromContext(key string) ChildIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ChildIDExtractor that gets the child ID from a header
func FromHeader(headerName string) ChildIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a ChildIDExtractor that gets the child ID from a route parameter
func FromParam(paramName string) ChildIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a ChildIDExtractor that gets the child ID from a query parameter
func FromQuery(queryName string) ChildIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
