// Package fiber provides Fiber middleware that gates routes on a child's tier
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// TierKey is the Locals key holding the tier resolved by RequireTier.
const TierKey = "tiersync.tier"

// ChildIDExtractor extracts the child ID from a Fiber context
// Return empty string if the request does not identify a child
type ChildIDExtractor func(c *fiber.Ctx) string

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
	OnInsufficientTier func(c *fiber.Ctx, tier, required billing.Tier) error

	// OnUnauthorized is called when no child is identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the tier cannot be resolved
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// RequireTier creates a Fiber middleware that only lets children on MinTier or above through
func RequireTier(cfg Config) fiber.Handler {
	if cfg.Entitlements == nil {
		panic("tiersync/fiber: Config.Entitlements is required")
	}
	if cfg.GetChildID == nil {
		panic("tiersync/fiber: Config.GetChildID is required")
	}
	if cfg.MinTier == "" {
		cfg.MinTier = billing.TierPlus
	}

	return func(c *fiber.Ctx) error {
		childID := cfg.GetChildID(c)
		if childID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		tier, err := cfg.Entitlements.TierFor(c.UserContext(), childID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if !tier.AtLeast(cfg.MinTier) {
			if cfg.OnInsufficientTier != nil {
				return cfg.OnInsufficientTier(c, tier, cfg.MinTier)
			}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         "Upgrade required",
				"tier":          tier,
				"required_tier": cfg.MinTier,
			})
		}

		c.Locals(TierKey, tier)
		return c.Next()
	}
}

// TierFrom returns the tier resolved by RequireTier, or TierFree
func TierFrom(c *fiber.Ctx) billing.Tier {
	if tier, ok := c.Locals(TierKey).(billing.Tier); ok {
		return tier
	}
	return billing.TierFree
}

// FromContext returns a ChildIDExtractor that reads a value set with c.Locals
func FromContext(key string) ChildIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a ChildIDExtractor that gets the child ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) ChildIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a ChildIDExtractor that gets the child ID from a route parameter
func FromParam(paramName string) ChildIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a ChildIDExtractor that gets the child ID from a query parameter
func FromQuery(queryName string) ChildIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
