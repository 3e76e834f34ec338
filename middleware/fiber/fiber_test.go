package fiber

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

type staticResolver map[string]billing.Tier

func (s staticResolver) TierFor(_ context.Context, childID string) (billing.Tier, error) {
	if childID == "broken" {
		return billing.TierFree, errors.New("connection refused")
	}
	return s[childID], nil
}

func setupApp(cfg Config) *fiber.App {
	app := fiber.New()
	app.Get("/children/:child/lessons", RequireTier(cfg), func(c *fiber.Ctx) error {
		return c.SendString(string(TierFrom(c)))
	})
	return app
}

func TestRequireTier(t *testing.T) {
	app := setupApp(Config{
		Entitlements: staticResolver{"pro-kid": billing.TierPro, "plus-kid": billing.TierPlus},
		GetChildID:   FromParam("child"),
		MinTier:      billing.TierPro,
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/children/pro-kid/lessons", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pro", string(body))

	resp, err = app.Test(httptest.NewRequest("GET", "/children/plus-kid/lessons", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/children/broken/lessons", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestRequireTier_Unauthorized(t *testing.T) {
	app := setupApp(Config{
		Entitlements: staticResolver{},
		GetChildID:   FromHeader("X-Child-ID"),
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/children/x/lessons", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestRequireTier_CustomInsufficientTier(t *testing.T) {
	app := setupApp(Config{
		Entitlements: staticResolver{},
		GetChildID:   FromQuery("child"),
		OnInsufficientTier: func(c *fiber.Ctx, _, _ billing.Tier) error {
			return c.SendStatus(fiber.StatusPaymentRequired)
		},
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/children/x/lessons?child=free-kid", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)
}

func TestRequireTier_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { RequireTier(Config{}) })
}
