package gin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

type staticResolver map[string]billing.Tier

func (s staticResolver) TierFor(_ context.Context, childID string) (billing.Tier, error) {
	if childID == "broken" {
		return billing.TierFree, errors.New("connection refused")
	}
	if tier, ok := s[childID]; ok {
		return tier, nil
	}
	return billing.TierFree, nil
}

func setupRouter(cfg Config) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.GET("/children/:child/lessons", RequireTier(cfg), func(c *gongin.Context) {
		c.JSON(http.StatusOK, gongin.H{"tier": TierFrom(c)})
	})
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRequireTier(t *testing.T) {
	r := setupRouter(Config{
		Entitlements: staticResolver{"max-kid": billing.TierMax, "plus-kid": billing.TierPlus},
		GetChildID:   FromParam("child"),
		MinTier:      billing.TierPro,
	})

	rec := get(r, "/children/max-kid/lessons")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tier":"max"}`, rec.Body.String())

	rec = get(r, "/children/plus-kid/lessons")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "plus", body["tier"])
	assert.Equal(t, "pro", body["required_tier"])

	rec = get(r, "/children/broken/lessons")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestRequireTier_Unauthorized(t *testing.T) {
	r := setupRouter(Config{
		Entitlements: staticResolver{},
		GetChildID:   FromHeader("X-Child-ID"),
	})
	assert.Equal(t, http.StatusUnauthorized, get(r, "/children/x/lessons").Code)
}

func TestRequireTier_CustomHandler(t *testing.T) {
	var gotTier, gotRequired billing.Tier
	r := setupRouter(Config{
		Entitlements: staticResolver{},
		GetChildID:   FromQuery("child"),
		MinTier:      billing.TierMax,
		OnInsufficientTier: func(c *gongin.Context, tier, required billing.Tier) {
			gotTier, gotRequired = tier, required
			c.JSON(http.StatusPaymentRequired, gongin.H{"upgrade": true})
		},
	})

	rec := get(r, "/children/x/lessons?child=free-kid")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, billing.TierFree, gotTier)
	assert.Equal(t, billing.TierMax, gotRequired)
}

func TestRequireTier_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { RequireTier(Config{GetChildID: FromParam("child")}) })
	assert.Panics(t, func() { RequireTier(Config{Entitlements: staticResolver{}}) })
}
