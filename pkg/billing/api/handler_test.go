package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
)

const (
	testParentID = "parent-1"
	testChildID  = "child-1"
)

type fakeCommands struct {
	err error

	checkout  stripe.CheckoutRequest
	canceled  bool
	immediate bool
	resumed   bool
	portal    [3]string
	changed   string
}

func (f *fakeCommands) CreateCheckout(_ context.Context, req stripe.CheckoutRequest) (*stripe.CheckoutSession, error) {
	f.checkout = req
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{SessionID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

func (f *fakeCommands) CancelSubscription(_ context.Context, _, _ string, immediate bool) error {
	f.canceled, f.immediate = true, immediate
	return f.err
}

func (f *fakeCommands) Resume(context.Context, string, string) error {
	f.resumed = true
	return f.err
}

func (f *fakeCommands) CreatePortalSession(_ context.Context, parentID, childID, returnURL string) (string, error) {
	f.portal = [3]string{parentID, childID, returnURL}
	if f.err != nil {
		return "", f.err
	}
	return "https://portal.test/session", nil
}

func (f *fakeCommands) PreviewChange(_ context.Context, _, _, priceID string) (*billing.UpgradePreview, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &billing.UpgradePreview{
		IsUpgrade:     false,
		CurrentTier:   billing.TierPro,
		NewTier:       billing.TierFree,
		NewPriceID:    priceID,
		EffectiveDate: "2025-03-01T00:00:00.000Z",
	}, nil
}

func (f *fakeCommands) ConfirmChange(_ context.Context, _, _, priceID string) (*stripe.ChangeResult, error) {
	f.changed = priceID
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.ChangeResult{IsUpgrade: true, EffectiveDate: "2025-02-10T12:00:00.000Z"}, nil
}

func (f *fakeCommands) ReconcileChild(context.Context, string, string) (billing.Tier, error) {
	if f.err != nil {
		return billing.TierFree, f.err
	}
	return billing.TierMax, nil
}

func (f *fakeCommands) ListPayments(context.Context, string, string) ([]*billing.PaymentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func newTestHandler(t *testing.T, commands *fakeCommands, opts ...func(*Config)) http.Handler {
	t.Helper()
	config := DefaultConfig()
	config.Commands = commands
	config.GetParentID = FromHeader("X-Parent-ID")
	for _, opt := range opts {
		opt(&config)
	}
	handler, err := NewHandler(config)
	require.NoError(t, err)
	return handler.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Parent-ID", testParentID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	_, err = NewHandler(Config{Commands: &fakeCommands{}})
	assert.Error(t, err)
}

func TestHandler_Checkout(t *testing.T) {
	commands := &fakeCommands{}
	h := newTestHandler(t, commands)

	rec := do(t, h, http.MethodPost, "/checkout",
		`{"childId":"child-1","priceId":"price_pro","successUrl":"https://app.test/ok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"cs_1","url":"https://checkout.test/cs_1"}`, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	assert.Equal(t, testParentID, commands.checkout.ParentID)
	assert.Equal(t, testChildID, commands.checkout.ChildID)
	assert.Equal(t, "price_pro", commands.checkout.PriceID)
	assert.Equal(t, "https://app.test/ok", commands.checkout.SuccessURL)
}

func TestHandler_Validation(t *testing.T) {
	h := newTestHandler(t, &fakeCommands{})

	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"missing child", "/checkout", `{"priceId":"price_pro"}`, "childId is required"},
		{"missing price", "/change", `{"childId":"child-1"}`, "priceId is required"},
		{"bad url", "/checkout", `{"childId":"c","priceId":"p","cancelUrl":"not a url"}`, "cancelUrl must be a valid URL"},
		{"malformed json", "/cancel", `{"childId":`, "invalid request body"},
		{"unknown field", "/resume", `{"childId":"c","extra":1}`, "invalid request body"},
		{"empty body", "/sync", ``, "invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decodeBody(t, rec)["error"])
		})
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	h := newTestHandler(t, &fakeCommands{})
	req := httptest.NewRequest(http.MethodPost, "/cancel", strings.NewReader(`{"childId":"child-1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeBody(t, rec)["error"])
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{billing.ErrUnauthenticated, http.StatusUnauthorized},
		{billing.ErrNotLinked, http.StatusForbidden},
		{billing.ErrNoChange, http.StatusBadRequest},
		{billing.ErrAlreadySubscribed, http.StatusBadRequest},
		{fmtWrap(billing.ErrPlanNotFound), http.StatusBadRequest},
		{billing.ErrInvalidRequest, http.StatusBadRequest},
		{billing.ErrNoActiveSubscription, http.StatusNotFound},
		{billing.ErrCustomerNotFound, http.StatusNotFound},
		{fmtWrap(billing.ErrProviderAPIError), http.StatusInternalServerError},
		{errors.New("pq: connection refused to 10.0.0.5"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newTestHandler(t, &fakeCommands{err: tt.err})
			rec := do(t, h, http.MethodPost, "/cancel", `{"childId":"child-1","immediate":true}`)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusInternalServerError {
				assert.Equal(t, genericErrorMessage, decodeBody(t, rec)["error"])
				assert.NotContains(t, rec.Body.String(), "10.0.0.5")
			}
		})
	}
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("stripe: card_declined details"), err)
}

func TestHandler_CancelResume(t *testing.T) {
	commands := &fakeCommands{}
	h := newTestHandler(t, commands)

	rec := do(t, h, http.MethodPost, "/cancel", `{"childId":"child-1","immediate":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.True(t, commands.canceled)
	assert.True(t, commands.immediate)

	rec = do(t, h, http.MethodPost, "/resume", `{"childId":"child-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, commands.resumed)
}

func TestHandler_Portal(t *testing.T) {
	commands := &fakeCommands{}
	h := newTestHandler(t, commands)

	rec := do(t, h, http.MethodPost, "/portal", `{"returnUrl":"https://app.test/account"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://portal.test/session"}`, rec.Body.String())
	assert.Equal(t, [3]string{testParentID, "", "https://app.test/account"}, commands.portal)
}

func TestHandler_PreviewAndChange(t *testing.T) {
	commands := &fakeCommands{}
	h := newTestHandler(t, commands)

	rec := do(t, h, http.MethodPost, "/preview-change", `{"childId":"child-1","priceId":"price_core"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["isUpgrade"])
	assert.Equal(t, "2025-03-01T00:00:00.000Z", body["effectiveDate"])
	assert.NotContains(t, body, "amountDue")

	rec = do(t, h, http.MethodPost, "/change", `{"childId":"child-1","priceId":"price_max"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"isUpgrade":true,"effectiveDate":"2025-02-10T12:00:00.000Z"}`, rec.Body.String())
	assert.Equal(t, "price_max", commands.changed)
}

func TestHandler_SyncAndPayments(t *testing.T) {
	h := newTestHandler(t, &fakeCommands{})

	rec := do(t, h, http.MethodPost, "/sync", `{"childId":"child-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"tier":"max"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/payments?childId=child-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"payments":[]}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/payments", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RateLimitedPerPayer(t *testing.T) {
	h := newTestHandler(t, &fakeCommands{}, func(c *Config) {
		c.RateLimit = 2
		c.RateWindow = time.Hour
	})

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/resume", `{"childId":"child-1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/resume", `{"childId":"child-1"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another payer is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/resume", strings.NewReader(`{"childId":"child-1"}`))
	req.Header.Set("X-Parent-ID", "parent-2")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_CustomOnError(t *testing.T) {
	var got error
	h := newTestHandler(t, &fakeCommands{err: billing.ErrNotLinked}, func(c *Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	rec := do(t, h, http.MethodPost, "/resume", `{"childId":"child-1"}`)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, billing.ErrNotLinked)
}

func TestFromContext(t *testing.T) {
	type key struct{}
	get := FromContext(key{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", get(req))
	req = req.WithContext(context.WithValue(req.Context(), key{}, "parent-9"))
	assert.Equal(t, "parent-9", get(req))
}
