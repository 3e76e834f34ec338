package stripe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/storage/memory"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testParentID            = "parent-1"
	testChildID             = "child-1"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_123"
	testPricePlus           = "price_plus"
	testPricePro            = "price_pro"
	testPriceMax            = "price_max"
	testPriceCore           = "price_core"
)

var (
	testNow         = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)
	testPeriodStart = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

// fakeAPI is an in-memory stand-in for the Stripe API.
type fakeAPI struct {
	mu sync.Mutex

	subscriptions map[string]*stripe.Subscription
	prices        map[string]*stripe.Price
	preview       *stripe.Invoice
	errs          map[string]error
	calls         []string

	lastUpdate         *stripe.SubscriptionUpdateParams
	lastScheduleCreate *stripe.SubscriptionScheduleCreateParams
	lastScheduleUpdate *stripe.SubscriptionScheduleUpdateParams
	lastPreview        *stripe.InvoiceCreatePreviewParams
	lastCheckout       *stripe.CheckoutSessionCreateParams
	lastCustomer       *stripe.CustomerCreateParams
	lastPortal         *stripe.BillingPortalSessionCreateParams
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		subscriptions: make(map[string]*stripe.Subscription),
		prices: map[string]*stripe.Price{
			testPriceCore: {ID: testPriceCore, UnitAmount: 0, Currency: stripe.CurrencyUSD},
			testPricePlus: {ID: testPricePlus, UnitAmount: 999, Currency: stripe.CurrencyUSD},
			testPricePro:  {ID: testPricePro, UnitAmount: 1999, Currency: stripe.CurrencyUSD},
			testPriceMax:  {ID: testPriceMax, UnitAmount: 2999, Currency: stripe.CurrencyUSD},
		},
		errs: make(map[string]error),
	}
}

func (f *fakeAPI) call(name string) error {
	f.calls = append(f.calls, name)
	return f.errs[name]
}

func (f *fakeAPI) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeAPI) put(sub *stripe.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub.ID] = sub
}

func (f *fakeAPI) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RetrieveSubscription"); err != nil {
		return nil, err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	return copySubscription(sub), nil
}

func (f *fakeAPI) UpdateSubscription(
	_ context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpdate = params
	if err := f.call("UpdateSubscription"); err != nil {
		return nil, err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	sub = copySubscription(sub)
	if params.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *params.CancelAtPeriodEnd
	}
	for _, item := range params.Items {
		if item.Price != nil && len(sub.Items.Data) > 0 {
			sub.Items.Data[0].Price = f.prices[*item.Price]
		}
	}
	for k, v := range params.Metadata {
		if sub.Metadata == nil {
			sub.Metadata = map[string]string{}
		}
		sub.Metadata[k] = v
	}
	f.subscriptions[id] = sub
	return copySubscription(sub), nil
}

func (f *fakeAPI) CancelSubscription(
	_ context.Context, id string, _ *stripe.SubscriptionCancelParams,
) (*stripe.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CancelSubscription"); err != nil {
		return nil, err
	}
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	sub = copySubscription(sub)
	sub.Status = stripe.SubscriptionStatusCanceled
	f.subscriptions[id] = sub
	return copySubscription(sub), nil
}

func (f *fakeAPI) CreateSubscriptionSchedule(
	_ context.Context, params *stripe.SubscriptionScheduleCreateParams,
) (*stripe.SubscriptionSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScheduleCreate = params
	if err := f.call("CreateSubscriptionSchedule"); err != nil {
		return nil, err
	}
	return &stripe.SubscriptionSchedule{ID: "sub_sched_1"}, nil
}

func (f *fakeAPI) UpdateSubscriptionSchedule(
	_ context.Context, id string, params *stripe.SubscriptionScheduleUpdateParams,
) (*stripe.SubscriptionSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScheduleUpdate = params
	if err := f.call("UpdateSubscriptionSchedule"); err != nil {
		return nil, err
	}
	return &stripe.SubscriptionSchedule{ID: id}, nil
}

func (f *fakeAPI) ReleaseSubscriptionSchedule(_ context.Context, id string) (*stripe.SubscriptionSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ReleaseSubscriptionSchedule"); err != nil {
		return nil, err
	}
	return &stripe.SubscriptionSchedule{ID: id}, nil
}

func (f *fakeAPI) RetrievePrice(_ context.Context, id string) (*stripe.Price, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RetrievePrice"); err != nil {
		return nil, err
	}
	price, ok := f.prices[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: http.StatusNotFound}
	}
	p := *price
	return &p, nil
}

func (f *fakeAPI) PreviewInvoice(
	_ context.Context, params *stripe.InvoiceCreatePreviewParams,
) (*stripe.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPreview = params
	if err := f.call("PreviewInvoice"); err != nil {
		return nil, err
	}
	return f.preview, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCustomer = params
	if err := f.call("CreateCustomer"); err != nil {
		return nil, err
	}
	return &stripe.Customer{ID: testCustomerID}, nil
}

func (f *fakeAPI) CreateCheckoutSession(
	_ context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCheckout = params
	if err := f.call("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

func (f *fakeAPI) CreatePortalSession(
	_ context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPortal = params
	if err := f.call("CreatePortalSession"); err != nil {
		return nil, err
	}
	return &stripe.BillingPortalSession{ID: "bps_1", URL: "https://billing.stripe.test/session"}, nil
}

func copySubscription(in *stripe.Subscription) *stripe.Subscription {
	out := *in
	if in.Metadata != nil {
		out.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	if in.Items != nil {
		items := &stripe.SubscriptionItemList{}
		for _, item := range in.Items.Data {
			c := *item
			items.Data = append(items.Data, &c)
		}
		out.Items = items
	}
	return &out
}

// testSubscription builds a Stripe subscription in the shape the API returns.
func testSubscription(id, priceID string, status stripe.SubscriptionStatus, withMetadata bool) *stripe.Subscription {
	sub := &stripe.Subscription{
		ID:        id,
		Status:    status,
		Customer:  &stripe.Customer{ID: testCustomerID},
		StartDate: testPeriodStart.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					ID:                 "si_" + id,
					Price:              &stripe.Price{ID: priceID},
					CurrentPeriodStart: testPeriodStart.Unix(),
					CurrentPeriodEnd:   testPeriodEnd.Unix(),
				},
			},
		},
	}
	if withMetadata {
		sub.Metadata = map[string]string{
			metadataParentID: testParentID,
			metadataChildID:  testChildID,
		}
	}
	return sub
}

// recordingMetrics captures the metrics the tests assert on.
type recordingMetrics struct {
	billing.NoopMetrics
	mu               sync.Mutex
	identityPaths    []string
	webhookStatuses  []string
	paymentsRecorded []string
}

func (m *recordingMetrics) RecordIdentityResolution(_, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identityPaths = append(m.identityPaths, path)
}

func (m *recordingMetrics) RecordWebhookEvent(_, _, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhookStatuses = append(m.webhookStatuses, status)
}

func (m *recordingMetrics) RecordPaymentRecorded(_, status, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentsRecorded = append(m.paymentsRecorded, status+":"+result)
}

type testEnv struct {
	provider *Provider
	api      *fakeAPI
	storage  *memory.Storage
	metrics  *recordingMetrics

	changesMu sync.Mutex
	changes   []billing.ChangeEvent
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		api:     newFakeAPI(),
		storage: memory.New(),
		metrics: &recordingMetrics{},
	}
	env.storage.AddPlan(billing.Plan{ID: "core", Tier: billing.TierFree, StripePriceID: testPriceCore})
	env.storage.AddPlan(billing.Plan{ID: "plus", Tier: billing.TierPlus, StripePriceID: testPricePlus, PriceCents: 999})
	env.storage.AddPlan(billing.Plan{ID: "pro", Tier: billing.TierPro, StripePriceID: testPricePro, PriceCents: 1999})
	env.storage.AddPlan(billing.Plan{ID: "max", Tier: billing.TierMax, StripePriceID: testPriceMax, PriceCents: 2999})
	env.storage.Link(testParentID, testChildID)

	config := Config{
		Config: billing.Config{
			Stores:  env.storage.Stores(),
			Guard:   env.storage,
			Metrics: env.metrics,
			Now:     func() time.Time { return testNow },
			OnChange: func(_ context.Context, event billing.ChangeEvent) error {
				env.changesMu.Lock()
				defer env.changesMu.Unlock()
				env.changes = append(env.changes, event)
				return nil
			},
		},
		StripeWebhookSecret: testStripeWebhookSecret,
		API:                 env.api,
		SuccessURL:          "https://app.test/success",
		CancelURL:           "https://app.test/cancel",
		PortalReturnURL:     "https://app.test/account",
	}
	for _, opt := range opts {
		opt(&config)
	}

	provider, err := NewProvider(config)
	require.NoError(t, err)
	env.provider = provider
	return env
}

// seedActive stores an active pro record and the matching Stripe subscription.
func (e *testEnv) seedActive(t *testing.T, priceID string) *stripe.Subscription {
	t.Helper()
	sub := testSubscription(testSubscriptionID, priceID, stripe.SubscriptionStatusActive, true)
	e.api.put(sub)
	require.NoError(t, e.provider.SyncSubscription(context.Background(), sub))
	return sub
}

func (e *testEnv) record(t *testing.T) *billing.Subscription {
	t.Helper()
	rec, err := e.storage.GetByChild(context.Background(), testChildID)
	require.NoError(t, err)
	return rec
}

func TestProvider_Name(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "stripe", env.provider.Name())
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	t.Run("missing stores", func(t *testing.T) {
		_, err := NewProvider(Config{StripeAPIKey: testStripeAPIKey})
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewProvider(Config{Config: billing.Config{Stores: memory.New().Stores()}})
		assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
	})

	t.Run("api key builds client", func(t *testing.T) {
		p, err := NewProvider(Config{
			Config:       billing.Config{Stores: memory.New().Stores()},
			StripeAPIKey: testStripeAPIKey,
		})
		require.NoError(t, err)
		assert.NotNil(t, p.api)
	})
}

func TestProvider_WebhookHandler_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProvider_WebhookHandler_NoSecret(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.StripeWebhookSecret = "" })
	rec := httptest.NewRecorder()
	env.provider.WebhookHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProvider_Authorize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.provider.authorize(ctx, "", testChildID), billing.ErrUnauthenticated)
	assert.ErrorIs(t, env.provider.authorize(ctx, testParentID, ""), billing.ErrInvalidRequest)
	assert.ErrorIs(t, env.provider.authorize(ctx, "stranger", testChildID), billing.ErrNotLinked)
	assert.NoError(t, env.provider.authorize(ctx, testParentID, testChildID))
}

func TestProvider_OnChangeErrorIsNotFatal(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.OnChange = func(context.Context, billing.ChangeEvent) error { return errors.New("downstream down") }
	})
	sub := testSubscription(testSubscriptionID, testPricePro, stripe.SubscriptionStatusActive, true)
	require.NoError(t, env.provider.SyncSubscription(context.Background(), sub))
	assert.Equal(t, billing.TierPro, env.record(t).Tier)
}
