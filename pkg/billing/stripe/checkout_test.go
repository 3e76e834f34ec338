package stripe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t)

	session, err := env.provider.CreateCheckout(context.Background(), CheckoutRequest{
		ParentID: testParentID,
		ChildID:  testChildID,
		PriceID:  testPricePro,
		Email:    "parent@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.SessionID)
	assert.NotEmpty(t, session.URL)

	// Customer provisioned once, idempotently, and stored.
	require.NotNil(t, env.api.lastCustomer)
	require.NotNil(t, env.api.lastCustomer.IdempotencyKey)
	assert.Equal(t, "tiersync-customer-"+testParentID, *env.api.lastCustomer.IdempotencyKey)
	stored, err := env.storage.GetCustomerID(context.Background(), testParentID)
	require.NoError(t, err)
	assert.Equal(t, testCustomerID, stored)

	params := env.api.lastCheckout
	require.NotNil(t, params)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *params.Mode)
	assert.Equal(t, testCustomerID, *params.Customer)
	assert.Equal(t, testChildID, *params.ClientReferenceID)
	assert.Equal(t, testPricePro, *params.LineItems[0].Price)
	assert.Equal(t, "https://app.test/success", *params.SuccessURL)
	assert.Equal(t, testParentID, params.Metadata[metadataParentID])
	assert.Equal(t, testChildID, params.SubscriptionData.Metadata[metadataChildID])
	assert.Equal(t, testParentID, params.SubscriptionData.Metadata[metadataParentID])

	// Second checkout reuses the stored customer.
	_, err = env.provider.CreateCheckout(context.Background(), CheckoutRequest{
		ParentID: testParentID, ChildID: testChildID, PriceID: testPricePlus,
		SuccessURL: "https://app.test/custom", CancelURL: "https://app.test/back",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.api.called("CreateCustomer"))
	assert.Equal(t, "https://app.test/custom", *env.api.lastCheckout.SuccessURL)
}

func TestCreateCheckout_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not linked", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.CreateCheckout(ctx, CheckoutRequest{ParentID: "stranger", ChildID: testChildID, PriceID: testPricePro})
		assert.ErrorIs(t, err, billing.ErrNotLinked)
	})

	t.Run("unknown price", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.CreateCheckout(ctx, CheckoutRequest{ParentID: testParentID, ChildID: testChildID, PriceID: "price_x"})
		assert.ErrorIs(t, err, billing.ErrPlanNotFound)
	})

	t.Run("free price", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.provider.CreateCheckout(ctx, CheckoutRequest{ParentID: testParentID, ChildID: testChildID, PriceID: testPriceCore})
		assert.ErrorIs(t, err, billing.ErrInvalidRequest)
	})

	t.Run("already subscribed", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedActive(t, testPricePlus)
		_, err := env.provider.CreateCheckout(ctx, CheckoutRequest{ParentID: testParentID, ChildID: testChildID, PriceID: testPricePro})
		assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)
		assert.Zero(t, env.api.called("CreateCheckoutSession"))
	})

	t.Run("after cancellation", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedActive(t, testPricePlus)
		require.NoError(t, env.provider.SyncSubscriptionDeletion(ctx, testSubscriptionID))
		_, err := env.provider.CreateCheckout(ctx, CheckoutRequest{ParentID: testParentID, ChildID: testChildID, PriceID: testPricePro})
		assert.NoError(t, err)
	})
}

func TestEnsureCustomer_ReusesStoredCustomer(t *testing.T) {
	env := newTestEnv(t)
	// An existing mapping short-circuits customer creation.
	_, err := env.storage.SaveCustomerID(context.Background(), "parent-race", "cus_winner")
	require.NoError(t, err)

	got, err := env.provider.ensureCustomer(context.Background(), "parent-race", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", got)
	assert.Zero(t, env.api.called("CreateCustomer"))
}

func TestCreatePortalSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.provider.CreatePortalSession(ctx, testParentID, "", "")
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)

	_, err = env.storage.SaveCustomerID(ctx, testParentID, testCustomerID)
	require.NoError(t, err)

	url, err := env.provider.CreatePortalSession(ctx, testParentID, testChildID, "")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.test/session", url)
	assert.Equal(t, testCustomerID, *env.api.lastPortal.Customer)
	assert.Equal(t, "https://app.test/account", *env.api.lastPortal.ReturnURL)

	_, err = env.provider.CreatePortalSession(ctx, testParentID, "other-child", "")
	assert.ErrorIs(t, err, billing.ErrNotLinked)

	_, err = env.provider.CreatePortalSession(ctx, "", "", "")
	assert.ErrorIs(t, err, billing.ErrUnauthenticated)
}
