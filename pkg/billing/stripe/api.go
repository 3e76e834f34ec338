package stripe

import (
	"context"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

// API is the subset of the Stripe client the provider calls.
// NewClientAPI adapts *stripe.Client; tests supply fakes.
type API interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, params *stripe.SubscriptionUpdateParams) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)

	CreateSubscriptionSchedule(
		ctx context.Context, params *stripe.SubscriptionScheduleCreateParams,
	) (*stripe.SubscriptionSchedule, error)
	UpdateSubscriptionSchedule(
		ctx context.Context, id string, params *stripe.SubscriptionScheduleUpdateParams,
	) (*stripe.SubscriptionSchedule, error)
	ReleaseSubscriptionSchedule(ctx context.Context, id string) (*stripe.SubscriptionSchedule, error)

	RetrievePrice(ctx context.Context, id string) (*stripe.Price, error)
	PreviewInvoice(ctx context.Context, params *stripe.InvoiceCreatePreviewParams) (*stripe.Invoice, error)

	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(
		ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
	) (*stripe.BillingPortalSession, error)
}

type clientAPI struct {
	client *stripe.Client
}

// NewClientAPI wraps a Stripe client.
func NewClientAPI(client *stripe.Client) API {
	return &clientAPI{client: client}
}

func (c *clientAPI) RetrieveSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Retrieve(ctx, id, nil)
}

func (c *clientAPI) UpdateSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionUpdateParams,
) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Update(ctx, id, params)
}

func (c *clientAPI) CancelSubscription(
	ctx context.Context, id string, params *stripe.SubscriptionCancelParams,
) (*stripe.Subscription, error) {
	return c.client.V1Subscriptions.Cancel(ctx, id, params)
}

func (c *clientAPI) CreateSubscriptionSchedule(
	ctx context.Context, params *stripe.SubscriptionScheduleCreateParams,
) (*stripe.SubscriptionSchedule, error) {
	return c.client.V1SubscriptionSchedules.Create(ctx, params)
}

func (c *clientAPI) UpdateSubscriptionSchedule(
	ctx context.Context, id string, params *stripe.SubscriptionScheduleUpdateParams,
) (*stripe.SubscriptionSchedule, error) {
	return c.client.V1SubscriptionSchedules.Update(ctx, id, params)
}

func (c *clientAPI) ReleaseSubscriptionSchedule(ctx context.Context, id string) (*stripe.SubscriptionSchedule, error) {
	return c.client.V1SubscriptionSchedules.Release(ctx, id, nil)
}

func (c *clientAPI) RetrievePrice(ctx context.Context, id string) (*stripe.Price, error) {
	return c.client.V1Prices.Retrieve(ctx, id, nil)
}

func (c *clientAPI) PreviewInvoice(
	ctx context.Context, params *stripe.InvoiceCreatePreviewParams,
) (*stripe.Invoice, error) {
	return c.client.V1Invoices.CreatePreview(ctx, params)
}

func (c *clientAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.client.V1Customers.Create(ctx, params)
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

// isResourceMissing reports whether Stripe answered 404 / resource_missing.
func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
}
