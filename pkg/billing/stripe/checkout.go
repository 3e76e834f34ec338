package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const customerIdempotencyPrefix = "tiersync-customer-"

// CheckoutRequest starts a subscription for a child, paid by the parent.
type CheckoutRequest struct {
	ParentID   string
	ChildID    string
	PriceID    string
	Email      string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the hosted checkout the UI redirects to.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// CreateCheckout creates a Stripe Checkout Session for a new subscription.
// The parent/child pair is stamped on both the session and the subscription
// metadata so every later event can be attributed without a local lookup.
func (p *Provider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if err := p.authorize(ctx, req.ParentID, req.ChildID); err != nil {
		return nil, err
	}

	plan, err := p.stores.Plans.PlanByPrice(ctx, req.PriceID)
	if err != nil {
		return nil, err
	}
	if !plan.Tier.Paid() {
		return nil, fmt.Errorf("%w: price %s is not a paid plan", billing.ErrInvalidRequest, req.PriceID)
	}

	existing, err := p.stores.Subscriptions.GetByChild(ctx, req.ChildID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if existing.HasStripeSubscription() && !isTerminal(stripe.SubscriptionStatus(existing.Status)) {
		return nil, billing.ErrAlreadySubscribed
	}

	customerID, err := p.ensureCustomer(ctx, req.ParentID, req.Email)
	if err != nil {
		return nil, err
	}

	successURL := firstNonEmpty(req.SuccessURL, p.successURL)
	cancelURL := firstNonEmpty(req.CancelURL, p.cancelURL)
	if successURL == "" || cancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel URLs are required", billing.ErrInvalidRequest)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(req.ChildID),
		SubscriptionData:  &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	params.AddMetadata(metadataParentID, req.ParentID)
	params.AddMetadata(metadataChildID, req.ChildID)
	params.SubscriptionData.AddMetadata(metadataParentID, req.ParentID)
	params.SubscriptionData.AddMetadata(metadataChildID, req.ChildID)

	start := time.Now()
	session, err := p.api.CreateCheckoutSession(ctx, params)
	p.recordAPICall("/checkout/sessions", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: create checkout session: %w", billing.ErrProviderAPIError, err)
	}

	p.logger.Info("checkout session created",
		billing.F("session_id", session.ID),
		billing.F("parent_id", req.ParentID),
		billing.F("child_id", req.ChildID),
		billing.F("price_id", req.PriceID),
	)
	return &CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

// ensureCustomer returns the parent's Stripe customer, creating it on first
// use. The creation is idempotent on the parent id and the stored mapping wins
// a race between two concurrent checkouts.
func (p *Provider) ensureCustomer(ctx context.Context, parentID, email string) (string, error) {
	customerID, err := p.stores.Customers.GetCustomerID(ctx, parentID)
	if err == nil {
		return customerID, nil
	}
	if !errors.Is(err, billing.ErrCustomerNotFound) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CustomerCreateParams{}
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataParentID, parentID)
	params.SetIdempotencyKey(customerIdempotencyPrefix + parentID)

	start := time.Now()
	customer, err := p.api.CreateCustomer(ctx, params)
	p.recordAPICall("/customers", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: create customer: %w", billing.ErrProviderAPIError, err)
	}

	stored, err := p.stores.Customers.SaveCustomerID(ctx, parentID, customer.ID)
	if err != nil {
		return "", fmt.Errorf("failed to save customer: %w", err)
	}
	if stored != customer.ID {
		p.logger.Warn("customer already mapped, using stored customer",
			billing.F("parent_id", parentID),
			billing.F("created_customer_id", customer.ID),
			billing.F("customer_id", stored),
		)
	}
	return stored, nil
}

// CreatePortalSession returns a Stripe billing portal URL for the parent.
// childID is optional; when given, the parent must be linked to it.
func (p *Provider) CreatePortalSession(ctx context.Context, parentID, childID, returnURL string) (string, error) {
	if strings.TrimSpace(parentID) == "" {
		return "", billing.ErrUnauthenticated
	}
	if childID != "" {
		if err := p.authorize(ctx, parentID, childID); err != nil {
			return "", err
		}
	}

	customerID, err := p.stores.Customers.GetCustomerID(ctx, parentID)
	if err != nil {
		return "", err
	}

	returnURL = firstNonEmpty(returnURL, p.portalReturnURL)
	if returnURL == "" {
		return "", fmt.Errorf("%w: return URL is required", billing.ErrInvalidRequest)
	}

	start := time.Now()
	session, err := p.api.CreatePortalSession(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	p.recordAPICall("/billing_portal/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: create portal session: %w", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
