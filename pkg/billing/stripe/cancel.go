package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// CancelSubscription cancels the child's subscription. Immediate cancellation ends it now
// and degrades the record to free; otherwise it is flagged to end with the
// current period and the child keeps its tier until then.
func (p *Provider) CancelSubscription(ctx context.Context, parentID, childID string, immediate bool) error {
	rec, err := p.activeSubscription(ctx, parentID, childID)
	if err != nil {
		return err
	}
	subscriptionID := *rec.StripeSubscriptionID

	if immediate {
		start := time.Now()
		_, err := p.api.CancelSubscription(ctx, subscriptionID, &stripe.SubscriptionCancelParams{})
		p.recordAPICall("/subscriptions/cancel", start, err)
		if err != nil && !isResourceMissing(err) {
			return fmt.Errorf("%w: cancel subscription: %w", billing.ErrProviderAPIError, err)
		}
		_, err = p.syncDeletion(ctx, subscriptionID, billing.SourceCommand, "cancel")
		return err
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
	start := time.Now()
	sub, err := p.api.UpdateSubscription(ctx, subscriptionID, params)
	p.recordAPICall("/subscriptions/update", start, err)
	if err != nil {
		return fmt.Errorf("%w: schedule cancellation: %w", billing.ErrProviderAPIError, err)
	}
	_, err = p.syncSubscription(ctx, sub, billing.SourceCommand, "cancel")
	return err
}

// Resume clears a pending end-of-period cancellation.
func (p *Provider) Resume(ctx context.Context, parentID, childID string) error {
	rec, err := p.activeSubscription(ctx, parentID, childID)
	if err != nil {
		return err
	}

	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(false)}
	start := time.Now()
	sub, err := p.api.UpdateSubscription(ctx, *rec.StripeSubscriptionID, params)
	p.recordAPICall("/subscriptions/update", start, err)
	if err != nil {
		return fmt.Errorf("%w: resume subscription: %w", billing.ErrProviderAPIError, err)
	}
	_, err = p.syncSubscription(ctx, sub, billing.SourceCommand, "resume")
	return err
}

// activeSubscription authorizes the caller and returns the child's
// Stripe-backed record.
func (p *Provider) activeSubscription(ctx context.Context, parentID, childID string) (*billing.Subscription, error) {
	if err := p.authorize(ctx, parentID, childID); err != nil {
		return nil, err
	}
	rec, err := p.stores.Subscriptions.GetByChild(ctx, childID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return nil, billing.ErrNoActiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !rec.HasStripeSubscription() {
		return nil, billing.ErrNoActiveSubscription
	}
	return rec, nil
}
