package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const (
	prorationAlwaysInvoice = "always_invoice"
	prorationNone          = "none"
	scheduleEndRelease     = "release"
)

// planChange is everything preview and confirm need to know about a change.
type planChange struct {
	sub          *stripe.Subscription
	item         *stripe.SubscriptionItem
	currentPrice *stripe.Price
	newPrice     *stripe.Price
	currentTier  billing.Tier
	newPlan      *billing.Plan
}

// isUpgrade compares unit amounts. Equal amounts are treated as a downgrade so
// nothing is charged until the period ends.
func (c *planChange) isUpgrade() bool {
	return c.newPrice.UnitAmount > c.currentPrice.UnitAmount
}

func (c *planChange) periodEnd() time.Time {
	return time.Unix(c.item.CurrentPeriodEnd, 0).UTC()
}

// PreviewChange describes what moving the child to newPriceID would do.
// Upgrades are charged now and the amount comes from Stripe's own proration
// preview, copied verbatim. Downgrades take effect at the period end and
// charge nothing now.
func (p *Provider) PreviewChange(ctx context.Context, parentID, childID, newPriceID string) (*billing.UpgradePreview, error) {
	change, err := p.loadChange(ctx, parentID, childID, newPriceID)
	if err != nil {
		return nil, err
	}

	preview := &billing.UpgradePreview{
		IsUpgrade:      change.isUpgrade(),
		CurrentTier:    change.currentTier,
		NewTier:        change.newPlan.Tier,
		CurrentPriceID: change.currentPrice.ID,
		NewPriceID:     change.newPrice.ID,
		Currency:       string(change.newPrice.Currency),
	}

	if !preview.IsUpgrade {
		preview.EffectiveDate = billing.FormatTimestamp(change.periodEnd())
		return preview, nil
	}

	now := p.now()
	params := &stripe.InvoiceCreatePreviewParams{
		Subscription: stripe.String(change.sub.ID),
		SubscriptionDetails: &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
			Items: []*stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
				{
					ID:    stripe.String(change.item.ID),
					Price: stripe.String(newPriceID),
				},
			},
			ProrationBehavior: stripe.String(prorationAlwaysInvoice),
			ProrationDate:     stripe.Int64(now.Unix()),
		},
	}
	if change.sub.Customer != nil && change.sub.Customer.ID != "" {
		params.Customer = stripe.String(change.sub.Customer.ID)
	}

	start := time.Now()
	invoice, err := p.api.PreviewInvoice(ctx, params)
	p.recordAPICall("/invoices/create_preview", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: preview invoice: %w", billing.ErrProviderAPIError, err)
	}

	amountDue := invoice.AmountDue
	preview.AmountDue = &amountDue
	if invoice.Currency != "" {
		preview.Currency = string(invoice.Currency)
	}
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line == nil {
				continue
			}
			preview.LineItems = append(preview.LineItems, billing.LineItem{
				Description: line.Description,
				Amount:      line.Amount,
				Proration:   isProrationLine(line),
			})
		}
	}
	preview.EffectiveDate = billing.FormatTimestamp(now)
	return preview, nil
}

// ChangeResult is the outcome of ConfirmChange.
type ChangeResult struct {
	IsUpgrade bool
	// EffectiveDate is when the new price applies: now for upgrades, the
	// current period end for downgrades.
	EffectiveDate string
	// Subscription is the record as stored after the re-sync.
	Subscription *billing.Subscription
}

// ConfirmChange applies a plan change and re-syncs the record from Stripe's
// response. Downgrades are deferred: the record keeps the current tier until
// Stripe executes the change at the period end.
func (p *Provider) ConfirmChange(ctx context.Context, parentID, childID, newPriceID string) (*ChangeResult, error) {
	change, err := p.loadChange(ctx, parentID, childID, newPriceID)
	if err != nil {
		return nil, err
	}

	result := &ChangeResult{IsUpgrade: change.isUpgrade()}
	switch {
	case result.IsUpgrade:
		result.EffectiveDate = billing.FormatTimestamp(p.now())
		result.Subscription, err = p.applyUpgrade(ctx, parentID, childID, change)
	case change.newPrice.UnitAmount == 0 || !change.newPlan.Tier.Paid():
		result.EffectiveDate = billing.FormatTimestamp(change.periodEnd())
		result.Subscription, err = p.applyDowngradeToFree(ctx, change)
	default:
		result.EffectiveDate = billing.FormatTimestamp(change.periodEnd())
		result.Subscription, err = p.applyScheduledDowngrade(ctx, change)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Provider) applyUpgrade(
	ctx context.Context, parentID, childID string, change *planChange,
) (*billing.Subscription, error) {
	if change.sub.Schedule != nil && change.sub.Schedule.ID != "" {
		start := time.Now()
		_, err := p.api.ReleaseSubscriptionSchedule(ctx, change.sub.Schedule.ID)
		p.recordAPICall("/subscription_schedules/release", start, err)
		if err != nil && !isResourceMissing(err) {
			return nil, fmt.Errorf("%w: release schedule: %w", billing.ErrProviderAPIError, err)
		}
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(change.item.ID),
				Price: stripe.String(change.newPrice.ID),
			},
		},
		ProrationBehavior: stripe.String(prorationAlwaysInvoice),
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	// Re-stamp identity in case the metadata was lost on the Stripe side.
	params.AddMetadata(metadataParentID, parentID)
	params.AddMetadata(metadataChildID, childID)

	start := time.Now()
	sub, err := p.api.UpdateSubscription(ctx, change.sub.ID, params)
	p.recordAPICall("/subscriptions/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: upgrade subscription: %w", billing.ErrProviderAPIError, err)
	}
	return p.syncSubscription(ctx, sub, billing.SourceCommand, "change_upgrade")
}

func (p *Provider) applyDowngradeToFree(ctx context.Context, change *planChange) (*billing.Subscription, error) {
	start := time.Now()
	sub, err := p.api.UpdateSubscription(ctx, change.sub.ID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	p.recordAPICall("/subscriptions/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: schedule cancellation: %w", billing.ErrProviderAPIError, err)
	}
	return p.syncSubscription(ctx, sub, billing.SourceCommand, "change_downgrade")
}

// applyScheduledDowngrade moves the subscription onto a two-phase schedule:
// the current price until the period end, then the new price for one billing
// interval before the schedule releases the subscription.
func (p *Provider) applyScheduledDowngrade(ctx context.Context, change *planChange) (*billing.Subscription, error) {
	scheduleID := ""
	if change.sub.Schedule != nil {
		scheduleID = change.sub.Schedule.ID
	}
	if scheduleID == "" {
		start := time.Now()
		schedule, err := p.api.CreateSubscriptionSchedule(ctx, &stripe.SubscriptionScheduleCreateParams{
			FromSubscription: stripe.String(change.sub.ID),
		})
		p.recordAPICall("/subscription_schedules/create", start, err)
		if err != nil {
			return nil, fmt.Errorf("%w: create schedule: %w", billing.ErrProviderAPIError, err)
		}
		scheduleID = schedule.ID
	}

	params := &stripe.SubscriptionScheduleUpdateParams{
		EndBehavior:       stripe.String(scheduleEndRelease),
		ProrationBehavior: stripe.String(prorationNone),
		Phases: []*stripe.SubscriptionScheduleUpdatePhaseParams{
			{
				Items: []*stripe.SubscriptionScheduleUpdatePhaseItemParams{
					{Price: stripe.String(change.currentPrice.ID), Quantity: stripe.Int64(1)},
				},
				StartDate: stripe.Int64(change.item.CurrentPeriodStart),
				EndDate:   stripe.Int64(change.item.CurrentPeriodEnd),
			},
			{
				// Open-ended: with end_behavior=release the subscription keeps
				// the new price once this phase has run.
				Items: []*stripe.SubscriptionScheduleUpdatePhaseItemParams{
					{Price: stripe.String(change.newPrice.ID), Quantity: stripe.Int64(1)},
				},
			},
		},
	}

	start := time.Now()
	_, err := p.api.UpdateSubscriptionSchedule(ctx, scheduleID, params)
	p.recordAPICall("/subscription_schedules/update", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: update schedule: %w", billing.ErrProviderAPIError, err)
	}

	// The subscription itself is unchanged until the phase boundary.
	return p.syncSubscription(ctx, change.sub, billing.SourceCommand, "change_downgrade")
}

// loadChange authorizes the caller and gathers the current subscription, both
// prices and the target plan.
func (p *Provider) loadChange(ctx context.Context, parentID, childID, newPriceID string) (*planChange, error) {
	if newPriceID == "" {
		return nil, fmt.Errorf("%w: price is required", billing.ErrInvalidRequest)
	}
	rec, err := p.activeSubscription(ctx, parentID, childID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sub, err := p.api.RetrieveSubscription(ctx, *rec.StripeSubscriptionID)
	p.recordAPICall("/subscriptions/retrieve", start, err)
	if err != nil {
		if isResourceMissing(err) {
			return nil, billing.ErrNoActiveSubscription
		}
		return nil, fmt.Errorf("%w: retrieve subscription: %w", billing.ErrProviderAPIError, err)
	}
	if isTerminal(sub.Status) {
		return nil, billing.ErrNoActiveSubscription
	}

	item := primaryItem(sub)
	if item == nil || item.Price == nil || item.Price.ID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no price", billing.ErrProviderAPIError, sub.ID)
	}
	if item.Price.ID == newPriceID {
		return nil, billing.ErrNoChange
	}

	newPlan, err := p.stores.Plans.PlanByPrice(ctx, newPriceID)
	if err != nil {
		return nil, err
	}
	currentTier, err := p.resolveTier(ctx, sub.ID, item.Price.ID)
	if err != nil {
		return nil, err
	}

	change := &planChange{sub: sub, item: item, currentTier: currentTier, newPlan: newPlan}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		price, err := p.retrievePrice(gctx, item.Price.ID)
		change.currentPrice = price
		return err
	})
	g.Go(func() error {
		price, err := p.retrievePrice(gctx, newPriceID)
		change.newPrice = price
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return change, nil
}

func (p *Provider) retrievePrice(ctx context.Context, priceID string) (*stripe.Price, error) {
	start := time.Now()
	price, err := p.api.RetrievePrice(ctx, priceID)
	p.recordAPICall("/prices/retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve price %s: %w", billing.ErrProviderAPIError, priceID, err)
	}
	return price, nil
}

func isProrationLine(line *stripe.InvoiceLineItem) bool {
	if line.Parent == nil {
		return false
	}
	if d := line.Parent.SubscriptionItemDetails; d != nil && d.Proration {
		return true
	}
	if d := line.Parent.InvoiceItemDetails; d != nil && d.Proration {
		return true
	}
	return false
}
