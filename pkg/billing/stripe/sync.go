package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// identity is the payer/beneficiary pair owning a subscription.
type identity struct {
	parentID string
	childID  string
	path     string // "metadata", "fallback" or "binding"
}

// SyncSubscription writes the local record for the subscription's child from a
// Stripe subscription object. It returns billing.ErrUnresolvableIdentity (and
// writes nothing) when the subscription cannot be attributed to a child.
func (p *Provider) SyncSubscription(ctx context.Context, sub *stripe.Subscription) error {
	_, err := p.syncSubscription(ctx, sub, billing.SourceCommand, "sync")
	return err
}

// SyncSubscriptionDeletion degrades the record bound to subscriptionID to the
// free tier. The row is kept.
func (p *Provider) SyncSubscriptionDeletion(ctx context.Context, subscriptionID string) error {
	_, err := p.syncDeletion(ctx, subscriptionID, billing.SourceCommand, "sync_deletion")
	return err
}

// SyncChild re-reads the child's Stripe subscription and rewrites the record.
func (p *Provider) SyncChild(ctx context.Context, childID string) (billing.Tier, error) {
	rec, err := p.stores.Subscriptions.GetByChild(ctx, childID)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return billing.TierFree, nil
	}
	if err != nil {
		return billing.TierFree, fmt.Errorf("failed to load subscription: %w", err)
	}
	if !rec.HasStripeSubscription() {
		return rec.EffectiveTier(), nil
	}

	subscriptionID := *rec.StripeSubscriptionID
	start := time.Now()
	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	p.recordAPICall("/subscriptions/retrieve", start, err)
	if err != nil {
		if isResourceMissing(err) {
			rec, err = p.syncDeletion(ctx, subscriptionID, billing.SourceReconcile, "reconcile")
			if err != nil {
				return billing.TierFree, err
			}
			return rec.EffectiveTier(), nil
		}
		return rec.EffectiveTier(), fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}

	rec, err = p.syncSubscription(ctx, sub, billing.SourceReconcile, "reconcile")
	if err != nil {
		return billing.TierFree, err
	}
	return rec.EffectiveTier(), nil
}

// syncSubscription is the sync resolver. It returns the record as stored.
func (p *Provider) syncSubscription(
	ctx context.Context, sub *stripe.Subscription, source, eventType string,
) (*billing.Subscription, error) {
	_, rec, err := p.syncWithIdentity(ctx, sub, source, eventType)
	return rec, err
}

// syncWithIdentity runs the sync resolver and also returns the owner it
// resolved. The record is nil when a stale terminal update was skipped for a
// child without a record.
func (p *Provider) syncWithIdentity(
	ctx context.Context, sub *stripe.Subscription, source, eventType string,
) (identity, *billing.Subscription, error) {
	startTime := time.Now()
	id, rec, err := p.applySubscription(ctx, sub, source, eventType)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordSubscriptionSync(providerName, source, status)
	p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(startTime))
	return id, rec, err
}

func (p *Provider) applySubscription(
	ctx context.Context, sub *stripe.Subscription, source, eventType string,
) (identity, *billing.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return identity{}, nil, fmt.Errorf("%w: subscription is empty", billing.ErrInvalidWebhookPayload)
	}

	id, existing, err := p.resolveIdentity(ctx, sub)
	if err != nil {
		return identity{}, nil, err
	}

	if existing == nil || existing.ChildID != id.childID {
		existing, err = p.stores.Subscriptions.GetByChild(ctx, id.childID)
		if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
			return id, nil, fmt.Errorf("failed to load subscription: %w", err)
		}
	}

	// A terminal status for a subscription the child is no longer bound to is a
	// late event for a superseded subscription.
	if isTerminal(sub.Status) && !boundTo(existing, sub.ID) {
		p.logger.Info("ignoring terminal update for superseded subscription",
			billing.F("subscription_id", sub.ID),
			billing.F("child_id", id.childID),
			billing.F("status", string(sub.Status)),
		)
		return id, existing, nil
	}

	priceID := subscriptionPriceID(sub)
	tier, err := p.resolveTier(ctx, sub.ID, priceID)
	if err != nil {
		return id, nil, err
	}

	rec := &billing.Subscription{
		ChildID:              id.childID,
		ParentID:             id.parentID,
		Tier:                 tier,
		StripeSubscriptionID: stripe.String(sub.ID),
		Status:               string(sub.Status),
		IsActive:             isEntitled(sub.Status),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
		StartDate:            unixTime(sub.StartDate),
		UpdatedAt:            p.now().UTC(),
	}
	if priceID != "" {
		rec.StripePriceID = stripe.String(priceID)
	}
	if item := primaryItem(sub); item != nil {
		rec.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		rec.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	if !rec.CancelAtPeriodEnd && rec.CurrentPeriodEnd != nil {
		next := *rec.CurrentPeriodEnd
		rec.NextBillingDate = &next
	}

	if err := p.stores.Subscriptions.Upsert(ctx, rec); err != nil {
		return id, nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	p.bind(ctx, sub.ID, id.parentID, id.childID)

	p.recordChange(ctx, existing, rec, source, eventType)
	return id, rec, nil
}

// syncDeletion is the deletion resolver.
func (p *Provider) syncDeletion(
	ctx context.Context, subscriptionID, source, eventType string,
) (*billing.Subscription, error) {
	startTime := time.Now()
	defer func() {
		p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(startTime))
	}()

	existing, err := p.stores.Subscriptions.GetByStripeSubscriptionID(ctx, subscriptionID)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, source, "error")
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: no record for subscription %s", billing.ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	// The record forgets the subscription below; the binding keeps late invoice
	// events for it attributable.
	p.bind(ctx, subscriptionID, existing.ParentID, existing.ChildID)

	rec := &billing.Subscription{
		ChildID:   existing.ChildID,
		ParentID:  existing.ParentID,
		Tier:      billing.TierFree,
		Status:    billing.StatusCanceled,
		IsActive:  true,
		StartDate: existing.StartDate,
		UpdatedAt: p.now().UTC(),
	}
	if err := p.stores.Subscriptions.Upsert(ctx, rec); err != nil {
		p.metrics.RecordSubscriptionSync(providerName, source, "error")
		return nil, fmt.Errorf("failed to downgrade subscription: %w", err)
	}

	p.metrics.RecordSubscriptionSync(providerName, source, "success")
	p.recordChange(ctx, existing, rec, source, eventType)
	return rec, nil
}

// resolveIdentity prefers subscription metadata, then the record bound to the
// subscription id, then the stored binding. The fallback record is returned so
// the caller does not load it twice.
func (p *Provider) resolveIdentity(
	ctx context.Context, sub *stripe.Subscription,
) (identity, *billing.Subscription, error) {
	if sub.Metadata != nil {
		parentID, childID := sub.Metadata[metadataParentID], sub.Metadata[metadataChildID]
		if parentID != "" && childID != "" {
			p.metrics.RecordIdentityResolution(providerName, "metadata")
			p.logger.Debug("identity resolved from subscription metadata",
				billing.F("subscription_id", sub.ID),
				billing.F("child_id", childID),
			)
			return identity{parentID: parentID, childID: childID, path: "metadata"}, nil, nil
		}
	}

	existing, err := p.stores.Subscriptions.GetByStripeSubscriptionID(ctx, sub.ID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return identity{}, nil, fmt.Errorf("failed to look up subscription %s: %w", sub.ID, err)
	}
	if existing != nil {
		p.metrics.RecordIdentityResolution(providerName, "fallback")
		p.logger.Warn("subscription metadata missing, identity resolved via fallback lookup",
			billing.F("subscription_id", sub.ID),
			billing.F("child_id", existing.ChildID),
			billing.F("parent_id", existing.ParentID),
		)
		return identity{parentID: existing.ParentID, childID: existing.ChildID, path: "fallback"}, existing, nil
	}

	parentID, childID, err := p.stores.Bindings.BindingFor(ctx, sub.ID)
	if err != nil && !errors.Is(err, billing.ErrSubscriptionNotFound) {
		return identity{}, nil, fmt.Errorf("failed to look up binding for %s: %w", sub.ID, err)
	}
	if err == nil {
		p.metrics.RecordIdentityResolution(providerName, "binding")
		p.logger.Warn("subscription metadata missing, identity resolved via subscription binding",
			billing.F("subscription_id", sub.ID),
			billing.F("child_id", childID),
			billing.F("parent_id", parentID),
		)
		return identity{parentID: parentID, childID: childID, path: "binding"}, nil, nil
	}

	p.metrics.RecordIdentityResolution(providerName, "unresolved")
	p.logger.Error("subscription identity unresolvable: no metadata and no local record",
		billing.F("subscription_id", sub.ID),
	)
	return identity{}, nil, fmt.Errorf("%w: subscription %s", billing.ErrUnresolvableIdentity, sub.ID)
}

// bind remembers the subscription's owner. A failure is logged only: every
// later sync of the subscription binds again.
func (p *Provider) bind(ctx context.Context, subscriptionID, parentID, childID string) {
	if err := p.stores.Bindings.Bind(ctx, subscriptionID, parentID, childID); err != nil {
		p.logger.Error("failed to bind subscription",
			billing.F("subscription_id", subscriptionID),
			billing.F("child_id", childID),
			billing.F("error", err.Error()),
		)
	}
}

// resolveTier maps a price to a tier. Unmapped prices resolve to the lowest
// paid tier unless strict price mapping is enabled.
func (p *Provider) resolveTier(ctx context.Context, subscriptionID, priceID string) (billing.Tier, error) {
	if priceID != "" {
		plan, err := p.stores.Plans.PlanByPrice(ctx, priceID)
		if err == nil {
			return plan.Tier, nil
		}
		if !errors.Is(err, billing.ErrPlanNotFound) {
			return "", fmt.Errorf("failed to look up plan for price %s: %w", priceID, err)
		}
	}

	if p.strictPrices {
		return "", fmt.Errorf("%w: price %q on subscription %s", billing.ErrPlanNotFound, priceID, subscriptionID)
	}
	p.logger.Warn("price not in plan catalog, defaulting to lowest paid tier",
		billing.F("subscription_id", subscriptionID),
		billing.F("price_id", priceID),
		billing.F("tier", string(billing.LowestPaidTier)),
	)
	return billing.LowestPaidTier, nil
}

func (p *Provider) recordChange(
	ctx context.Context, previous, current *billing.Subscription, source, eventType string,
) {
	var previousTier billing.Tier
	if previous != nil {
		previousTier = previous.Tier
	}
	if previousTier != current.Tier {
		from := string(previousTier)
		if from == "" {
			from = "none"
		}
		p.metrics.RecordTierChange(providerName, from, string(current.Tier))
	}

	subscriptionID := ""
	if current.StripeSubscriptionID != nil {
		subscriptionID = *current.StripeSubscriptionID
	}
	p.notify(ctx, billing.ChangeEvent{
		ChildID:              current.ChildID,
		ParentID:             current.ParentID,
		PreviousTier:         previousTier,
		NewTier:              current.Tier,
		IsActive:             current.IsActive,
		Source:               source,
		EventType:            eventType,
		StripeSubscriptionID: subscriptionID,
		OccurredAt:           current.UpdatedAt,
	})
}

// subscriptionPriceID returns the plan price of the subscription or "".
func subscriptionPriceID(sub *stripe.Subscription) string {
	if item := primaryItem(sub); item != nil && item.Price != nil {
		return item.Price.ID
	}
	return ""
}

// primaryItem returns the subscription item that carries the plan price.
func primaryItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil {
			return item
		}
	}
	return nil
}

func isEntitled(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusActive || status == stripe.SubscriptionStatusTrialing
}

func isTerminal(status stripe.SubscriptionStatus) bool {
	return status == stripe.SubscriptionStatusCanceled || status == stripe.SubscriptionStatusIncompleteExpired
}

func boundTo(rec *billing.Subscription, subscriptionID string) bool {
	return rec.HasStripeSubscription() && *rec.StripeSubscriptionID == subscriptionID
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
