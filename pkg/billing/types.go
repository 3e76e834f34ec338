package billing

import (
	"fmt"
	"time"
)

const (
	// StatusCanceled is the status written by the deletion resolver.
	StatusCanceled = "canceled"
)

// Subscription is the local system-of-record row for one child (beneficiary).
// A nil StripeSubscriptionID means the child is on the free tier.
type Subscription struct {
	ChildID  string `json:"child_id"`
	ParentID string `json:"parent_id"`
	Tier     Tier   `json:"tier"`

	StripeSubscriptionID *string `json:"stripe_subscription_id"`
	StripePriceID        *string `json:"stripe_price_id"`
	Status               string  `json:"status"`
	IsActive             bool    `json:"is_active"`

	CurrentPeriodStart *time.Time `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	StartDate          *time.Time `json:"start_date"`
	NextBillingDate    *time.Time `json:"next_billing_date"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the record invariants.
func (s *Subscription) Validate() error {
	if s == nil || s.ChildID == "" || s.ParentID == "" {
		return fmt.Errorf("%w: child and parent are required", ErrInvalidRecord)
	}
	if !s.Tier.Valid() {
		return fmt.Errorf("%w: tier %q", ErrInvalidRecord, s.Tier)
	}
	if s.StripeSubscriptionID == nil && (s.Tier != TierFree || !s.IsActive) {
		return fmt.Errorf("%w: free record must be tier free and active", ErrInvalidRecord)
	}
	return nil
}

// HasStripeSubscription reports whether the record is backed by a processor subscription.
func (s *Subscription) HasStripeSubscription() bool {
	return s != nil && s.StripeSubscriptionID != nil && *s.StripeSubscriptionID != ""
}

// EffectiveTier is the tier the child is entitled to right now.
func (s *Subscription) EffectiveTier() Tier {
	if s == nil || !s.IsActive {
		return TierFree
	}
	return s.Tier
}

// ProcessedEvent is an idempotency ledger entry.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// PaymentStatus is the outcome of one invoice.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

// PaymentRecord is an append-only payment history row.
type PaymentRecord struct {
	ID                    string        `json:"id"`
	ParentID              string        `json:"parent_id"`
	ChildID               string        `json:"child_id"`
	AmountCents           int64         `json:"amount"`
	Currency              string        `json:"currency"`
	Tier                  Tier          `json:"tier"`
	Status                PaymentStatus `json:"status"`
	StripeInvoiceID       string        `json:"stripe_invoice_id"`
	StripePaymentIntentID *string       `json:"stripe_payment_intent_id,omitempty"`
	StripeSubscriptionID  string        `json:"stripe_subscription_id"`
	CreatedAt             time.Time     `json:"created_at"`
}

// Plan is a read-only catalog entry mapping a processor price to a tier.
type Plan struct {
	ID            string `json:"id"`
	Tier          Tier   `json:"tier"`
	Name          string `json:"name"`
	StripePriceID string `json:"stripe_price_id"`
	PriceCents    int64  `json:"price_cents"`
	Currency      string `json:"currency"`
}

// LineItem is one processor-computed preview line.
type LineItem struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Proration   bool   `json:"proration"`
}

// UpgradePreview describes a plan change before it is committed.
// AmountDue and LineItems are only set for upgrades and are copied verbatim
// from the processor's preview invoice.
type UpgradePreview struct {
	IsUpgrade      bool       `json:"isUpgrade"`
	CurrentTier    Tier       `json:"currentTier"`
	NewTier        Tier       `json:"newTier"`
	CurrentPriceID string     `json:"currentPriceId"`
	NewPriceID     string     `json:"newPriceId"`
	Currency       string     `json:"currency,omitempty"`
	AmountDue      *int64     `json:"amountDue,omitempty"`
	LineItems      []LineItem `json:"lineItems,omitempty"`
	EffectiveDate  string     `json:"effectiveDate"`
}

// ISOTimestamp is the layout used for dates returned to the UI.
const ISOTimestamp = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOTimestamp)
}
