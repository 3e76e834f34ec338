package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// invoicePayload is the part of an invoice event the dispatcher reads.
// Expandable references are kept raw: depending on the API version and the
// expansion state they arrive either as an id string or as an object.
type invoicePayload struct {
	ID            string          `json:"id"`
	Currency      string          `json:"currency"`
	AmountPaid    int64           `json:"amount_paid"`
	AmountDue     int64           `json:"amount_due"`
	Subscription  json.RawMessage `json:"subscription"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent json.RawMessage `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

func decodeInvoice(raw json.RawMessage) (*invoicePayload, error) {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal invoice: %w", billing.ErrInvalidWebhookPayload, err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice id is missing", billing.ErrInvalidWebhookPayload)
	}
	return &inv, nil
}

func (inv *invoicePayload) subscriptionID() string {
	if id := expandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

func (inv *invoicePayload) paymentIntentID() *string {
	id := expandableID(inv.PaymentIntent)
	if id == "" && inv.Payments != nil {
		for _, entry := range inv.Payments.Data {
			if id = expandableID(entry.Payment.PaymentIntent); id != "" {
				break
			}
		}
	}
	if id == "" {
		return nil
	}
	return &id
}

// expandableID returns the id of an expandable field, whether it was sent as
// a bare id or as an expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return ""
		}
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	return obj.ID
}

// handleInvoice re-syncs the invoice's subscription from Stripe and appends a
// payment history row. The subscription is retrieved rather than trusted from
// the payload because invoice events do not carry its status or periods.
func (p *Provider) handleInvoice(ctx context.Context, event *stripe.Event, status billing.PaymentStatus) error {
	inv, err := decodeInvoice(event.Data.Raw)
	if err != nil {
		return err
	}

	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		p.logger.Info("invoice not tied to a subscription, skipping",
			billing.F("event_id", event.ID),
			billing.F("invoice_id", inv.ID),
		)
		return nil
	}

	start := time.Now()
	sub, err := p.api.RetrieveSubscription(ctx, subscriptionID)
	p.recordAPICall("/subscriptions/retrieve", start, err)
	if err != nil {
		return fmt.Errorf("%w: retrieve subscription %s: %w", billing.ErrProviderAPIError, subscriptionID, err)
	}

	// Attribute from the resolved identity and the subscription's own price; the
	// stored record may already be degraded by an earlier deletion.
	id, _, err := p.syncWithIdentity(ctx, sub, billing.SourceWebhook, string(event.Type))
	if err != nil {
		return err
	}
	tier, err := p.resolveTier(ctx, sub.ID, subscriptionPriceID(sub))
	if err != nil {
		return err
	}

	p.recordPayment(ctx, inv, id, tier, subscriptionID, status)
	return nil
}

// recordPayment appends the history row. Failures are logged only: entitlement
// state is already consistent and history can be backfilled from Stripe.
func (p *Provider) recordPayment(
	ctx context.Context, inv *invoicePayload, id identity, tier billing.Tier,
	subscriptionID string, status billing.PaymentStatus,
) {
	amount := inv.AmountPaid
	if status == billing.PaymentFailed {
		amount = inv.AmountDue
	}

	payment := &billing.PaymentRecord{
		ID:                    uuid.NewString(),
		ParentID:              id.parentID,
		ChildID:               id.childID,
		AmountCents:           amount,
		Currency:              inv.Currency,
		Tier:                  tier,
		Status:                status,
		StripeInvoiceID:       inv.ID,
		StripePaymentIntentID: inv.paymentIntentID(),
		StripeSubscriptionID:  subscriptionID,
		CreatedAt:             p.now().UTC(),
	}

	if err := p.stores.Payments.RecordPayment(ctx, payment); err != nil {
		p.metrics.RecordPaymentRecorded(providerName, string(status), "error")
		p.logger.Error("failed to record payment history",
			billing.F("invoice_id", inv.ID),
			billing.F("child_id", id.childID),
			billing.F("status", string(status)),
			billing.F("error", err.Error()),
		)
		return
	}
	p.metrics.RecordPaymentRecorded(providerName, string(status), "success")
}

// ListPayments returns the child's payment history for its payer, newest first.
func (p *Provider) ListPayments(ctx context.Context, parentID, childID string) ([]*billing.PaymentRecord, error) {
	if err := p.authorize(ctx, parentID, childID); err != nil {
		return nil, err
	}
	payments, err := p.stores.Payments.ListPayments(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}
