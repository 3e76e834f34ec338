package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/internal"
)

// Event types the dispatcher routes. invoice.payment_succeeded is not routed:
// Stripe sends it alongside invoice.paid under a different event id.
const (
	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventSubscriptionCreated      = "customer.subscription.created"
	eventSubscriptionUpdated      = "customer.subscription.updated"
	eventSubscriptionDeleted      = "customer.subscription.deleted"
	eventInvoicePaid              = "invoice.paid"
	eventInvoicePaymentFailed     = "invoice.payment_failed"
)

// EventOutcome describes what ProcessEvent did with an event.
type EventOutcome string

const (
	OutcomeProcessed EventOutcome = "processed"
	OutcomeDuplicate EventOutcome = "duplicate"
	OutcomeIgnored   EventOutcome = "ignored"
	// OutcomePoisoned means the event could never succeed on redelivery. It was
	// logged and marked processed anyway.
	OutcomePoisoned EventOutcome = "poisoned"
)

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.bodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.constructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("webhook signature verification failed", billing.F("error", err.Error()))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	outcome, err := p.ProcessEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		if errors.Is(err, billing.ErrEventInFlight) {
			p.metrics.RecordWebhookError(providerName, "in_flight")
			http.Error(w, "event in flight", http.StatusConflict)
			return
		}
		p.logger.Error("webhook processing failed",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType),
			billing.F("error", err.Error()),
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	switch outcome {
	case OutcomeDuplicate:
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
	case OutcomeIgnored:
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
	case OutcomePoisoned:
		p.metrics.RecordWebhookEvent(providerName, eventType, "poisoned")
	default:
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	}

	if err := internal.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Duplicate: outcome == OutcomeDuplicate,
	}); err != nil {
		p.logger.Debug("failed to write webhook response", billing.F("error", err.Error()))
	}
}

// constructEvent verifies the Stripe-Signature header and parses the event.
func (p *Provider) constructEvent(body []byte, sig string) (stripe.Event, error) {
	if sig == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", billing.ErrInvalidWebhookSignature)
	}
	event, err := webhook.ConstructEventWithOptions(body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	return event, nil
}

// ProcessEvent runs one verified event through the ledger gate and the
// dispatcher. A non-nil error means the event was not marked processed and
// should be redelivered.
func (p *Provider) ProcessEvent(ctx context.Context, event *stripe.Event) (EventOutcome, error) {
	if event == nil || event.ID == "" {
		return "", fmt.Errorf("%w: event id is required", billing.ErrInvalidWebhookPayload)
	}

	if p.guard != nil {
		switch err := p.guard.Claim(ctx, event.ID); {
		case errors.Is(err, billing.ErrEventInFlight):
			return "", err
		case err != nil:
			p.logger.Warn("event guard unavailable, relying on ledger",
				billing.F("event_id", event.ID),
				billing.F("error", err.Error()),
			)
		default:
			defer func() {
				if err := p.guard.Release(context.WithoutCancel(ctx), event.ID); err != nil {
					p.logger.Warn("failed to release event claim",
						billing.F("event_id", event.ID),
						billing.F("error", err.Error()),
					)
				}
			}()
		}
	}

	processed, err := p.stores.Ledger.IsProcessed(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("failed to check event ledger: %w", err)
	}
	if processed {
		p.logger.Debug("webhook event already processed",
			billing.F("event_id", event.ID),
			billing.F("event_type", string(event.Type)),
		)
		return OutcomeDuplicate, nil
	}

	outcome, err := p.dispatch(ctx, event)
	if err != nil {
		if !isPoison(err) {
			return "", err
		}
		p.logger.Error("webhook event cannot be applied, marking processed",
			billing.F("event_id", event.ID),
			billing.F("event_type", string(event.Type)),
			billing.F("error", err.Error()),
		)
		outcome = OutcomePoisoned
	}

	if err := p.stores.Ledger.MarkProcessed(ctx, billing.ProcessedEvent{
		EventID:     event.ID,
		EventType:   string(event.Type),
		ProcessedAt: p.now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("failed to mark event processed: %w", err)
	}
	return outcome, nil
}

func (p *Provider) dispatch(ctx context.Context, event *stripe.Event) (EventOutcome, error) {
	eventType := string(event.Type)

	switch eventType {
	case eventCheckoutSessionCompleted:
		return OutcomeProcessed, p.handleCheckoutCompleted(event)

	case eventSubscriptionCreated, eventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("%w: failed to unmarshal subscription: %w", billing.ErrInvalidWebhookPayload, err)
		}
		_, err := p.syncSubscription(ctx, &sub, billing.SourceWebhook, eventType)
		return OutcomeProcessed, err

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("%w: failed to unmarshal subscription: %w", billing.ErrInvalidWebhookPayload, err)
		}
		if sub.ID == "" {
			return "", fmt.Errorf("%w: subscription id is missing", billing.ErrInvalidWebhookPayload)
		}
		_, err := p.syncDeletion(ctx, sub.ID, billing.SourceWebhook, eventType)
		return OutcomeProcessed, err

	case eventInvoicePaid:
		return OutcomeProcessed, p.handleInvoice(ctx, event, billing.PaymentSucceeded)

	case eventInvoicePaymentFailed:
		return OutcomeProcessed, p.handleInvoice(ctx, event, billing.PaymentFailed)

	default:
		p.logger.Info("ignoring unhandled webhook event type",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType),
		)
		return OutcomeIgnored, nil
	}
}

func (p *Provider) handleCheckoutCompleted(event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: failed to unmarshal checkout session: %w", billing.ErrInvalidWebhookPayload, err)
	}
	// The subscription events that follow carry the state; nothing to write here.
	p.logger.Info("checkout session completed",
		billing.F("event_id", event.ID),
		billing.F("session_id", session.ID),
		billing.F("child_id", session.ClientReferenceID),
		billing.F("parent_id", session.Metadata[metadataParentID]),
	)
	return nil
}

// isPoison reports errors that redelivery cannot fix: the event is logged and
// marked processed rather than retried forever.
func isPoison(err error) bool {
	return errors.Is(err, billing.ErrUnresolvableIdentity) ||
		errors.Is(err, billing.ErrSubscriptionNotFound) ||
		errors.Is(err, billing.ErrInvalidWebhookPayload)
}
