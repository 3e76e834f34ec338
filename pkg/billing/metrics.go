package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success", "duplicate", "ignored", "poisoned" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "processing_error", "in_flight"
	RecordWebhookError(provider, errorType string)

	// RecordSubscriptionSync records one resolver run.
	// source: "command", "webhook" or "reconcile"; status: "success" or "error"
	RecordSubscriptionSync(provider, source, status string)

	// RecordSubscriptionSyncDuration records how long a resolver run took.
	RecordSubscriptionSyncDuration(provider string, duration time.Duration)

	// RecordIdentityResolution records which path identified the payer and child.
	// path: "metadata", "fallback" or "unresolved"
	RecordIdentityResolution(provider, path string)

	// RecordTierChange records when a child's tier changes.
	RecordTierChange(provider, fromTier, toTier string)

	// RecordPaymentRecorded records a payment history write.
	// status: the payment status; result: "success" or "error"
	RecordPaymentRecorded(provider, status, result string)

	// RecordAPICall records an API call to the billing provider.
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _, _ string)                        {}
func (n *NoopMetrics) RecordSubscriptionSyncDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordIdentityResolution(_, _ string)                         {}
func (n *NoopMetrics) RecordTierChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordPaymentRecorded(_, _, _ string)                         {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
