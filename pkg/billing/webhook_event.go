package billing

import "time"

// Change sources.
const (
	SourceCommand   = "command"
	SourceWebhook   = "webhook"
	SourceReconcile = "reconcile"
)

// ChangeEvent describes a subscription record write. It is passed to
// Config.OnChange after the record has been stored.
type ChangeEvent struct {
	// ChildID is the beneficiary whose record changed
	ChildID string

	// ParentID is the payer
	ParentID string

	// PreviousTier is the tier before the write (empty string if the record is new)
	PreviousTier Tier

	// NewTier is the tier after the write
	NewTier Tier

	// IsActive is the entitlement flag after the write
	IsActive bool

	// Source is SourceCommand, SourceWebhook or SourceReconcile
	Source string

	// EventType is the processor event type for webhook writes, the command name otherwise
	EventType string

	// StripeSubscriptionID is the processor subscription involved (empty after deletion)
	StripeSubscriptionID string

	// OccurredAt is when the write happened
	OccurredAt time.Time
}
