package billing

import "context"

// SubscriptionStore persists Subscription records. Only the reconciliation
// core writes through it.
type SubscriptionStore interface {
	// GetByChild returns the record for a child or ErrSubscriptionNotFound.
	GetByChild(ctx context.Context, childID string) (*Subscription, error)

	// GetByStripeSubscriptionID returns the record bound to a processor subscription
	// or ErrSubscriptionNotFound.
	GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error)

	// Upsert writes the record keyed on ChildID. Concurrent upserts resolve last-write-wins.
	Upsert(ctx context.Context, sub *Subscription) error

	// ListStripeBacked returns every record that references a processor subscription.
	ListStripeBacked(ctx context.Context) ([]*Subscription, error)
}

// EventLedger records which processor events have been applied.
type EventLedger interface {
	// IsProcessed reports whether the event has already been applied.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records the event. A uniqueness conflict is not an error.
	MarkProcessed(ctx context.Context, event ProcessedEvent) error
}

// EventGuard optionally serializes concurrent deliveries of one event.
type EventGuard interface {
	// Claim returns ErrEventInFlight when another worker holds the event.
	Claim(ctx context.Context, eventID string) error

	// Release drops the claim.
	Release(ctx context.Context, eventID string) error
}

// PaymentHistoryStore appends payment outcomes.
type PaymentHistoryStore interface {
	RecordPayment(ctx context.Context, rec *PaymentRecord) error
	ListPayments(ctx context.Context, childID string) ([]*PaymentRecord, error)
}

// PlanCatalog is the read-only price/tier lookup.
type PlanCatalog interface {
	// PlanByPrice returns the plan for a processor price or ErrPlanNotFound.
	PlanByPrice(ctx context.Context, priceID string) (*Plan, error)
}

// RelationshipStore answers payer/beneficiary authorization checks.
type RelationshipStore interface {
	IsLinked(ctx context.Context, parentID, childID string) (bool, error)
}

// CustomerStore maps payers to processor customers.
type CustomerStore interface {
	// GetCustomerID returns ErrCustomerNotFound when the payer has no customer.
	GetCustomerID(ctx context.Context, parentID string) (string, error)

	// SaveCustomerID stores the mapping. If a mapping already exists the stored
	// value wins and is returned.
	SaveCustomerID(ctx context.Context, parentID, customerID string) (string, error)
}

// BindingStore remembers which payer and beneficiary a processor subscription
// was written for. Bindings outlive the record's reference to the subscription,
// so late events for a deleted subscription still resolve.
type BindingStore interface {
	// Bind records the owner of a subscription. An existing binding wins.
	Bind(ctx context.Context, subscriptionID, parentID, childID string) error

	// BindingFor returns ErrSubscriptionNotFound when the subscription was never bound.
	BindingFor(ctx context.Context, subscriptionID string) (parentID, childID string, err error)
}

// Stores bundles every store the core needs.
type Stores struct {
	Subscriptions SubscriptionStore
	Ledger        EventLedger
	Payments      PaymentHistoryStore
	Plans         PlanCatalog
	Links         RelationshipStore
	Customers     CustomerStore
	Bindings      BindingStore
}
