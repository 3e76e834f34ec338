// Package memory provides in-memory implementations of the billing stores.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const defaultClaimTTL = 30 * time.Second

// Storage implements every billing store interface using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*billing.Subscription // child id -> record
	events        map[string]billing.ProcessedEvent
	payments      []*billing.PaymentRecord
	plans         map[string]*billing.Plan // price id -> plan
	links         map[string]struct{}
	customers     map[string]string // parent id -> customer id
	bindings      map[string][2]string // subscription id -> parent, child
	claims        map[string]time.Time
	claimTTL      time.Duration
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billing.Subscription),
		events:        make(map[string]billing.ProcessedEvent),
		plans:         make(map[string]*billing.Plan),
		links:         make(map[string]struct{}),
		customers:     make(map[string]string),
		bindings:      make(map[string][2]string),
		claims:        make(map[string]time.Time),
		claimTTL:      defaultClaimTTL,
		now:           time.Now,
	}
}

// Stores returns a billing.Stores backed entirely by s.
func (s *Storage) Stores() billing.Stores {
	return billing.Stores{
		Subscriptions: s,
		Ledger:        s,
		Payments:      s,
		Plans:         s,
		Links:         s,
		Customers:     s,
		Bindings:      s,
	}
}

// AddPlan seeds the plan catalog.
func (s *Storage) AddPlan(plan billing.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := plan
	s.plans[plan.StripePriceID] = &p
}

// Link records that parentID pays for childID.
func (s *Storage) Link(parentID, childID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(parentID, childID)] = struct{}{}
}

// GetByChild implements billing.SubscriptionStore
func (s *Storage) GetByChild(_ context.Context, childID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[childID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return cloneSubscription(rec), nil
}

// GetByStripeSubscriptionID implements billing.SubscriptionStore
func (s *Storage) GetByStripeSubscriptionID(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.subscriptions {
		if rec.StripeSubscriptionID != nil && *rec.StripeSubscriptionID == subscriptionID {
			return cloneSubscription(rec), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

// Upsert implements billing.SubscriptionStore
func (s *Storage) Upsert(_ context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A processor subscription belongs to at most one child.
	if sub.StripeSubscriptionID != nil {
		for childID, rec := range s.subscriptions {
			if childID != sub.ChildID && rec.StripeSubscriptionID != nil &&
				*rec.StripeSubscriptionID == *sub.StripeSubscriptionID {
				return fmt.Errorf("%w: subscription %s already bound to another child",
					billing.ErrInvalidRecord, *sub.StripeSubscriptionID)
			}
		}
	}

	s.subscriptions[sub.ChildID] = cloneSubscription(sub)
	return nil
}

// ListStripeBacked implements billing.SubscriptionStore
func (s *Storage) ListStripeBacked(_ context.Context) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Subscription, 0, len(s.subscriptions))
	for _, rec := range s.subscriptions {
		if rec.HasStripeSubscription() {
			out = append(out, cloneSubscription(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChildID < out[j].ChildID })
	return out, nil
}

// IsProcessed implements billing.EventLedger
func (s *Storage) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

// MarkProcessed implements billing.EventLedger. The first write wins.
func (s *Storage) MarkProcessed(_ context.Context, event billing.ProcessedEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: event id is required", billing.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.EventID]; !ok {
		s.events[event.EventID] = event
	}
	return nil
}

// Claim implements billing.EventGuard. Claims expire after the claim TTL so a
// crashed worker cannot block an event forever.
func (s *Storage) Claim(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiresAt, ok := s.claims[eventID]; ok && now.Before(expiresAt) {
		return billing.ErrEventInFlight
	}
	s.claims[eventID] = now.Add(s.claimTTL)
	return nil
}

// Release implements billing.EventGuard
func (s *Storage) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, eventID)
	return nil
}

// RecordPayment implements billing.PaymentHistoryStore
func (s *Storage) RecordPayment(_ context.Context, rec *billing.PaymentRecord) error {
	if rec == nil || rec.ID == "" || rec.ChildID == "" {
		return fmt.Errorf("%w: payment id and child are required", billing.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *rec
	s.payments = append(s.payments, &p)
	return nil
}

// ListPayments implements billing.PaymentHistoryStore, newest first.
func (s *Storage) ListPayments(_ context.Context, childID string) ([]*billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.PaymentRecord
	for i := len(s.payments) - 1; i >= 0; i-- {
		if s.payments[i].ChildID == childID {
			p := *s.payments[i]
			out = append(out, &p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// PlanByPrice implements billing.PlanCatalog
func (s *Storage) PlanByPrice(_ context.Context, priceID string) (*billing.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[priceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotFound, priceID)
	}
	p := *plan
	return &p, nil
}

// IsLinked implements billing.RelationshipStore
func (s *Storage) IsLinked(_ context.Context, parentID, childID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[linkKey(parentID, childID)]
	return ok, nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(_ context.Context, parentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.customers[parentID]
	if !ok {
		return "", billing.ErrCustomerNotFound
	}
	return id, nil
}

// SaveCustomerID implements billing.CustomerStore. An existing mapping wins.
func (s *Storage) SaveCustomerID(_ context.Context, parentID, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.customers[parentID]; ok {
		return existing, nil
	}
	s.customers[parentID] = customerID
	return customerID, nil
}

// Bind implements billing.BindingStore. An existing binding wins.
func (s *Storage) Bind(_ context.Context, subscriptionID, parentID, childID string) error {
	if subscriptionID == "" || parentID == "" || childID == "" {
		return fmt.Errorf("%w: binding needs subscription, parent and child", billing.ErrInvalidRecord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[subscriptionID]; !ok {
		s.bindings[subscriptionID] = [2]string{parentID, childID}
	}
	return nil
}

// BindingFor implements billing.BindingStore
func (s *Storage) BindingFor(_ context.Context, subscriptionID string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[subscriptionID]
	if !ok {
		return "", "", billing.ErrSubscriptionNotFound
	}
	return b[0], b[1], nil
}

func linkKey(parentID, childID string) string {
	return parentID + "\x00" + childID
}

func cloneSubscription(in *billing.Subscription) *billing.Subscription {
	out := *in
	out.StripeSubscriptionID = cloneString(in.StripeSubscriptionID)
	out.StripePriceID = cloneString(in.StripePriceID)
	out.CurrentPeriodStart = cloneTime(in.CurrentPeriodStart)
	out.CurrentPeriodEnd = cloneTime(in.CurrentPeriodEnd)
	out.StartDate = cloneTime(in.StartDate)
	out.NextBillingDate = cloneTime(in.NextBillingDate)
	return &out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
