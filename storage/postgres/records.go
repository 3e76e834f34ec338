package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// RecordPayment implements billing.PaymentHistoryStore
func (s *Storage) RecordPayment(ctx context.Context, rec *billing.PaymentRecord) error {
	if rec == nil || rec.ID == "" || rec.ChildID == "" {
		return fmt.Errorf("%w: payment id and child are required", billing.ErrInvalidRecord)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_history
				(id, parent_id, child_id, amount, currency, tier, status,
				 stripe_invoice_id, stripe_payment_intent_id, stripe_subscription_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.ParentID, rec.ChildID, rec.AmountCents, rec.Currency, string(rec.Tier),
		string(rec.Status), rec.StripeInvoiceID, rec.StripePaymentIntentID,
		rec.StripeSubscriptionID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// ListPayments implements billing.PaymentHistoryStore, newest first
func (s *Storage) ListPayments(ctx context.Context, childID string) ([]*billing.PaymentRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, parent_id, child_id, amount, currency, tier, status,
				stripe_invoice_id, stripe_payment_intent_id, stripe_subscription_id, created_at
			FROM payment_history WHERE child_id = $1
			ORDER BY created_at DESC, id`,
		childID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*billing.PaymentRecord
	for rows.Next() {
		var rec billing.PaymentRecord
		var tier, status string
		if err := rows.Scan(
			&rec.ID, &rec.ParentID, &rec.ChildID, &rec.AmountCents, &rec.Currency, &tier, &status,
			&rec.StripeInvoiceID, &rec.StripePaymentIntentID, &rec.StripeSubscriptionID, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		rec.Tier = billing.Tier(tier)
		rec.Status = billing.PaymentStatus(status)
		payments = append(payments, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}

// PlanByPrice implements billing.PlanCatalog
func (s *Storage) PlanByPrice(ctx context.Context, priceID string) (*billing.Plan, error) {
	var plan billing.Plan
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT id, tier, name, stripe_price_id, price_cents, currency
			FROM subscription_plans WHERE stripe_price_id = $1`,
		priceID).Scan(&plan.ID, &tier, &plan.Name, &plan.StripePriceID, &plan.PriceCents, &plan.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: price %s", billing.ErrPlanNotFound, priceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	plan.Tier = billing.Tier(tier)
	return &plan, nil
}

// SavePlan adds or replaces a catalog entry.
func (s *Storage) SavePlan(ctx context.Context, plan billing.Plan) error {
	if !plan.Tier.Valid() || plan.StripePriceID == "" {
		return fmt.Errorf("%w: plan needs a tier and a price", billing.ErrInvalidRecord)
	}
	if plan.ID == "" {
		plan.ID = plan.StripePriceID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_plans (id, tier, name, stripe_price_id, price_cents, currency)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (stripe_price_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				name = EXCLUDED.name,
				price_cents = EXCLUDED.price_cents,
				currency = EXCLUDED.currency`,
		plan.ID, string(plan.Tier), plan.Name, plan.StripePriceID, plan.PriceCents, plan.Currency,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	return nil
}

// IsLinked implements billing.RelationshipStore
func (s *Storage) IsLinked(ctx context.Context, parentID, childID string) (bool, error) {
	var linked bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM parent_student_links WHERE parent_id = $1 AND child_id = $2)`,
		parentID, childID).Scan(&linked)
	if err != nil {
		return false, fmt.Errorf("failed to check link: %w", err)
	}
	return linked, nil
}

// Link records that parentID pays for childID.
func (s *Storage) Link(ctx context.Context, parentID, childID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parent_student_links (parent_id, child_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
		parentID, childID)
	if err != nil {
		return fmt.Errorf("failed to link: %w", err)
	}
	return nil
}

// GetCustomerID implements billing.CustomerStore
func (s *Storage) GetCustomerID(ctx context.Context, parentID string) (string, error) {
	var customerID string
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id FROM stripe_customers WHERE parent_id = $1`, parentID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrCustomerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get customer: %w", err)
	}
	return customerID, nil
}

// SaveCustomerID implements billing.CustomerStore. An existing mapping wins.
func (s *Storage) SaveCustomerID(ctx context.Context, parentID, customerID string) (string, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stripe_customers (parent_id, customer_id, created_at) VALUES ($1, $2, $3)
			ON CONFLICT (parent_id) DO NOTHING`,
		parentID, customerID, s.now().UTC())
	if isUniqueViolation(err) {
		return "", fmt.Errorf("%w: customer %s belongs to another payer", billing.ErrInvalidRecord, customerID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to save customer: %w", err)
	}
	return s.GetCustomerID(ctx, parentID)
}

// Bind implements billing.BindingStore. An existing binding wins.
func (s *Storage) Bind(ctx context.Context, subscriptionID, parentID, childID string) error {
	if subscriptionID == "" || parentID == "" || childID == "" {
		return fmt.Errorf("%w: binding needs subscription, parent and child", billing.ErrInvalidRecord)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_bindings (stripe_subscription_id, parent_id, child_id, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (stripe_subscription_id) DO NOTHING`,
		subscriptionID, parentID, childID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to bind subscription: %w", err)
	}
	return nil
}

// BindingFor implements billing.BindingStore
func (s *Storage) BindingFor(ctx context.Context, subscriptionID string) (string, string, error) {
	var parentID, childID string
	err := s.pool.QueryRow(ctx,
		`SELECT parent_id, child_id FROM subscription_bindings WHERE stripe_subscription_id = $1`,
		subscriptionID).Scan(&parentID, &childID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to get binding: %w", err)
	}
	return parentID, childID, nil
}

var (
	_ billing.BindingStore        = (*Storage)(nil)
	_ billing.SubscriptionStore   = (*Storage)(nil)
	_ billing.EventLedger         = (*Storage)(nil)
	_ billing.PaymentHistoryStore = (*Storage)(nil)
	_ billing.PlanCatalog         = (*Storage)(nil)
	_ billing.RelationshipStore   = (*Storage)(nil)
	_ billing.CustomerStore       = (*Storage)(nil)
)
