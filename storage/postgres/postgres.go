// Package postgres provides the PostgreSQL implementation of the billing stores.
// Every write is a single statement; uniqueness is enforced by the schema.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const uniqueViolation = "23505"

// Storage implements the billing stores using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	now    func() time.Time

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// RunMigrations applies the embedded schema on startup
	RunMigrations bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventRetention  time.Duration // How long ledger entries are kept

	// Logger receives migration output and cleanup failures
	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		RunMigrations:   true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		// Stripe retries deliveries for up to three days.
		EventRetention: 30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.RunMigrations {
		if err := Migrate(ctx, pool, config.Logger); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return NewFromPool(pool, config), nil
}

// NewFromPool wraps an existing pool. The schema must already exist.
func NewFromPool(pool *pgxpool.Pool, config Config) *Storage {
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		now:         time.Now,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s
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

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const subscriptionColumns = `child_id, parent_id, tier, stripe_subscription_id, stripe_price_id, status,
	is_active, current_period_start, current_period_end, cancel_at_period_end,
	start_date, next_billing_date, updated_at`

// GetByChild implements billing.SubscriptionStore
func (s *Storage) GetByChild(ctx context.Context, childID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM child_subscriptions WHERE child_id = $1`, childID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByStripeSubscriptionID implements billing.SubscriptionStore
func (s *Storage) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM child_subscriptions WHERE stripe_subscription_id = $1`,
		subscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by stripe id: %w", err)
	}
	return sub, nil
}

// Upsert implements billing.SubscriptionStore. The row is replaced as a whole.
func (s *Storage) Upsert(ctx context.Context, sub *billing.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO child_subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (child_id) DO UPDATE SET
				parent_id = EXCLUDED.parent_id,
				tier = EXCLUDED.tier,
				stripe_subscription_id = EXCLUDED.stripe_subscription_id,
				stripe_price_id = EXCLUDED.stripe_price_id,
				status = EXCLUDED.status,
				is_active = EXCLUDED.is_active,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				start_date = EXCLUDED.start_date,
				next_billing_date = EXCLUDED.next_billing_date,
				updated_at = EXCLUDED.updated_at`,
		sub.ChildID, sub.ParentID, string(sub.Tier), sub.StripeSubscriptionID, sub.StripePriceID,
		sub.Status, sub.IsActive, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.StartDate, sub.NextBillingDate, updatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: subscription already bound to another child", billing.ErrInvalidRecord)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// ListStripeBacked implements billing.SubscriptionStore
func (s *Storage) ListStripeBacked(ctx context.Context) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM child_subscriptions
			WHERE stripe_subscription_id IS NOT NULL ORDER BY child_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var tier string
	err := row.Scan(
		&sub.ChildID,
		&sub.ParentID,
		&tier,
		&sub.StripeSubscriptionID,
		&sub.StripePriceID,
		&sub.Status,
		&sub.IsActive,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.StartDate,
		&sub.NextBillingDate,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = billing.Tier(tier)
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// startCleanup periodically prunes ledger entries past EventRetention
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("ledger cleanup failed", billing.F("error", err))
			}
		}
	}
}
