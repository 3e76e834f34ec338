package billing

import (
	"context"
	"fmt"
	"time"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Stores is the persistence layer; no field may be nil
	Stores

	// Guard optionally serializes concurrent deliveries of the same webhook event.
	// If nil, concurrent duplicates are only deduplicated by the ledger.
	Guard EventGuard

	// StrictPriceMapping makes sync fail when a price has no catalog entry.
	// Defaults to false: unmapped prices resolve to LowestPaidTier.
	StrictPriceMapping bool

	// OnChange is invoked after every successful record write. Errors are logged
	// and never fail the write.
	OnChange func(ctx context.Context, event ChangeEvent) error

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Validate checks that the required stores are present.
func (c *Config) Validate() error {
	switch {
	case c.Subscriptions == nil:
		return fmt.Errorf("%w: subscription store is required", ErrProviderNotConfigured)
	case c.Ledger == nil:
		return fmt.Errorf("%w: event ledger is required", ErrProviderNotConfigured)
	case c.Payments == nil:
		return fmt.Errorf("%w: payment history store is required", ErrProviderNotConfigured)
	case c.Plans == nil:
		return fmt.Errorf("%w: plan catalog is required", ErrProviderNotConfigured)
	case c.Links == nil:
		return fmt.Errorf("%w: relationship store is required", ErrProviderNotConfigured)
	case c.Customers == nil:
		return fmt.Errorf("%w: customer store is required", ErrProviderNotConfigured)
	case c.Bindings == nil:
		return fmt.Errorf("%w: binding store is required", ErrProviderNotConfigured)
	}
	return nil
}
