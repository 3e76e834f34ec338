package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
)

// Commands is the billing surface the handler drives. *stripe.Provider
// implements it.
type Commands interface {
	CreateCheckout(ctx context.Context, req stripe.CheckoutRequest) (*stripe.CheckoutSession, error)
	CancelSubscription(ctx context.Context, parentID, childID string, immediate bool) error
	Resume(ctx context.Context, parentID, childID string) error
	CreatePortalSession(ctx context.Context, parentID, childID, returnURL string) (string, error)
	PreviewChange(ctx context.Context, parentID, childID, newPriceID string) (*billing.UpgradePreview, error)
	ConfirmChange(ctx context.Context, parentID, childID, newPriceID string) (*stripe.ChangeResult, error)
	ReconcileChild(ctx context.Context, parentID, childID string) (billing.Tier, error)
	ListPayments(ctx context.Context, parentID, childID string) ([]*billing.PaymentRecord, error)
}

// Config holds configuration for the billing API handler
type Config struct {
	// Commands executes the billing operations (required)
	Commands Commands

	// GetParentID extracts the authenticated payer from the request (required).
	// An empty result is treated as unauthenticated.
	GetParentID func(*http.Request) string

	// RateLimit caps command requests per payer per RateWindow.
	// Zero or negative disables rate limiting.
	RateLimit  int
	RateWindow time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// OnError handles errors. If nil, errors are written as {"error": message}
	// with internal details replaced by a generic message.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger receives errors that are hidden from the caller.
	Logger billing.Logger
}

// DefaultConfig returns a Config with the default limits. Commands and
// GetParentID still have to be set.
func DefaultConfig() Config {
	return Config{
		RateLimit:    30,
		RateWindow:   time.Minute,
		MaxBodyBytes: 16 * 1024,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Commands == nil {
		return fmt.Errorf("commands is required")
	}
	if c.GetParentID == nil {
		return fmt.Errorf("getParentID is required")
	}
	return nil
}

// FromHeader returns a GetParentID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetParentID function that reads a request context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if parentID, ok := r.Context().Value(key).(string); ok {
			return parentID
		}
		return ""
	}
}

var _ Commands = (*stripe.Provider)(nil)
