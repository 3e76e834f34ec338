package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultWebhookBodyLimit  = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	metadataParentID = "parent_id"
	metadataChildID  = "child_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Stores, Metrics, Logger, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string

	// API overrides the client built from StripeAPIKey.
	API API

	// Default redirect targets when a command does not supply its own.
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string

	// WebhookBodyLimit caps webhook payload size (default 256KiB).
	WebhookBodyLimit int64

	// WebhookRateLimit caps deliveries per client IP per minute (default 100).
	// Negative disables the limiter.
	WebhookRateLimit int
}

// Provider implements billing.Provider for Stripe. It owns every write to the
// subscription records: the command handlers, the webhook dispatcher and the
// reconciler all funnel through SyncSubscription and SyncSubscriptionDeletion.
type Provider struct {
	api           API
	stores        billing.Stores
	guard         billing.EventGuard
	webhookSecret string
	bodyLimit     int64
	rateLimiter   *internal.RateLimiter
	strictPrices  bool
	onChange      func(context.Context, billing.ChangeEvent) error
	metrics       billing.Metrics
	logger        billing.Logger
	now           func() time.Time

	successURL      string
	cancelURL       string
	portalReturnURL string
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(config.StripeAPIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		api = NewClientAPI(stripe.NewClient(apiKey))
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	bodyLimit := config.WebhookBodyLimit
	if bodyLimit <= 0 {
		bodyLimit = defaultWebhookBodyLimit
	}

	rateLimit := config.WebhookRateLimit
	if rateLimit == 0 {
		rateLimit = defaultRateLimitRequests
	}

	return &Provider{
		api:             api,
		stores:          config.Stores,
		guard:           config.Guard,
		webhookSecret:   strings.TrimSpace(config.StripeWebhookSecret),
		bodyLimit:       bodyLimit,
		rateLimiter:     internal.NewRateLimiter(rateLimit, defaultRateLimitWindow),
		strictPrices:    config.StrictPriceMapping,
		onChange:        config.OnChange,
		metrics:         metrics,
		logger:          logger,
		now:             now,
		successURL:      config.SuccessURL,
		cancelURL:       config.CancelURL,
		portalReturnURL: config.PortalReturnURL,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(internal.ClientIP)(handler)
}

// authorize checks that the payer is linked to the child.
func (p *Provider) authorize(ctx context.Context, parentID, childID string) error {
	if strings.TrimSpace(parentID) == "" {
		return billing.ErrUnauthenticated
	}
	if strings.TrimSpace(childID) == "" {
		return billing.ErrInvalidRequest
	}
	linked, err := p.stores.Links.IsLinked(ctx, parentID, childID)
	if err != nil {
		return err
	}
	if !linked {
		return billing.ErrNotLinked
	}
	return nil
}

// recordAPICall wraps one Stripe call with metrics.
func (p *Provider) recordAPICall(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func (p *Provider) notify(ctx context.Context, event billing.ChangeEvent) {
	if p.onChange == nil {
		return
	}
	if err := p.onChange(ctx, event); err != nil {
		p.logger.Warn("subscription change callback failed",
			billing.F("child_id", event.ChildID),
			billing.F("error", err.Error()),
		)
	}
}

var _ billing.Provider = (*Provider)(nil)
