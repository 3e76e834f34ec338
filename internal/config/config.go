// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ErrParsingConfig is returned when the environment cannot be parsed.
var ErrParsingConfig = errors.New("failed to parse config")

// Config is the tiersync process configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	AppURL   string `env:"APP_URL" envDefault:"http://localhost:3000"`

	DatabaseURL   string `env:"DATABASE_URL,required"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	// RedisURL is optional; without it the ledger and claims live in Postgres and memory.
	RedisURL string `env:"REDIS_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
	StrictPriceMapping  bool   `env:"STRICT_PRICE_MAPPING" envDefault:"false"`

	JWTSecret   string `env:"JWT_SECRET,required"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"tiersync"`

	ReconcileInterval    time.Duration `env:"RECONCILE_INTERVAL" envDefault:"6h"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`
	EntitlementCacheTTL  time.Duration `env:"ENTITLEMENT_CACHE_TTL" envDefault:"1m"`
}

// Load reads an optional .env file and then parses the environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if !strings.HasPrefix(c.AppURL, "http://") && !strings.HasPrefix(c.AppURL, "https://") {
		return fmt.Errorf("APP_URL must be an absolute http(s) URL")
	}
	return nil
}

// SuccessURL is the default checkout success redirect.
func (c Config) SuccessURL() string {
	return strings.TrimRight(c.AppURL, "/") + "/billing/success?session_id={CHECKOUT_SESSION_ID}"
}

// CancelURL is the default checkout cancel redirect.
func (c Config) CancelURL() string {
	return strings.TrimRight(c.AppURL, "/") + "/billing"
}

// PortalReturnURL is where the billing portal sends the payer back.
func (c Config) PortalReturnURL() string {
	return strings.TrimRight(c.AppURL, "/") + "/billing"
}
