// Command tiersync serves the billing API and the Stripe webhook endpoint and
// runs the background reconciler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/tiersync/internal/auth"
	"github.com/mihaimyh/tiersync/internal/config"
	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/api"
	zerologadapter "github.com/mihaimyh/tiersync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/tiersync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/tiersync/pkg/billing/stripe"
	"github.com/mihaimyh/tiersync/storage/memory"
	"github.com/mihaimyh/tiersync/storage/postgres"
	"github.com/mihaimyh/tiersync/storage/redis"
	"github.com/mihaimyh/tiersync/storage/tiered"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zlog := zerolog.New(os.Stdout).With().Timestamp().Str("service", "tiersync").Logger()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zlog = zlog.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, &zlog); err != nil {
		zlog.Fatal().Err(err).Msg("tiersync stopped")
	}
}

func run(ctx context.Context, cfg config.Config, zlog *zerolog.Logger) error {
	logger := zerologadapter.NewLogger(zlog)

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.RunMigrations = cfg.RunMigrations
	pgConfig.Logger = logger
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	stores := store.Stores()
	var guard billing.EventGuard = memory.New()
	if cfg.RedisURL != "" {
		hot, closeHot, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer closeHot()

		ledger, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           store,
			AsyncHotWrites: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("hot ledger write failed", billing.F("error", err))
			},
		})
		if err != nil {
			return err
		}
		defer ledger.Close()

		stores.Ledger = ledger
		guard = hot
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)

	entitlements := billing.NewEntitlements(store, cfg.EntitlementCacheTTL, 10000)

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Stores:             stores,
			Guard:              guard,
			StrictPriceMapping: cfg.StrictPriceMapping,
			OnChange:           entitlements.OnChange,
			Metrics:            metrics,
			Logger:             logger,
		},
		StripeAPIKey:        cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:          cfg.SuccessURL(),
		CancelURL:           cfg.CancelURL(),
		PortalReturnURL:     cfg.PortalReturnURL(),
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		return err
	}

	apiConfig := api.DefaultConfig()
	apiConfig.Commands = provider
	apiConfig.GetParentID = auth.ParentID
	apiConfig.Logger = logger
	billingAPI, err := api.NewHandler(apiConfig)
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Handle("/webhooks/stripe", provider.WebhookHandler())
	r.With(verifier.Middleware).Mount("/billing", billingAPI.Routes())

	reconciler := stripe.NewReconciler(provider, cfg.ReconcileInterval, cfg.ReconcileConcurrency)
	go reconciler.Run(ctx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", billing.F("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openRedis(ctx context.Context, url string) (*redis.Storage, func(), error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	hot, err := redis.New(client, redis.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return hot, func() { _ = client.Close() }, nil
}
