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
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artmint/storefront/internal/config"
	"github.com/artmint/storefront/pkg/api"
	"github.com/artmint/storefront/pkg/billing"
	billingprom "github.com/artmint/storefront/pkg/billing/metrics/prometheus"
	"github.com/artmint/storefront/pkg/billing/stripe"
	"github.com/artmint/storefront/pkg/metering"
	zerologadapter "github.com/artmint/storefront/pkg/metering/logger/zerolog"
	meterprom "github.com/artmint/storefront/pkg/metering/metrics/prometheus"
	"github.com/artmint/storefront/storage/memory"
	"github.com/artmint/storefront/storage/postgres"
	redisstore "github.com/artmint/storefront/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "storefront").Logger()
	logger := zerologadapter.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := buildStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal().Err(err).Msg("storage init")
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	authorizer, err := metering.NewAuthorizer(store, metering.Config{
		DailyLimit: cfg.FreeDailyLimit,
		Logger:     logger,
		Metrics:    meterprom.NewMetrics(registry, "storefront"),
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("authorizer init")
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Store:      store,
			SuccessURL: cfg.SiteURL + "/dashboard?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  cfg.SiteURL + "/pricing?canceled=1",
			ReturnURL:  cfg.SiteURL + "/dashboard",
			Logger:     logger,
			Metrics:    billingprom.NewMetrics(registry, "storefront"),
		},
		StripeAPIKey:        cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		PriceProMonthly:     cfg.StripePriceProMonthly,
		PriceCreditPack:     cfg.StripePriceCreditPack,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("stripe provider init")
	}

	handler, err := api.NewHandler(api.Config{
		Authorizer: authorizer,
		Billing:    provider,
		Logger:     logger,
	})
	if err != nil {
		zl.Fatal().Err(err).Msg("api handler init")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/v1", handler.Routes())
	r.Method(http.MethodPost, "/webhooks/stripe", provider.WebhookHandler())
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zl.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		zl.Fatal().Err(err).Msg("server error")
	}
	zl.Info().Msg("server stopped")
}

// buildStore selects the storage backend from configuration: Postgres when
// DATABASE_URL is set, Redis when REDIS_ADDR is set, in-memory otherwise.
func buildStore(ctx context.Context, cfg config.Config, zl zerolog.Logger) (metering.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		zl.Info().Msg("using postgres storage")
		return store, store.Close, nil

	case cfg.RedisAddr != "":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		store, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		zl.Info().Str("addr", cfg.RedisAddr).Msg("using redis storage")
		return store, func() { _ = client.Close() }, nil

	default:
		zl.Warn().Msg("using in-memory storage; state is lost on restart")
		return memory.New(), func() {}, nil
	}
}
