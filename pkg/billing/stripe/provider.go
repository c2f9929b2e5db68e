// Package stripe implements the billing.Provider interface for Stripe: hosted
// checkout and billing-portal session creation, and reconciliation of the
// signed webhook event stream into the profile store.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/artmint/storefront/pkg/billing"
	"github.com/artmint/storefront/pkg/billing/internal"
	"github.com/artmint/storefront/pkg/metering"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookPayloadBytes   = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, redirect URLs, etc.)

	// StripeAPIKey authenticates outbound API calls.
	StripeAPIKey string

	// StripeWebhookSecret verifies inbound event signatures.
	StripeWebhookSecret string

	// PriceProMonthly is the Stripe price id for the pro subscription.
	PriceProMonthly string

	// PriceCreditPack is the Stripe price id for the one-time credit pack.
	PriceCreditPack string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store         metering.Store
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	stripeClient  *stripe.Client
	logger        metering.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &metering.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		store:         config.Store,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		stripeClient:  stripe.NewClient(apiKey),
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

func (p *Provider) priceForPlan(plan billing.Plan) string {
	switch plan {
	case billing.PlanProMonthly:
		return p.config.PriceProMonthly
	case billing.PlanCreditPack:
		return p.config.PriceCreditPack
	default:
		return ""
	}
}
