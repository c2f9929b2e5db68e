package billing

import (
	"net/http"

	"github.com/artmint/storefront/pkg/metering"
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Store is the profile/usage store the reconciler writes to.
	Store metering.Store

	// WebhookSecret is the shared secret used to verify inbound webhook
	// signatures against the raw payload bytes.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// SuccessURL, CancelURL, and ReturnURL are the fixed redirect targets
	// for checkout and portal sessions.
	SuccessURL string
	CancelURL  string
	ReturnURL  string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is used for structured logging (default: NoopLogger).
	Logger metering.Logger

	// Metrics is an optional metrics collector for billing operations.
	// If nil, metrics are silently ignored (no-op).
	Metrics Metrics
}
