package api

import (
	"fmt"
	"net/http"

	"github.com/artmint/storefront/pkg/billing"
	"github.com/artmint/storefront/pkg/metering"
)

// Config holds configuration for the storefront API handler
type Config struct {
	// Authorizer decides and applies spend attempts (required)
	Authorizer *metering.Authorizer

	// Billing creates checkout and portal sessions (required)
	Billing billing.Provider

	// GetUserID extracts the authenticated user id from a request.
	// The identity provider has already vouched for it; the API trusts
	// it without re-verifying. If nil, the id is read from the request
	// body or query string, matching the storefront's first-party UI.
	GetUserID func(*http.Request) string

	// Logger is used for structured logging (default: NoopLogger)
	Logger metering.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Authorizer == nil {
		return fmt.Errorf("authorizer is required")
	}
	if c.Billing == nil {
		return fmt.Errorf("billing provider is required")
	}
	return nil
}

// NewHandler creates a new storefront API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &metering.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// FromHeader returns a GetUserID function that extracts the user id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
