package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrCustomerNotFound is returned when no billing customer is on record for a user
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPlanNotConfigured is returned when a plan has no price id in the provider config
	ErrPlanNotConfigured = errors.New("plan not configured in price mapping")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)
