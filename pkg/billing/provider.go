// Package billing defines the provider-agnostic seam between the storefront
// and a hosted payment processor: checkout/portal session creation outbound,
// and the signed lifecycle-event stream inbound.
package billing

import (
	"context"
	"net/http"
)

// Plan identifies a purchasable offering.
type Plan string

const (
	// PlanProMonthly is the recurring subscription that grants the pro role.
	PlanProMonthly Plan = "pro_monthly"

	// PlanCreditPack is the one-time purchase that tops up credits.
	PlanCreditPack Plan = "credit_pack"
)

// Valid reports whether the plan is one this storefront sells.
func (p Plan) Valid() bool {
	return p == PlanProMonthly || p == PlanCreditPack
}

// Provider is the generic interface a payment processor integration must
// implement. The application never talks to the processor SDK directly.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CheckoutURL creates a hosted checkout session for the plan and
	// returns its URL. userID is attached as session metadata so the
	// webhook stream can be mapped back to a profile.
	CheckoutURL(ctx context.Context, userID string, plan Plan) (string, error)

	// PortalURL creates a hosted billing-portal session for an existing
	// customer. Returns ErrCustomerNotFound when the user has no billing
	// customer on record.
	PortalURL(ctx context.Context, userID string) (string, error)

	// WebhookHandler returns the HTTP handler that verifies, parses, and
	// reconciles incoming lifecycle events.
	WebhookHandler() http.Handler
}
