package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/artmint/storefront/pkg/billing"
	"github.com/artmint/storefront/pkg/metering"
)

// CheckoutURL creates a Stripe Checkout Session for the given plan and
// returns its URL. The user id rides along as session metadata — that is the
// only link the webhook reconciler has back to a profile, so a session
// without it can never be credited.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, plan billing.Plan) (string, error) {
	startTime := time.Now()

	priceID := p.priceForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	mode := stripe.CheckoutSessionModeSubscription
	if plan == billing.PlanCreditPack {
		mode = stripe.CheckoutSessionModePayment
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.config.SuccessURL),
		CancelURL:  stripe.String(p.config.CancelURL),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}

	// Attach the existing customer when one is on record so Stripe does not
	// mint a duplicate. A missing profile or customer is fine — Stripe
	// creates the customer during checkout; a real store failure is not.
	customerID, err := p.resolveCustomerID(ctx, userID)
	switch {
	case err == nil && customerID != "":
		params.Customer = stripe.String(customerID)
	case err == nil || errors.Is(err, billing.ErrCustomerNotFound):
		params.ClientReferenceID = stripe.String(userID)
	default:
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.logger.Info("checkout session created",
		metering.Field{Key: "user_id", Value: userID},
		metering.Field{Key: "plan", Value: string(plan)},
		metering.Field{Key: "session_id", Value: session.ID},
	)
	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session for an existing
// customer. The customer id is always resolved through the profile store;
// a user who has never paid gets ErrCustomerNotFound.
func (p *Provider) PortalURL(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
			return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
		}
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.config.ReturnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	return session.URL, nil
}

// resolveCustomerID maps a user id to the Stripe customer id recorded on the
// profile by the first successful payment.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	profile, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, metering.ErrProfileNotFound) {
			return "", billing.ErrCustomerNotFound
		}
		return "", err
	}
	if profile.StripeCustomerID == "" {
		return "", billing.ErrCustomerNotFound
	}
	return profile.StripeCustomerID, nil
}
