package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/artmint/storefront/pkg/billing/internal"
	"github.com/artmint/storefront/pkg/metering"
)

// handleWebhook processes incoming Stripe webhook events.
//
// Signature verification runs against the raw, unmodified body bytes; an
// event that fails it is rejected before its type is even inspected. A store
// failure during apply returns 5xx so Stripe redelivers.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookPayloadBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook signature verification failed",
			metering.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		p.logger.Error("webhook processing failed",
			metering.Field{Key: "event_id", Value: event.ID},
			metering.Field{Key: "event_type", Value: eventType},
			metering.Field{Key: "error", Value: err.Error()},
		)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event to its reconciliation rule
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event)
	default:
		// Unknown event type - acknowledge without state change
		p.logger.Debug("ignoring webhook event",
			metering.Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
}

// handleCheckoutSessionCompleted applies a completed checkout to the profile:
// subscription mode sets the pro role and an absolute credit grant;
// payment mode adds the credit-pack amount, deduplicated by event id so a
// redelivered event cannot credit twice.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		// No user to credit - acknowledge and move on
		p.logger.Warn("checkout session without user_id metadata",
			metering.Field{Key: "session_id", Value: session.ID},
		)
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	var err error
	switch session.Mode {
	case stripe.CheckoutSessionModeSubscription:
		err = p.store.ApplySubscription(ctx, userID, customerID, metering.SubscriptionCredits, event.ID)
	case stripe.CheckoutSessionModePayment:
		err = p.store.AddCredits(ctx, userID, customerID, metering.CreditPackCredits, event.ID)
	default:
		return nil
	}

	switch {
	case err == nil:
		p.logger.Info("checkout reconciled",
			metering.Field{Key: "event_id", Value: event.ID},
			metering.Field{Key: "user_id", Value: userID},
			metering.Field{Key: "mode", Value: string(session.Mode)},
		)
		return nil
	case errors.Is(err, metering.ErrEventAlreadyProcessed):
		// Stripe delivers at-least-once; a replay is success, not an error
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "skipped")
		p.logger.Info("duplicate checkout event skipped",
			metering.Field{Key: "event_id", Value: event.ID},
		)
		return nil
	case errors.Is(err, metering.ErrProfileNotFound):
		// Nothing to retry against; acknowledge so Stripe stops redelivering
		p.logger.Warn("checkout event for unknown profile",
			metering.Field{Key: "event_id", Value: event.ID},
			metering.Field{Key: "user_id", Value: userID},
		)
		return nil
	default:
		return fmt.Errorf("failed to apply checkout event: %w", err)
	}
}

// handleInvoicePaymentFailed resets the matching profile to the free baseline.
// The write is an absolute assignment, so redelivery is harmless.
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	customerID := extractCustomerID(event.Data.Raw)
	if customerID == "" {
		return nil
	}

	err := p.store.DowngradeByCustomer(ctx, customerID, metering.RoleFree, metering.FreeFallbackCredits)
	if err != nil {
		if errors.Is(err, metering.ErrProfileNotFound) {
			// Customer never mapped to a profile - ignore
			return nil
		}
		return fmt.Errorf("failed to downgrade profile: %w", err)
	}

	p.logger.Info("profile downgraded after payment failure",
		metering.Field{Key: "event_id", Value: event.ID},
		metering.Field{Key: "customer_id", Value: customerID},
	)
	return nil
}

// extractCustomerID pulls the customer reference out of the raw invoice JSON.
// Stripe serializes it either as an id string or as an expanded object.
func extractCustomerID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}
	switch v := data["customer"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
