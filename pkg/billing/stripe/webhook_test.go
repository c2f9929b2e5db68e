package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/artmint/storefront/pkg/metering"
	"github.com/artmint/storefront/storage/memory"
)

// signPayload builds a Stripe-Signature header for body, the way Stripe's
// sender does: HMAC-SHA256 over "<timestamp>.<raw body>".
func signPayload(body []byte, secret string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutEvent(t *testing.T, eventID, mode, userID, customerID string) *stripe.Event {
	t.Helper()
	session := map[string]interface{}{
		"id":       "cs_test_1",
		"mode":     mode,
		"metadata": map[string]string{},
		"customer": map[string]string{"id": customerID},
	}
	if userID != "" {
		session["metadata"] = map[string]string{"user_id": userID}
	}
	raw, err := json.Marshal(session)
	if err != nil {
		t.Fatalf("Failed to marshal session: %v", err)
	}
	// Object and APIVersion mirror a real delivery envelope; ConstructEvent
	// rejects payloads without them before looking at the data.
	return &stripe.Event{
		ID:         eventID,
		Object:     "event",
		APIVersion: stripe.APIVersion,
		Type:       "checkout.session.completed",
		Created:    time.Now().Unix(),
		Data:       &stripe.EventData{Raw: raw},
	}
}

func eventBody(t *testing.T, event *stripe.Event) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return body
}

func TestWebhook_InvalidSignatureRejectedBeforeDispatch(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	if err := store.UpsertProfile(ctx, &metering.Profile{ID: testUserID, Role: metering.RoleFree, Credits: 0}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	body := eventBody(t, checkoutEvent(t, "evt_1", "subscription", testUserID, testCustomerID))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", signPayload(body, "whsec_wrong_secret", time.Now()))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}

	// The event must never have been processed
	p, err := store.GetProfile(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Role != metering.RoleFree || p.Credits != 0 {
		t.Errorf("Rejected event must not mutate the profile: %+v", p)
	}
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	body := eventBody(t, checkoutEvent(t, "evt_1", "subscription", testUserID, testCustomerID))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
}

func TestWebhook_ValidSignatureProcessed(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	if err := store.UpsertProfile(ctx, &metering.Profile{ID: testUserID, Role: metering.RoleFree}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	body := eventBody(t, checkoutEvent(t, "evt_1", "subscription", testUserID, testCustomerID))
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", signPayload(body, testStripeWebhookSecret, time.Now()))
	w := httptest.NewRecorder()
	provider.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	p, err := store.GetProfile(ctx, testUserID)
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Role != metering.RolePro || p.Credits != metering.SubscriptionCredits {
		t.Errorf("Expected pro/%d after subscription, got %+v", metering.SubscriptionCredits, p)
	}
	if p.StripeCustomerID != testCustomerID {
		t.Errorf("Expected customer id to be recorded, got %q", p.StripeCustomerID)
	}
}

func TestWebhook_SubscriptionAbsoluteAssignment(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	// Prior credit balance must be overwritten, not added to
	if err := store.UpsertProfile(ctx, &metering.Profile{ID: testUserID, Role: metering.RolePro, Credits: 42}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	event := checkoutEvent(t, "evt_sub_1", "subscription", testUserID, testCustomerID)
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(ctx, testUserID)
	if p.Credits != metering.SubscriptionCredits {
		t.Errorf("Expected absolute grant of %d, got %d", metering.SubscriptionCredits, p.Credits)
	}

	// Redelivery yields the same final state
	redelivery := checkoutEvent(t, "evt_sub_2", "subscription", testUserID, testCustomerID)
	if err := provider.processWebhookEvent(ctx, redelivery); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}
	p, _ = store.GetProfile(ctx, testUserID)
	if p.Role != metering.RolePro || p.Credits != metering.SubscriptionCredits {
		t.Errorf("Subscription apply must be idempotent, got %+v", p)
	}
}

func TestWebhook_CreditPackDeduplicated(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	if err := store.UpsertProfile(ctx, &metering.Profile{ID: testUserID, Role: metering.RolePro, Credits: 10}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	event := checkoutEvent(t, "evt_pack_1", "payment", testUserID, testCustomerID)
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(ctx, testUserID)
	if p.Credits != 10+metering.CreditPackCredits {
		t.Errorf("Expected %d credits, got %d", 10+metering.CreditPackCredits, p.Credits)
	}

	// The identical event delivered again must not double-credit
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("Duplicate delivery should succeed as a no-op: %v", err)
	}
	p, _ = store.GetProfile(ctx, testUserID)
	if p.Credits != 10+metering.CreditPackCredits {
		t.Errorf("Duplicate event double-credited: got %d", p.Credits)
	}

	// A distinct purchase still adds
	second := checkoutEvent(t, "evt_pack_2", "payment", testUserID, testCustomerID)
	if err := provider.processWebhookEvent(ctx, second); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}
	p, _ = store.GetProfile(ctx, testUserID)
	if p.Credits != 10+2*metering.CreditPackCredits {
		t.Errorf("Expected %d credits, got %d", 10+2*metering.CreditPackCredits, p.Credits)
	}
}

func TestWebhook_CheckoutWithoutUserIDIgnored(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	event := checkoutEvent(t, "evt_nouser", "subscription", "", testCustomerID)
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("Event without user metadata should be acknowledged: %v", err)
	}
}

func TestWebhook_CheckoutForUnknownProfileAcknowledged(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	event := checkoutEvent(t, "evt_orphan", "payment", "ghost-user", testCustomerID)
	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("Event for unknown profile should be acknowledged: %v", err)
	}
}

func TestWebhook_PaymentFailedDowngrades(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	if err := store.UpsertProfile(ctx, &metering.Profile{
		ID: testUserID, Role: metering.RolePro, Credits: 400, StripeCustomerID: testCustomerID,
	}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	raw, _ := json.Marshal(map[string]interface{}{
		"id":       "in_test_1",
		"customer": testCustomerID,
	})
	event := &stripe.Event{
		ID:      "evt_fail_1",
		Type:    "invoice.payment_failed",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}

	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("processWebhookEvent failed: %v", err)
	}

	p, _ := store.GetProfile(ctx, testUserID)
	if p.Role != metering.RoleFree || p.Credits != metering.FreeFallbackCredits {
		t.Errorf("Expected free/%d after payment failure, got %+v", metering.FreeFallbackCredits, p)
	}
}

func TestWebhook_PaymentFailedUnknownCustomerIgnored(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	raw, _ := json.Marshal(map[string]interface{}{
		"id":       "in_test_2",
		"customer": "cus_unknown",
	})
	event := &stripe.Event{
		ID:   "evt_fail_2",
		Type: "invoice.payment_failed",
		Data: &stripe.EventData{Raw: raw},
	}

	if err := provider.processWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("Unknown customer should be ignored: %v", err)
	}
}

func TestWebhook_UnhandledEventTypeIsNoOp(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	provider := newTestProvider(t, store)

	if err := store.UpsertProfile(ctx, &metering.Profile{ID: testUserID, Role: metering.RoleFree, Credits: 0}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	event := &stripe.Event{
		ID:   "evt_other",
		Type: "customer.subscription.updated",
		Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	if err := provider.processWebhookEvent(ctx, event); err != nil {
		t.Fatalf("Unhandled event type should be acknowledged: %v", err)
	}

	p, _ := store.GetProfile(ctx, testUserID)
	if p.Role != metering.RoleFree || p.Credits != 0 {
		t.Errorf("No-op event must not mutate the profile: %+v", p)
	}
}

func TestExtractCustomerID(t *testing.T) {
	if got := extractCustomerID(json.RawMessage(`{"customer":"cus_1"}`)); got != "cus_1" {
		t.Errorf("Expected cus_1, got %q", got)
	}
	if got := extractCustomerID(json.RawMessage(`{"customer":{"id":"cus_2"}}`)); got != "cus_2" {
		t.Errorf("Expected cus_2, got %q", got)
	}
	if got := extractCustomerID(json.RawMessage(`{}`)); got != "" {
		t.Errorf("Expected empty, got %q", got)
	}
	if got := extractCustomerID(json.RawMessage(`not json`)); got != "" {
		t.Errorf("Expected empty for invalid JSON, got %q", got)
	}
}
