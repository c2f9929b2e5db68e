// Package api exposes the storefront's HTTP surface: the spend endpoint the
// UI calls on each generation attempt, the checkout/portal initiators, and a
// read-only usage endpoint for rendering gating state.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/artmint/storefront/pkg/billing"
	"github.com/artmint/storefront/pkg/metering"
)

const maxRequestBodyBytes = 4 * 1024

// Denial hints shown verbatim by the UI.
const (
	hintDailyLimit = "Daily limit reached. Upgrade to Pro."
	hintNoCredits  = "No credits available. Please top up or renew."
)

// Handler provides the storefront HTTP endpoints
type Handler struct {
	config Config
}

// Routes returns the router for the storefront API
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/usage/spend", h.Spend)
	r.Get("/usage", h.GetUsage)
	r.Post("/billing/checkout", h.CreateCheckout)
	r.Get("/billing/portal", h.CreatePortal)
	return r
}

// Spend handles one generation attempt. A denial is a business rejection
// with a reason string, distinct from request or server errors.
func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := h.userID(r, req.UserID)
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	decision, err := h.config.Authorizer.Spend(r.Context(), userID)
	if err != nil {
		if errors.Is(err, metering.ErrProfileNotFound) {
			h.writeError(w, http.StatusNotFound, "user profile not found")
			return
		}
		h.config.Logger.Error("spend failed",
			metering.Field{Key: "user_id", Value: userID},
			metering.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusInternalServerError, "unable to process request")
		return
	}

	if !decision.Allowed {
		h.writeJSON(w, http.StatusForbidden, SpendResponse{
			Allowed: false,
			Role:    string(decision.Role),
			Reason:  decision.Reason,
			Hint:    denialHint(decision.Reason),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, SpendResponse{
		Allowed:      true,
		GenerationID: uuid.NewString(),
		Role:         string(decision.Role),
		Remaining:    decision.Remaining,
	})
}

// GetUsage returns the profile and today's counter for the dashboard.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	profile, usage, err := h.config.Authorizer.Usage(r.Context(), userID)
	if err != nil {
		if errors.Is(err, metering.ErrProfileNotFound) {
			h.writeError(w, http.StatusNotFound, "user profile not found")
			return
		}
		h.config.Logger.Error("usage readout failed",
			metering.Field{Key: "user_id", Value: userID},
			metering.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusInternalServerError, "unable to process request")
		return
	}

	limit := h.config.Authorizer.DailyLimit()
	remaining := limit - usage.Count
	if remaining < 0 {
		remaining = 0
	}

	h.writeJSON(w, http.StatusOK, UsageResponse{
		UserID:  userID,
		Role:    string(profile.Role),
		Credits: profile.Credits,
		Daily: DailyUsage{
			Date:      usage.Day,
			Count:     usage.Count,
			Limit:     limit,
			Remaining: remaining,
		},
	})
}

// CreateCheckout starts a hosted checkout session for a plan.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := h.userID(r, req.UserID)
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	plan := billing.Plan(req.Plan)
	if !plan.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), userID, plan)
	if err != nil {
		h.config.Logger.Error("checkout session failed",
			metering.Field{Key: "user_id", Value: userID},
			metering.Field{Key: "plan", Value: req.Plan},
			metering.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusBadGateway, "unable to start checkout")
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{SessionURL: url})
}

// CreatePortal starts a billing-portal session for an existing customer.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r, r.URL.Query().Get("user_id"))
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), userID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			h.writeError(w, http.StatusNotFound, "no billing customer for user")
			return
		}
		h.config.Logger.Error("portal session failed",
			metering.Field{Key: "user_id", Value: userID},
			metering.Field{Key: "error", Value: err.Error()},
		)
		h.writeError(w, http.StatusBadGateway, "unable to open billing portal")
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{SessionURL: url})
}

func (h *Handler) userID(r *http.Request, fromRequest string) string {
	if h.config.GetUserID != nil {
		if id := h.config.GetUserID(r); id != "" {
			return id
		}
	}
	return fromRequest
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, ErrorResponse{Error: msg})
}

func denialHint(reason string) string {
	switch reason {
	case metering.ReasonDailyLimit:
		return hintDailyLimit
	case metering.ReasonNoCredits:
		return hintNoCredits
	default:
		return ""
	}
}
