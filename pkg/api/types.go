package api

// SpendRequest is the body of a spend attempt.
type SpendRequest struct {
	UserID string `json:"user_id"`
}

// SpendResponse reports the outcome of a spend attempt. On denial, Reason is
// the stable machine string and Hint is display text for the UI.
type SpendResponse struct {
	Allowed      bool   `json:"allowed"`
	GenerationID string `json:"generation_id,omitempty"`
	Role         string `json:"role"`
	Remaining    int    `json:"remaining"`
	Reason       string `json:"reason,omitempty"`
	Hint         string `json:"hint,omitempty"`
}

// CheckoutRequest asks for a hosted checkout session.
type CheckoutRequest struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

// SessionResponse carries the URL of a hosted checkout or portal session.
type SessionResponse struct {
	SessionURL string `json:"session_url"`
}

// UsageResponse is the gating state the dashboard renders.
type UsageResponse struct {
	UserID  string     `json:"user_id"`
	Role    string     `json:"role"`
	Credits int        `json:"credits"`
	Daily   DailyUsage `json:"daily"`
}

// DailyUsage is today's free-tier standing.
type DailyUsage struct {
	Date      string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
