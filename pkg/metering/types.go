package metering

import "time"

// Role determines which quota mechanism applies to a user.
type Role string

const (
	// RoleFree users are limited to a fixed number of generations per calendar day.
	RoleFree Role = "free"
	// RolePro users consume pre-paid credits, one per generation.
	RolePro Role = "pro"
)

const (
	// DefaultDailyLimit is the number of free generations allowed per UTC calendar day.
	DefaultDailyLimit = 5

	// SubscriptionCredits is the credit balance granted when a subscription checkout completes.
	SubscriptionCredits = 500

	// CreditPackCredits is the amount added by a one-time credit pack purchase.
	CreditPackCredits = 100

	// FreeFallbackCredits is the baseline balance a profile is reset to when a payment fails.
	FreeFallbackCredits = 5
)

// Profile is the persisted billing state for one user. The id is owned by the
// identity provider; this package treats it as an opaque foreign key.
type Profile struct {
	ID               string
	Role             Role
	Credits          int
	StripeCustomerID string
	UpdatedAt        time.Time
}

// DailyUsage tracks free-tier generations for one (user, day) pair.
// Rows are created lazily on the first generation of the day and never
// deleted; Count only ever grows within a day.
type DailyUsage struct {
	UserID    string
	Day       string
	Count     int
	UpdatedAt time.Time
}

// DayKey returns the UTC calendar-day key used for DailyUsage rows.
// All callers must use the same key derivation or quota boundaries drift.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Denial reasons returned by the Authorizer. These are stable machine strings
// the UI switches on; human-facing hints are added at the API layer.
const (
	ReasonDailyLimit = "daily limit reached"
	ReasonNoCredits  = "no credits"
)

// Decision is the outcome of one spend attempt.
type Decision struct {
	// Allowed reports whether the generation may proceed.
	Allowed bool

	// Reason is set on denial (ReasonDailyLimit or ReasonNoCredits).
	Reason string

	// Remaining is the quota left after this call: credits for pro users,
	// generations left today for free users.
	Remaining int

	// Role the decision was made under.
	Role Role
}
