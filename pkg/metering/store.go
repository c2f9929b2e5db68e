package metering

import (
	"context"
	"time"
)

// Store defines the persistence contract for profiles and daily usage.
// All methods use concrete types from this package to avoid import cycles.
//
// Mutating methods must be atomic relative to concurrent callers: a
// conditional update keyed on the previously observed value, a native
// atomic increment, or an equivalent transaction. Handlers share no
// in-process state, so the store is the only point of coordination.
type Store interface {
	// GetProfile retrieves a user's profile.
	// Returns ErrProfileNotFound if no row exists.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// GetProfileByCustomer retrieves the profile whose Stripe customer id
	// matches. Returns ErrProfileNotFound if none does.
	GetProfileByCustomer(ctx context.Context, customerID string) (*Profile, error)

	// UpsertProfile creates or replaces a profile row. Used for signup
	// bootstrap and administrative corrections, not for spend mutations.
	UpsertProfile(ctx context.Context, p *Profile) error

	// SpendCredit atomically decrements the user's credit balance by one,
	// but only if the balance is positive. Returns the remaining balance.
	// Returns ErrNoCredits (no mutation) when the balance is already zero,
	// ErrProfileNotFound when the user has no profile.
	SpendCredit(ctx context.Context, userID string) (int, error)

	// IncrementDailyUsage atomically increments the (userID, day) counter,
	// creating the row with count=1 if absent, but only while the counter
	// is below limit. Returns the new count. Returns ErrDailyLimitReached
	// (no mutation) when the counter is already at the limit.
	//
	// Implementations must enforce uniqueness on (userID, day): two
	// concurrent first-of-the-day calls must converge on one row with
	// count=2, never on two rows.
	IncrementDailyUsage(ctx context.Context, userID, day string, limit int) (int, error)

	// GetDailyUsage retrieves the usage row for (userID, day).
	// Returns nil, nil when no row exists yet (not an error).
	GetDailyUsage(ctx context.Context, userID, day string) (*DailyUsage, error)

	// ApplySubscription applies a completed subscription checkout as one
	// atomic write: role=pro, credits set to the absolute grant, customer
	// id recorded. The write itself is idempotent; eventID is still
	// recorded so a re-delivery surfaces as ErrEventAlreadyProcessed.
	ApplySubscription(ctx context.Context, userID, customerID string, credits int, eventID string) error

	// AddCredits applies a one-time credit purchase: credits incremented
	// by amount and customer id recorded, atomically. The eventID is
	// checked first inside the same transaction; a duplicate returns
	// ErrEventAlreadyProcessed without touching the balance.
	AddCredits(ctx context.Context, userID, customerID string, amount int, eventID string) error

	// DowngradeByCustomer resets the matching profile to role and credits
	// as one atomic write. Returns ErrProfileNotFound when no profile has
	// that customer id.
	DowngradeByCustomer(ctx context.Context, customerID string, role Role, credits int) error
}

// TimeSource supplies the clock the Authorizer derives "today" from.
// Swappable for tests; must be consistent across calls so the daily
// quota boundary does not drift.
type TimeSource interface {
	Now() time.Time
}

// SystemTimeSource reads the local system clock.
type SystemTimeSource struct{}

func (SystemTimeSource) Now() time.Time { return time.Now() }
