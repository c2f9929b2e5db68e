package metering

import "errors"

var (
	// ErrProfileNotFound is returned when no profile exists for a user id.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrDailyLimitReached is returned by stores when an increment would
	// exceed the daily limit. No mutation happens in that case.
	ErrDailyLimitReached = errors.New("daily limit reached")

	// ErrNoCredits is returned by stores when a decrement would make the
	// credit balance negative. No mutation happens in that case.
	ErrNoCredits = errors.New("no credits")

	// ErrEventAlreadyProcessed is returned when a billing event id has
	// already been applied. Callers treat it as a successful no-op.
	ErrEventAlreadyProcessed = errors.New("billing event already processed")

	// ErrStorageUnavailable is returned when the backing store cannot be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
