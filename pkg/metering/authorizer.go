// Package metering implements the usage-metering core of the storefront:
// the per-user profile and daily-usage model, the spend authorization rules,
// and the Store contract the storage adapters implement.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Authorizer decides allow/deny for one generation attempt and applies the
// corresponding mutation. It holds no per-user state; every call is a pure
// function of (request, store), so handlers can run fully in parallel.
type Authorizer struct {
	store  Store
	config Config
}

// Config holds authorizer configuration.
type Config struct {
	// DailyLimit is the free-tier generation allowance per UTC day (default: DefaultDailyLimit).
	DailyLimit int

	// TimeSource supplies the clock "today" is derived from (default: system clock).
	TimeSource TimeSource

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking spend decisions (default: NoopMetrics).
	Metrics Metrics
}

// NewAuthorizer creates a new spend authorizer backed by the given store.
func NewAuthorizer(store Store, config Config) (*Authorizer, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.DailyLimit <= 0 {
		config.DailyLimit = DefaultDailyLimit
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Authorizer{
		store:  store,
		config: config,
	}, nil
}

// Spend authorizes one generation attempt for userID and applies exactly one
// mutation on success: an increment of today's counter for free users, or a
// credit decrement for pro users. Denials mutate nothing.
//
// A missing profile is an error, not a denial; store failures are surfaced to
// the caller for it to retry or report.
func (a *Authorizer) Spend(ctx context.Context, userID string) (*Decision, error) {
	startTime := time.Now()

	profile, err := a.store.GetProfile(ctx, userID)
	a.recordStoreOp("get_profile", startTime, err)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, err
		}
		a.config.Metrics.RecordSpend("unknown", "error")
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	role := string(profile.Role)
	defer func() {
		a.config.Metrics.RecordSpendDuration(role, time.Since(startTime))
	}()

	switch profile.Role {
	case RolePro:
		return a.spendCredit(ctx, userID)
	default:
		// Unknown roles fall back to the free-tier daily limit.
		return a.spendDaily(ctx, userID)
	}
}

func (a *Authorizer) spendDaily(ctx context.Context, userID string) (*Decision, error) {
	day := DayKey(a.config.TimeSource.Now())

	opStart := time.Now()
	count, err := a.store.IncrementDailyUsage(ctx, userID, day, a.config.DailyLimit)
	a.recordStoreOp("increment_daily_usage", opStart, err)
	if err != nil {
		if errors.Is(err, ErrDailyLimitReached) {
			a.config.Metrics.RecordSpend("free", "denied")
			a.config.Logger.Debug("daily limit reached",
				Field{Key: "user_id", Value: userID},
				Field{Key: "day", Value: day},
			)
			return &Decision{
				Allowed:   false,
				Reason:    ReasonDailyLimit,
				Remaining: 0,
				Role:      RoleFree,
			}, nil
		}
		a.config.Metrics.RecordSpend("free", "error")
		return nil, fmt.Errorf("failed to increment daily usage: %w", err)
	}

	a.config.Metrics.RecordSpend("free", "allowed")
	a.config.Logger.Debug("spend allowed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "role", Value: RoleFree},
		Field{Key: "count", Value: count},
	)
	return &Decision{
		Allowed:   true,
		Remaining: a.config.DailyLimit - count,
		Role:      RoleFree,
	}, nil
}

func (a *Authorizer) spendCredit(ctx context.Context, userID string) (*Decision, error) {
	opStart := time.Now()
	remaining, err := a.store.SpendCredit(ctx, userID)
	a.recordStoreOp("spend_credit", opStart, err)
	if err != nil {
		if errors.Is(err, ErrNoCredits) {
			a.config.Metrics.RecordSpend("pro", "denied")
			a.config.Logger.Debug("credits exhausted",
				Field{Key: "user_id", Value: userID},
			)
			return &Decision{
				Allowed:   false,
				Reason:    ReasonNoCredits,
				Remaining: 0,
				Role:      RolePro,
			}, nil
		}
		a.config.Metrics.RecordSpend("pro", "error")
		return nil, fmt.Errorf("failed to spend credit: %w", err)
	}

	a.config.Metrics.RecordSpend("pro", "allowed")
	a.config.Logger.Debug("spend allowed",
		Field{Key: "user_id", Value: userID},
		Field{Key: "role", Value: RolePro},
		Field{Key: "credits_remaining", Value: remaining},
	)
	return &Decision{
		Allowed:   true,
		Remaining: remaining,
		Role:      RolePro,
	}, nil
}

// Usage returns the profile plus today's counter, for the UI to render
// gating state. Read-only; never mutates.
func (a *Authorizer) Usage(ctx context.Context, userID string) (*Profile, *DailyUsage, error) {
	opStart := time.Now()
	profile, err := a.store.GetProfile(ctx, userID)
	a.recordStoreOp("get_profile", opStart, err)
	if err != nil {
		return nil, nil, err
	}

	day := DayKey(a.config.TimeSource.Now())
	opStart = time.Now()
	usage, err := a.store.GetDailyUsage(ctx, userID, day)
	a.recordStoreOp("get_daily_usage", opStart, err)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	if usage == nil {
		usage = &DailyUsage{UserID: userID, Day: day, Count: 0}
	}

	return profile, usage, nil
}

// DailyLimit exposes the configured free-tier allowance.
func (a *Authorizer) DailyLimit() int {
	return a.config.DailyLimit
}

// recordStoreOp reports a store call's latency and failure. Denials and
// missing profiles are business outcomes, not storage errors, and must not
// count toward the error rate.
func (a *Authorizer) recordStoreOp(op string, start time.Time, err error) {
	if errors.Is(err, ErrDailyLimitReached) || errors.Is(err, ErrNoCredits) || errors.Is(err, ErrProfileNotFound) {
		err = nil
	}
	a.config.Metrics.RecordStorageOperation(op, time.Since(start), err)
}
