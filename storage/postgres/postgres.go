// Package postgres provides a PostgreSQL implementation of the metering.Store
// interface. All spend and reconciliation mutations are single statements or
// short transactions so concurrent requests serialize at the row level.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/artmint/storefront/pkg/metering"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL DEFAULT 'free',
    credits INT NOT NULL DEFAULT 0 CHECK (credits >= 0),
    stripe_customer_id TEXT,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS profiles_stripe_customer_idx
    ON profiles (stripe_customer_id) WHERE stripe_customer_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS daily_usage (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    count INT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, day)
);

CREATE TABLE IF NOT EXISTS billing_events (
    event_id TEXT PRIMARY KEY,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements metering.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store adapter
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:   pool,
		config: config,
	}, nil
}

// EnsureSchema creates the required tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetProfile retrieves a profile by user ID
func (s *Store) GetProfile(ctx context.Context, userID string) (*metering.Profile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, role, credits, COALESCE(stripe_customer_id, ''), updated_at
		FROM profiles WHERE id = $1`, userID)
	return scanProfile(row)
}

// GetProfileByCustomer retrieves a profile by its billing customer id
func (s *Store) GetProfileByCustomer(ctx context.Context, customerID string) (*metering.Profile, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, role, credits, COALESCE(stripe_customer_id, ''), updated_at
		FROM profiles WHERE stripe_customer_id = $1`, customerID)
	return scanProfile(row)
}

func scanProfile(row pgx.Row) (*metering.Profile, error) {
	var p metering.Profile
	var role string
	err := row.Scan(&p.ID, &role, &p.Credits, &p.StripeCustomerID, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, metering.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.Role = metering.Role(role)
	return &p, nil
}

// UpsertProfile creates or replaces a profile
func (s *Store) UpsertProfile(ctx context.Context, p *metering.Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (id, role, credits, stripe_customer_id, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), now())
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			credits = EXCLUDED.credits,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			updated_at = now()`,
		p.ID, string(p.Role), p.Credits, p.StripeCustomerID)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// SpendCredit atomically decrements one credit when the balance is positive.
// The conditional UPDATE is the race guard: two concurrent spends of the last
// credit resolve to one success and one ErrNoCredits.
func (s *Store) SpendCredit(ctx context.Context, userID string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE profiles SET credits = credits - 1, updated_at = now()
		WHERE id = $1 AND credits > 0
		RETURNING credits`, userID).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row updated: either the profile is missing or credits hit zero.
		if _, perr := s.GetProfile(ctx, userID); perr != nil {
			return 0, perr
		}
		return 0, metering.ErrNoCredits
	}
	if err != nil {
		return 0, fmt.Errorf("failed to spend credit: %w", err)
	}
	return remaining, nil
}

// IncrementDailyUsage atomically increments the (user, day) counter while it
// is below limit. The bounded upsert makes concurrent increments never push
// the counter past the limit.
func (s *Store) IncrementDailyUsage(ctx context.Context, userID, day string, limit int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO daily_usage (user_id, day, count, updated_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (user_id, day) DO UPDATE SET
			count = daily_usage.count + 1,
			updated_at = now()
		WHERE daily_usage.count < $3
		RETURNING count`, userID, day, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, metering.ErrDailyLimitReached
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily usage: %w", err)
	}
	return count, nil
}

// GetDailyUsage retrieves the counter for one (user, day); nil when absent
func (s *Store) GetDailyUsage(ctx context.Context, userID, day string) (*metering.DailyUsage, error) {
	var u metering.DailyUsage
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, day, count, updated_at
		FROM daily_usage WHERE user_id = $1 AND day = $2`, userID, day).
		Scan(&u.UserID, &u.Day, &u.Count, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return &u, nil
}

// ApplySubscription marks the user pro with an absolute credit balance and
// records the event id in the same transaction, so a replayed event can never
// apply twice.
func (s *Store) ApplySubscription(ctx context.Context, userID, customerID string, credits int, eventID string) error {
	return s.withEventTx(ctx, eventID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE profiles SET
				role = 'pro',
				credits = $2,
				stripe_customer_id = COALESCE(NULLIF($3, ''), stripe_customer_id),
				updated_at = now()
			WHERE id = $1`, userID, credits, customerID)
		if err != nil {
			return fmt.Errorf("failed to apply subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return metering.ErrProfileNotFound
		}
		return nil
	})
}

// AddCredits adds amount credits to the user's balance, deduplicated by
// event id in the same transaction.
func (s *Store) AddCredits(ctx context.Context, userID, customerID string, amount int, eventID string) error {
	return s.withEventTx(ctx, eventID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE profiles SET
				credits = credits + $2,
				stripe_customer_id = COALESCE(NULLIF($3, ''), stripe_customer_id),
				updated_at = now()
			WHERE id = $1`, userID, amount, customerID)
		if err != nil {
			return fmt.Errorf("failed to add credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return metering.ErrProfileNotFound
		}
		return nil
	})
}

// DowngradeByCustomer resets the profile identified by customer id to the
// given role and absolute credit balance.
func (s *Store) DowngradeByCustomer(ctx context.Context, customerID string, role metering.Role, credits int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE profiles SET role = $2, credits = $3, updated_at = now()
		WHERE stripe_customer_id = $1`, customerID, string(role), credits)
	if err != nil {
		return fmt.Errorf("failed to downgrade profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrProfileNotFound
	}
	return nil
}

// withEventTx runs fn inside a transaction that first claims eventID.
// A previously claimed id aborts with ErrEventAlreadyProcessed.
func (s *Store) withEventTx(ctx context.Context, eventID string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if eventID != "" {
		tag, err := tx.Exec(ctx, `
			INSERT INTO billing_events (event_id) VALUES ($1)
			ON CONFLICT (event_id) DO NOTHING`, eventID)
		if err != nil {
			return fmt.Errorf("failed to record billing event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return metering.ErrEventAlreadyProcessed
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
