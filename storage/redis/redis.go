// Package redis provides a Redis implementation of the metering.Store
// interface. Conditional mutations (credit spend, bounded daily increment,
// deduplicated grants) run as Lua scripts so they are atomic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artmint/storefront/pkg/metering"
)

// Store implements metering.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "storefront:")
	KeyPrefix string

	// UsageTTL is the TTL for daily usage keys (default: 48h; 0 = no expiration)
	UsageTTL time.Duration

	// EventTTL is the TTL for processed billing event markers
	// (default: 30 days; 0 = no expiration)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "storefront:",
		UsageTTL:  48 * time.Hour,
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "storefront:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Store) loadScripts() {
	// Decrement one credit while positive
	s.scripts["spendCredit"] = redis.NewScript(`
		local profileKey = KEYS[1]

		if redis.call('EXISTS', profileKey) == 0 then
			return {-1, 'not_found'}
		end

		local credits = tonumber(redis.call('HGET', profileKey, 'credits') or '0')
		if credits <= 0 then
			return {0, 'no_credits'}
		end

		local remaining = redis.call('HINCRBY', profileKey, 'credits', -1)
		redis.call('HSET', profileKey, 'updated_at', ARGV[1])
		return {remaining, 'ok'}
	`)

	// Increment the daily counter while below the limit
	s.scripts["incrementDaily"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local limit = tonumber(ARGV[1])
		local ttl = tonumber(ARGV[2])

		local count = tonumber(redis.call('HGET', usageKey, 'count') or '0')
		if count >= limit then
			return {count, 'limit'}
		end

		count = redis.call('HINCRBY', usageKey, 'count', 1)
		redis.call('HSET', usageKey, 'updated_at', ARGV[3])
		if ttl > 0 then
			redis.call('EXPIRE', usageKey, ttl)
		end
		return {count, 'ok'}
	`)

	// Grant credits or a subscription, claiming the event id first.
	// ARGV[1]=eventKey mode: absolute or add, ARGV[2]=credits/amount,
	// ARGV[3]=customer id, ARGV[4]=event ttl, ARGV[5]=timestamp
	s.scripts["grant"] = redis.NewScript(`
		local profileKey = KEYS[1]
		local eventKey = KEYS[2]
		local mode = ARGV[1]
		local amount = tonumber(ARGV[2])
		local customerID = ARGV[3]
		local eventTTL = tonumber(ARGV[4])
		local now = ARGV[5]

		if eventKey ~= '' then
			local claimed = redis.call('SET', eventKey, '1', 'NX')
			if not claimed then
				return 'duplicate'
			end
			if eventTTL > 0 then
				redis.call('EXPIRE', eventKey, eventTTL)
			end
		end

		if redis.call('EXISTS', profileKey) == 0 then
			if eventKey ~= '' then
				redis.call('DEL', eventKey)
			end
			return 'not_found'
		end

		if mode == 'absolute' then
			redis.call('HSET', profileKey, 'role', 'pro', 'credits', amount)
		else
			redis.call('HINCRBY', profileKey, 'credits', amount)
		end
		if customerID ~= '' then
			redis.call('HSET', profileKey, 'stripe_customer_id', customerID)
		end
		redis.call('HSET', profileKey, 'updated_at', now)
		return 'ok'
	`)
}

func (s *Store) profileKey(userID string) string {
	return s.config.KeyPrefix + "profile:" + userID
}

func (s *Store) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

func (s *Store) usageKey(userID, day string) string {
	return s.config.KeyPrefix + "usage:" + userID + ":" + day
}

func (s *Store) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

// GetProfile retrieves a profile by user ID
func (s *Store) GetProfile(ctx context.Context, userID string) (*metering.Profile, error) {
	data, err := s.client.HGetAll(ctx, s.profileKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(data) == 0 {
		return nil, metering.ErrProfileNotFound
	}
	return profileFromHash(userID, data), nil
}

// GetProfileByCustomer retrieves a profile via the customer index
func (s *Store) GetProfileByCustomer(ctx context.Context, customerID string) (*metering.Profile, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, metering.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}
	return s.GetProfile(ctx, userID)
}

// UpsertProfile creates or replaces a profile and maintains the customer index
func (s *Store) UpsertProfile(ctx context.Context, p *metering.Profile) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.profileKey(p.ID), map[string]interface{}{
		"role":               string(p.Role),
		"credits":            p.Credits,
		"stripe_customer_id": p.StripeCustomerID,
		"updated_at":         updatedAt.Format(time.RFC3339Nano),
	})
	if p.StripeCustomerID != "" {
		pipe.Set(ctx, s.customerKey(p.StripeCustomerID), p.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// SpendCredit atomically decrements one credit when the balance is positive
func (s *Store) SpendCredit(ctx context.Context, userID string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.scripts["spendCredit"].Run(ctx, s.client,
		[]string{s.profileKey(userID)}, now).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to spend credit: %w", err)
	}

	remaining, status, err := parsePair(result)
	if err != nil {
		return 0, err
	}
	switch status {
	case "not_found":
		return 0, metering.ErrProfileNotFound
	case "no_credits":
		return 0, metering.ErrNoCredits
	}
	return remaining, nil
}

// IncrementDailyUsage atomically increments the (user, day) counter while
// it is below limit
func (s *Store) IncrementDailyUsage(ctx context.Context, userID, day string, limit int) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := s.scripts["incrementDaily"].Run(ctx, s.client,
		[]string{s.usageKey(userID, day)},
		limit, int(s.config.UsageTTL.Seconds()), now).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment daily usage: %w", err)
	}

	count, status, err := parsePair(result)
	if err != nil {
		return 0, err
	}
	if status == "limit" {
		return 0, metering.ErrDailyLimitReached
	}
	return count, nil
}

// GetDailyUsage retrieves the counter for one (user, day); nil when absent
func (s *Store) GetDailyUsage(ctx context.Context, userID, day string) (*metering.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, s.usageKey(userID, day)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	u := &metering.DailyUsage{UserID: userID, Day: day}
	if v, ok := data["count"]; ok {
		_ = json.Unmarshal([]byte(v), &u.Count)
	}
	if v, ok := data["updated_at"]; ok {
		u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return u, nil
}

// ApplySubscription marks the user pro with an absolute credit balance,
// deduplicated by event id
func (s *Store) ApplySubscription(ctx context.Context, userID, customerID string, credits int, eventID string) error {
	if err := s.grant(ctx, userID, customerID, "absolute", credits, eventID); err != nil {
		return err
	}
	return s.indexCustomer(ctx, userID, customerID)
}

// AddCredits adds amount credits to the user's balance, deduplicated by
// event id
func (s *Store) AddCredits(ctx context.Context, userID, customerID string, amount int, eventID string) error {
	if err := s.grant(ctx, userID, customerID, "add", amount, eventID); err != nil {
		return err
	}
	return s.indexCustomer(ctx, userID, customerID)
}

func (s *Store) grant(ctx context.Context, userID, customerID, mode string, amount int, eventID string) error {
	eventKey := ""
	if eventID != "" {
		eventKey = s.eventKey(eventID)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	result, err := s.scripts["grant"].Run(ctx, s.client,
		[]string{s.profileKey(userID), eventKey},
		mode, amount, customerID, int(s.config.EventTTL.Seconds()), now).Result()
	if err != nil {
		return fmt.Errorf("failed to apply grant: %w", err)
	}

	status, ok := result.(string)
	if !ok {
		return fmt.Errorf("unexpected script result: %v", result)
	}
	switch status {
	case "duplicate":
		return metering.ErrEventAlreadyProcessed
	case "not_found":
		return metering.ErrProfileNotFound
	}
	return nil
}

func (s *Store) indexCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}
	if err := s.client.Set(ctx, s.customerKey(customerID), userID, 0).Err(); err != nil {
		return fmt.Errorf("failed to index customer: %w", err)
	}
	return nil
}

// DowngradeByCustomer resets the profile identified by customer id to the
// given role and absolute credit balance
func (s *Store) DowngradeByCustomer(ctx context.Context, customerID string, role metering.Role, credits int) error {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return metering.ErrProfileNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to resolve customer: %w", err)
	}

	err = s.client.HSet(ctx, s.profileKey(userID), map[string]interface{}{
		"role":       string(role),
		"credits":    credits,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to downgrade profile: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func profileFromHash(userID string, data map[string]string) *metering.Profile {
	p := &metering.Profile{ID: userID, Role: metering.RoleFree}
	if v, ok := data["role"]; ok && v != "" {
		p.Role = metering.Role(v)
	}
	if v, ok := data["credits"]; ok {
		_ = json.Unmarshal([]byte(v), &p.Credits)
	}
	p.StripeCustomerID = data["stripe_customer_id"]
	if v, ok := data["updated_at"]; ok {
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return p
}

func parsePair(result interface{}) (int, string, error) {
	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, "", fmt.Errorf("unexpected script result: %v", result)
	}
	n, ok := pair[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script count: %v", pair[0])
	}
	status, ok := pair[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("unexpected script status: %v", pair[1])
	}
	return int(n), status, nil
}
