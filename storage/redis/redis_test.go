package redis

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/artmint/storefront/pkg/metering"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}

	return client
}

func setupTestStorage(t *testing.T) *Store {
	t.Helper()

	client := setupTestRedis(t)
	t.Cleanup(func() { client.Close() })

	storage, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	if err == nil {
		t.Error("Expected error for nil client")
	}

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	storage, err := New(client, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if storage.config.KeyPrefix != "storefront:" {
		t.Errorf("Expected default key prefix, got %q", storage.config.KeyPrefix)
	}
}

func TestStorage_Profiles(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.GetProfile(ctx, "user1")
	if !errors.Is(err, metering.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	p := &metering.Profile{ID: "user1", Role: metering.RolePro, Credits: 25, StripeCustomerID: "cus_abc"}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	got, err := storage.GetProfile(ctx, "user1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.Role != metering.RolePro || got.Credits != 25 || got.StripeCustomerID != "cus_abc" {
		t.Errorf("Unexpected profile: %+v", got)
	}

	byCust, err := storage.GetProfileByCustomer(ctx, "cus_abc")
	if err != nil {
		t.Fatalf("GetProfileByCustomer failed: %v", err)
	}
	if byCust.ID != "user1" {
		t.Errorf("Expected user1, got %s", byCust.ID)
	}

	_, err = storage.GetProfileByCustomer(ctx, "cus_missing")
	if !errors.Is(err, metering.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}
}

func TestStorage_SpendCredit(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	_, err := storage.SpendCredit(ctx, "missing")
	if !errors.Is(err, metering.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	p := &metering.Profile{ID: "user1", Role: metering.RolePro, Credits: 2}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	remaining, err := storage.SpendCredit(ctx, "user1")
	if err != nil || remaining != 1 {
		t.Errorf("Expected remaining=1, got %d, err=%v", remaining, err)
	}
	remaining, err = storage.SpendCredit(ctx, "user1")
	if err != nil || remaining != 0 {
		t.Errorf("Expected remaining=0, got %d, err=%v", remaining, err)
	}
	_, err = storage.SpendCredit(ctx, "user1")
	if !errors.Is(err, metering.ErrNoCredits) {
		t.Errorf("Expected ErrNoCredits, got %v", err)
	}
}

func TestStorage_SpendCredit_Concurrent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	p := &metering.Profile{ID: "user1", Role: metering.RolePro, Credits: 10}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := storage.SpendCredit(ctx, "user1"); err == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("Expected exactly 10 successful spends, got %d", allowed)
	}
}

func TestStorage_IncrementDailyUsage(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		count, err := storage.IncrementDailyUsage(ctx, "user1", "2025-06-15", 5)
		if err != nil || count != i {
			t.Errorf("Increment %d: expected count=%d, got %d, err=%v", i, i, count, err)
		}
	}

	_, err := storage.IncrementDailyUsage(ctx, "user1", "2025-06-15", 5)
	if !errors.Is(err, metering.ErrDailyLimitReached) {
		t.Errorf("Expected ErrDailyLimitReached, got %v", err)
	}

	count, err := storage.IncrementDailyUsage(ctx, "user1", "2025-06-16", 5)
	if err != nil || count != 1 {
		t.Errorf("New day: expected count=1, got %d, err=%v", count, err)
	}

	usage, err := storage.GetDailyUsage(ctx, "user1", "2025-06-15")
	if err != nil || usage == nil || usage.Count != 5 {
		t.Errorf("Expected count=5, got %+v, err=%v", usage, err)
	}
	usage, err = storage.GetDailyUsage(ctx, "user1", "2099-01-01")
	if err != nil || usage != nil {
		t.Errorf("Expected nil usage for absent day, got %+v, err=%v", usage, err)
	}
}

func TestStorage_GrantDedup(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	p := &metering.Profile{ID: "user1", Role: metering.RoleFree, Credits: 0}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	if err := storage.ApplySubscription(ctx, "user1", "cus_1", 500, "evt_1"); err != nil {
		t.Fatalf("ApplySubscription failed: %v", err)
	}
	err := storage.ApplySubscription(ctx, "user1", "cus_1", 500, "evt_1")
	if !errors.Is(err, metering.ErrEventAlreadyProcessed) {
		t.Errorf("Expected ErrEventAlreadyProcessed, got %v", err)
	}

	got, _ := storage.GetProfile(ctx, "user1")
	if got.Role != metering.RolePro || got.Credits != 500 {
		t.Errorf("Unexpected profile after subscription: %+v", got)
	}

	if err := storage.AddCredits(ctx, "user1", "cus_1", 100, "evt_2"); err != nil {
		t.Fatalf("AddCredits failed: %v", err)
	}
	err = storage.AddCredits(ctx, "user1", "cus_1", 100, "evt_2")
	if !errors.Is(err, metering.ErrEventAlreadyProcessed) {
		t.Errorf("Expected ErrEventAlreadyProcessed, got %v", err)
	}

	got, _ = storage.GetProfile(ctx, "user1")
	if got.Credits != 600 {
		t.Errorf("Expected 600 credits, got %d", got.Credits)
	}
}

func TestStorage_GrantUnknownProfileReleasesEvent(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	err := storage.AddCredits(ctx, "ghost", "cus_1", 100, "evt_1")
	if !errors.Is(err, metering.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	// The event id was released, so a retry after the profile exists works.
	p := &metering.Profile{ID: "ghost", Role: metering.RolePro, Credits: 0}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}
	if err := storage.AddCredits(ctx, "ghost", "cus_1", 100, "evt_1"); err != nil {
		t.Fatalf("AddCredits retry failed: %v", err)
	}
}

func TestStorage_DowngradeByCustomer(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	err := storage.DowngradeByCustomer(ctx, "cus_missing", metering.RoleFree, 5)
	if !errors.Is(err, metering.ErrProfileNotFound) {
		t.Errorf("Expected ErrProfileNotFound, got %v", err)
	}

	p := &metering.Profile{ID: "user1", Role: metering.RolePro, Credits: 400, StripeCustomerID: "cus_1"}
	if err := storage.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	if err := storage.DowngradeByCustomer(ctx, "cus_1", metering.RoleFree, 5); err != nil {
		t.Fatalf("DowngradeByCustomer failed: %v", err)
	}
	got, _ := storage.GetProfile(ctx, "user1")
	if got.Role != metering.RoleFree || got.Credits != 5 {
		t.Errorf("Unexpected profile after downgrade: %+v", got)
	}
}
