// Package memory provides an in-memory implementation of the metering.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artmint/storefront/pkg/metering"
)

// Store implements metering.Store using in-memory maps.
type Store struct {
	mu              sync.Mutex
	profiles        map[string]*metering.Profile
	usage           map[string]*metering.DailyUsage
	processedEvents map[string]bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		profiles:        make(map[string]*metering.Profile),
		usage:           make(map[string]*metering.DailyUsage),
		processedEvents: make(map[string]bool),
	}
}

func usageKey(userID, day string) string {
	return userID + ":" + day
}

// GetProfile implements metering.Store.
func (s *Store) GetProfile(ctx context.Context, userID string) (*metering.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, metering.ErrProfileNotFound
	}

	// Return a copy to prevent external mutations
	pCopy := *p
	return &pCopy, nil
}

// GetProfileByCustomer implements metering.Store.
func (s *Store) GetProfileByCustomer(ctx context.Context, customerID string) (*metering.Profile, error) {
	if customerID == "" {
		return nil, metering.ErrProfileNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.StripeCustomerID == customerID {
			pCopy := *p
			return &pCopy, nil
		}
	}
	return nil, metering.ErrProfileNotFound
}

// UpsertProfile implements metering.Store.
func (s *Store) UpsertProfile(ctx context.Context, p *metering.Profile) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid profile")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pCopy := *p
	pCopy.UpdatedAt = time.Now().UTC()
	s.profiles[p.ID] = &pCopy
	return nil
}

// SpendCredit implements metering.Store with check-then-act under the lock.
func (s *Store) SpendCredit(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return 0, metering.ErrProfileNotFound
	}
	if p.Credits <= 0 {
		return 0, metering.ErrNoCredits
	}

	p.Credits--
	p.UpdatedAt = time.Now().UTC()
	return p.Credits, nil
}

// IncrementDailyUsage implements metering.Store.
func (s *Store) IncrementDailyUsage(ctx context.Context, userID, day string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, day)
	u, ok := s.usage[key]
	if !ok {
		u = &metering.DailyUsage{UserID: userID, Day: day}
		s.usage[key] = u
	}

	if u.Count >= limit {
		return u.Count, metering.ErrDailyLimitReached
	}

	u.Count++
	u.UpdatedAt = time.Now().UTC()
	return u.Count, nil
}

// GetDailyUsage implements metering.Store.
func (s *Store) GetDailyUsage(ctx context.Context, userID, day string) (*metering.DailyUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[usageKey(userID, day)]
	if !ok {
		return nil, nil // No usage yet is not an error
	}

	uCopy := *u
	return &uCopy, nil
}

// ApplySubscription implements metering.Store.
func (s *Store) ApplySubscription(ctx context.Context, userID, customerID string, credits int, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventID != "" {
		if s.processedEvents[eventID] {
			return metering.ErrEventAlreadyProcessed
		}
	}

	p, ok := s.profiles[userID]
	if !ok {
		return metering.ErrProfileNotFound
	}

	p.Role = metering.RolePro
	p.Credits = credits
	p.StripeCustomerID = customerID
	p.UpdatedAt = time.Now().UTC()

	if eventID != "" {
		s.processedEvents[eventID] = true
	}
	return nil
}

// AddCredits implements metering.Store.
func (s *Store) AddCredits(ctx context.Context, userID, customerID string, amount int, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if eventID != "" {
		if s.processedEvents[eventID] {
			return metering.ErrEventAlreadyProcessed
		}
	}

	p, ok := s.profiles[userID]
	if !ok {
		return metering.ErrProfileNotFound
	}

	p.Credits += amount
	if customerID != "" {
		p.StripeCustomerID = customerID
	}
	p.UpdatedAt = time.Now().UTC()

	if eventID != "" {
		s.processedEvents[eventID] = true
	}
	return nil
}

// DowngradeByCustomer implements metering.Store.
func (s *Store) DowngradeByCustomer(ctx context.Context, customerID string, role metering.Role, credits int) error {
	if customerID == "" {
		return metering.ErrProfileNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.StripeCustomerID == customerID {
			p.Role = role
			p.Credits = credits
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return metering.ErrProfileNotFound
}
