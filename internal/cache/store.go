package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/model"
)

// Store holds the four cached collections.
type Store struct {
	Users      *Collection[model.User]
	Rewards    *Collection[model.Reward]
	Activities *Collection[model.Activity]
	Campaigns  *Collection[model.Campaign]
}

// New builds a Store whose collections load through gw.
func New(gw *gateway.Client) *Store {
	return &Store{
		Users:      NewCollection("users", gw.Users.List),
		Rewards:    NewCollection("rewards", gw.Rewards.List),
		Activities: NewCollection("activities", gw.Activities.List),
		Campaigns:  NewCollection("campaigns", gw.Campaigns.List),
	}
}

type refresher interface {
	Name() string
	EnsureFresh(ctx context.Context, ttl time.Duration) error
	Status() Status
	OnChange(fn func(Change))
	OnLoad(fn func(name string, err error))
}

func (s *Store) collections() []refresher {
	return []refresher{s.Users, s.Rewards, s.Activities, s.Campaigns}
}

// RefreshAll reloads every collection concurrently and joins the failures.
func (s *Store) RefreshAll(ctx context.Context) error {
	return s.ensure(ctx, 0, s.collections()...)
}

// EnsureFresh reloads any collection older than ttl.
func (s *Store) EnsureFresh(ctx context.Context, ttl time.Duration) error {
	return s.ensure(ctx, ttl, s.collections()...)
}

func (s *Store) ensure(ctx context.Context, ttl time.Duration, cols ...refresher) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, col := range cols {
		wg.Add(1)
		go func(col refresher) {
			defer wg.Done()
			if err := col.EnsureFresh(ctx, ttl); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("load %s: %w", col.Name(), err))
				mu.Unlock()
			}
		}(col)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Statuses reports the load state of every collection keyed by name.
func (s *Store) Statuses() map[string]Status {
	out := make(map[string]Status, 4)
	for _, col := range s.collections() {
		out[col.Name()] = col.Status()
	}
	return out
}

// OnChange registers fn on every collection.
func (s *Store) OnChange(fn func(Change)) {
	for _, col := range s.collections() {
		col.OnChange(fn)
	}
}

// OnLoad registers fn on every collection.
func (s *Store) OnLoad(fn func(name string, err error)) {
	for _, col := range s.collections() {
		col.OnLoad(fn)
	}
}
