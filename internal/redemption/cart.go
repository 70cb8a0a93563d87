package redemption

import (
	"context"
	"sync"
)

// CartStore keeps each user's pending selection of reward ids.
type CartStore interface {
	Items(ctx context.Context, userID int64) ([]int64, error)
	// Add is a no-op when the reward is already in the cart.
	Add(ctx context.Context, userID, rewardID int64) error
	Remove(ctx context.Context, userID, rewardID int64) error
	Clear(ctx context.Context, userID int64) error
}

type MemoryCarts struct {
	mu    sync.Mutex
	carts map[int64][]int64
}

func NewMemoryCarts() *MemoryCarts {
	return &MemoryCarts{carts: make(map[int64][]int64)}
}

func (m *MemoryCarts) Items(ctx context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.carts[userID]...), nil
}

func (m *MemoryCarts) Add(ctx context.Context, userID, rewardID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.carts[userID] {
		if id == rewardID {
			return nil
		}
	}
	m.carts[userID] = append(m.carts[userID], rewardID)
	return nil
}

func (m *MemoryCarts) Remove(ctx context.Context, userID, rewardID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	for i, id := range items {
		if id == rewardID {
			m.carts[userID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryCarts) Clear(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	return nil
}
