package redemption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
)

type ItemState string

const (
	ItemPending ItemState = "pending"
	ItemClaimed ItemState = "claimed"
	ItemDebited ItemState = "debited"
	ItemFailed  ItemState = "failed"
)

// Steps an item can fail at.
const (
	StepClaim = "claim"
	StepDebit = "debit"
)

type Item struct {
	RewardID   int64     `json:"rewardId"`
	Name       string    `json:"name"`
	Cost       int       `json:"cost"`
	State      ItemState `json:"state"`
	FailedStep string    `json:"failedStep,omitempty"`
	Error      string    `json:"error,omitempty"`
	ActivityID int64     `json:"activityId,omitempty"`
}

// Receipt records the progress of one checkout item by item.
type Receipt struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Items     []Item    `json:"items"`
	Total     int       `json:"total"`
	Balance   int       `json:"balance"`
	Complete  bool      `json:"complete"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Outstanding is the cost of the items not yet debited.
func (r *Receipt) Outstanding() int {
	total := 0
	for _, it := range r.Items {
		if it.State != ItemDebited {
			total += it.Cost
		}
	}
	return total
}

func (r *Receipt) clone() *Receipt {
	c := *r
	c.Items = append([]Item(nil), r.Items...)
	return &c
}

// PartialError is returned when a checkout stopped part way. Items before
// the failure stay claimed and debited; the receipt says which.
type PartialError struct {
	Receipt *Receipt
	Err     error
}

func (e *PartialError) Error() string {
	done := 0
	for _, it := range e.Receipt.Items {
		if it.State == ItemDebited {
			done++
		}
	}
	return fmt.Sprintf("redemption %s incomplete (%d of %d items): %v", e.Receipt.ID, done, len(e.Receipt.Items), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

type ReceiptStore interface {
	Save(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	ListByUser(ctx context.Context, userID int64) ([]*Receipt, error)
}

type MemoryReceipts struct {
	mu       sync.RWMutex
	receipts map[string]*Receipt
	order    []string
}

func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{receipts: make(map[string]*Receipt)}
}

func (m *MemoryReceipts) Save(ctx context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.receipts[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.receipts[r.ID] = r.clone()
	return nil
}

func (m *MemoryReceipts) Get(ctx context.Context, id string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, apperr.ErrNotFound)
	}
	return r.clone(), nil
}

// ListByUser returns the user's receipts newest first.
func (m *MemoryReceipts) ListByUser(ctx context.Context, userID int64) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Receipt
	for i := len(m.order) - 1; i >= 0; i-- {
		if r := m.receipts[m.order[i]]; r.UserID == userID {
			out = append(out, r.clone())
		}
	}
	return out, nil
}
