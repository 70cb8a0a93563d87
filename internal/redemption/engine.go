// Package redemption turns a cart of rewards into claimed rewards and
// balance debits.
//
// A checkout checks the balance once against the whole cart, then works
// through the items in order: each reward is claimed with the gateway's
// conditional update and then debited through the ledger. The first failure
// stops the run and leaves a receipt that Resume can finish later.
package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/campaign"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/metrics"
	"github.com/dukerupert/perks/internal/model"
)

type Engine struct {
	gw       *gateway.Client
	ledger   *ledger.Ledger
	store    *cache.Store
	carts    CartStore
	receipts ReceiptStore
	metrics  *metrics.Metrics
	clock    func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

type Config struct {
	Gateway  *gateway.Client
	Ledger   *ledger.Ledger
	Store    *cache.Store
	Carts    CartStore
	Receipts ReceiptStore
	Metrics  *metrics.Metrics
	Clock    func() time.Time
	Logger   *slog.Logger
}

func New(cfg Config) *Engine {
	e := &Engine{
		gw:       cfg.Gateway,
		ledger:   cfg.Ledger,
		store:    cfg.Store,
		carts:    cfg.Carts,
		receipts: cfg.Receipts,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		locks:    make(map[int64]*sync.Mutex),
	}
	if e.carts == nil {
		e.carts = NewMemoryCarts()
	}
	if e.receipts == nil {
		e.receipts = NewMemoryReceipts()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

func (e *Engine) Carts() CartStore { return e.carts }

func (e *Engine) lock(userID int64) func() {
	e.mu.Lock()
	m, ok := e.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[userID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Cart is a user's selection resolved against the catalog.
type Cart struct {
	Rewards []model.Reward `json:"rewards"`
	Total   int            `json:"total"`
}

// Cart resolves the ids in the user's cart. Ids whose reward no longer
// exists are dropped from the cart.
func (e *Engine) Cart(ctx context.Context, userID int64) (Cart, error) {
	ids, err := e.carts.Items(ctx, userID)
	if err != nil {
		return Cart{}, err
	}
	cart := Cart{Rewards: make([]model.Reward, 0, len(ids))}
	for _, id := range ids {
		r, err := e.gw.Rewards.Get(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			if err := e.carts.Remove(ctx, userID, id); err != nil {
				return Cart{}, err
			}
			continue
		}
		if err != nil {
			return Cart{}, err
		}
		cart.Rewards = append(cart.Rewards, r)
		cart.Total += r.Cost
	}
	return cart, nil
}

// AddToCart puts an available reward from an open campaign in the cart.
func (e *Engine) AddToCart(ctx context.Context, actor auth.Actor, rewardID int64) error {
	r, err := e.gw.Rewards.Get(ctx, rewardID)
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	if r.Redeemed() {
		return fmt.Errorf("reward %d: %w", rewardID, apperr.ErrConflict)
	}
	campaigns, err := e.gw.Campaigns.List(ctx)
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	if !campaign.RewardActive(r, campaigns, e.clock()) {
		return apperr.Invalid("rewardId", "reward %d is not in an active campaign", rewardID)
	}
	return e.carts.Add(ctx, actor.UserID, rewardID)
}

// Checkout redeems everything in the actor's cart and clears it on success.
func (e *Engine) Checkout(ctx context.Context, actor auth.Actor) (*Receipt, error) {
	cart, err := e.Cart(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	receipt, err := e.Redeem(ctx, actor, cart.Rewards)
	if err != nil {
		return receipt, err
	}
	if err := e.carts.Clear(ctx, actor.UserID); err != nil {
		e.logger.Warn("cart not cleared", "user_id", actor.UserID, "error", err)
	}
	return receipt, nil
}

// Redeem claims and pays for every reward in cart on behalf of actor.
//
// Validation and balance failures return before anything is written. Once
// the first claim has been attempted, failures return a *PartialError whose
// receipt shows the state of each item.
func (e *Engine) Redeem(ctx context.Context, actor auth.Actor, cart []model.Reward) (*Receipt, error) {
	unlock := e.lock(actor.UserID)
	defer unlock()

	now := e.clock()
	rewards, err := e.validate(ctx, cart, now)
	if err != nil {
		e.metrics.ObserveCheckout("rejected")
		return nil, err
	}

	total := 0
	for _, r := range rewards {
		total += r.Cost
	}
	balance, err := e.ledger.Balance(ctx, actor.UserID)
	if err != nil {
		e.metrics.ObserveCheckout("rejected")
		return nil, fmt.Errorf("redeem: %w", err)
	}
	if total > balance {
		e.metrics.ObserveCheckout("rejected")
		return nil, &apperr.BalanceError{Balance: balance, Required: total}
	}

	receipt := &Receipt{
		ID:        uuid.NewString(),
		UserID:    actor.UserID,
		Total:     total,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, r := range rewards {
		receipt.Items = append(receipt.Items, Item{RewardID: r.ID, Name: r.Name, Cost: r.Cost, State: ItemPending})
	}

	e.logger.Info("redemption started", "receipt_id", receipt.ID, "user_id", actor.UserID, "items", len(rewards), "total", total)
	return e.run(ctx, receipt)
}

func (e *Engine) validate(ctx context.Context, cart []model.Reward, now time.Time) ([]model.Reward, error) {
	if len(cart) == 0 {
		return nil, apperr.Invalid("cart", "cart is empty")
	}

	campaigns, err := e.gw.Campaigns.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}

	seen := make(map[int64]bool, len(cart))
	rewards := make([]model.Reward, 0, len(cart))
	var errs apperr.ValidationErrors
	for _, item := range cart {
		if seen[item.ID] {
			errs.Add("cart", "reward %d appears more than once", item.ID)
			continue
		}
		seen[item.ID] = true

		// The cart may be stale; cost and holder come from the gateway.
		r, err := e.gw.Rewards.Get(ctx, item.ID)
		if errors.Is(err, apperr.ErrNotFound) {
			errs.Add("cart", "reward %d does not exist", item.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redeem: %w", err)
		}
		if r.Redeemed() {
			return nil, fmt.Errorf("reward %d already redeemed: %w", r.ID, apperr.ErrConflict)
		}
		if !campaign.RewardActive(r, campaigns, now) {
			errs.Add("cart", "reward %d is not in an active campaign", r.ID)
			continue
		}
		rewards = append(rewards, r)
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return rewards, nil
}

// run advances every unfinished item in order and stops at the first
// failure. The receipt is saved after every step, and every debited item
// leaves the owner's cart.
func (e *Engine) run(ctx context.Context, receipt *Receipt) (*Receipt, error) {
	for i := range receipt.Items {
		item := &receipt.Items[i]
		if item.State != ItemDebited {
			if item.State == ItemPending || (item.State == ItemFailed && item.FailedStep == StepClaim) {
				if err := e.claim(ctx, receipt.UserID, item); err != nil {
					return e.fail(ctx, receipt, item, StepClaim, err)
				}
				e.save(ctx, receipt)
			}

			if err := e.debit(ctx, receipt, item); err != nil {
				return e.fail(ctx, receipt, item, StepDebit, err)
			}
			e.save(ctx, receipt)
		}
		e.uncart(ctx, receipt.UserID, item.RewardID)
	}

	receipt.Complete = true
	receipt.UpdatedAt = e.clock()
	e.save(ctx, receipt)
	e.metrics.ObserveCheckout("completed")
	e.logger.Info("redemption complete", "receipt_id", receipt.ID, "user_id", receipt.UserID, "balance", receipt.Balance)
	return receipt, nil
}

func (e *Engine) claim(ctx context.Context, userID int64, item *Item) error {
	r, err := e.gw.ClaimReward(ctx, item.RewardID, userID)
	if errors.Is(err, apperr.ErrConflict) {
		// A previous attempt may have claimed it before losing the response.
		current, gerr := e.gw.Rewards.Get(ctx, item.RewardID)
		if gerr == nil && current.RedeemedBy != nil && *current.RedeemedBy == userID {
			r, err = current, nil
		}
	}
	if err != nil {
		return err
	}
	e.store.Rewards.Upsert(r)
	item.State = ItemClaimed
	item.FailedStep = ""
	item.Error = ""
	return nil
}

func (e *Engine) debit(ctx context.Context, receipt *Receipt, item *Item) error {
	done, err := e.ledger.HasDebit(ctx, receipt.UserID, item.RewardID)
	if err != nil {
		return err
	}
	if !done {
		adj, err := e.ledger.Debit(ctx, receipt.UserID, item.RewardID, item.Cost)
		if err != nil {
			return err
		}
		item.ActivityID = adj.Activity.ID
		receipt.Balance = adj.Balance
	}
	item.State = ItemDebited
	item.FailedStep = ""
	item.Error = ""
	return nil
}

func (e *Engine) fail(ctx context.Context, receipt *Receipt, item *Item, step string, err error) (*Receipt, error) {
	item.State = ItemFailed
	item.FailedStep = step
	item.Error = err.Error()
	receipt.UpdatedAt = e.clock()
	e.save(ctx, receipt)
	e.metrics.ObserveCheckout("partial")
	e.logger.Warn("redemption stopped",
		"receipt_id", receipt.ID,
		"user_id", receipt.UserID,
		"reward_id", item.RewardID,
		"step", step,
		"error", err,
	)
	return receipt, &PartialError{Receipt: receipt, Err: err}
}

func (e *Engine) uncart(ctx context.Context, userID, rewardID int64) {
	if err := e.carts.Remove(ctx, userID, rewardID); err != nil {
		e.logger.Warn("redeemed reward left in cart", "user_id", userID, "reward_id", rewardID, "error", err)
	}
}

func (e *Engine) save(ctx context.Context, receipt *Receipt) {
	if err := e.receipts.Save(ctx, receipt); err != nil {
		e.logger.Error("receipt not saved", "receipt_id", receipt.ID, "error", err)
	}
}

// Resume retries the unfinished items of a stored receipt. Items already
// debited are never charged again.
func (e *Engine) Resume(ctx context.Context, actor auth.Actor, receiptID string) (*Receipt, error) {
	receipt, err := e.Receipt(ctx, actor, receiptID)
	if err != nil {
		return nil, err
	}

	unlock := e.lock(receipt.UserID)
	defer unlock()

	// Reload under the lock in case a concurrent resume advanced it.
	receipt, err = e.receipts.Get(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.Complete {
		return receipt, nil
	}

	// A debit whose response was lost is already in the log and already
	// reflected in the balance.
	for i := range receipt.Items {
		item := &receipt.Items[i]
		if item.State != ItemClaimed && !(item.State == ItemFailed && item.FailedStep == StepDebit) {
			continue
		}
		done, err := e.ledger.HasDebit(ctx, receipt.UserID, item.RewardID)
		if err != nil {
			return receipt, fmt.Errorf("resume: %w", err)
		}
		if done {
			item.State = ItemDebited
			item.FailedStep = ""
			item.Error = ""
		}
	}

	balance, err := e.ledger.Balance(ctx, receipt.UserID)
	if err != nil {
		return receipt, fmt.Errorf("resume: %w", err)
	}
	if required := receipt.Outstanding(); required > balance {
		return receipt, &apperr.BalanceError{Balance: balance, Required: required}
	}
	receipt.Balance = balance

	e.logger.Info("redemption resumed", "receipt_id", receipt.ID, "user_id", receipt.UserID)
	return e.run(ctx, receipt)
}

// Receipt returns a stored receipt. Users may only read their own.
func (e *Engine) Receipt(ctx context.Context, actor auth.Actor, receiptID string) (*Receipt, error) {
	receipt, err := e.receipts.Get(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	if receipt.UserID != actor.UserID && !actor.IsAdmin() {
		return nil, fmt.Errorf("receipt %s: %w", receiptID, apperr.ErrForbidden)
	}
	return receipt, nil
}

func (e *Engine) Receipts(ctx context.Context, userID int64) ([]*Receipt, error) {
	return e.receipts.ListByUser(ctx, userID)
}
