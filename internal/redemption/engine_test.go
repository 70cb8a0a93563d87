package redemption

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/testutil"
)

var (
	john = auth.Actor{UserID: 2, Role: model.RoleUser}
	jane = auth.Actor{UserID: 3, Role: model.RoleUser}
	// Inside the seeded spring campaign.
	springDay = time.Date(2025, 4, 15, 10, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, client *gateway.Client) *Engine {
	t.Helper()
	store := cache.New(client)
	logger := testutil.DiscardLogger()
	return New(Config{
		Gateway: client,
		Ledger:  ledger.New(client, store, nil, logger),
		Store:   store,
		Clock:   func() time.Time { return springDay },
		Logger:  logger,
	})
}

func createReward(t *testing.T, client *gateway.Client, name string, cost int) model.Reward {
	t.Helper()
	r, err := client.Rewards.Create(context.Background(), model.Reward{
		Name: name, Description: name, Cost: cost, Image: "https://example.com/x.jpg", CampaignID: 1,
	})
	if err != nil {
		t.Fatalf("create reward: %v", err)
	}
	return r
}

func redemptions(t *testing.T, client *gateway.Client, userID int64) []model.Activity {
	t.Helper()
	acts, err := client.Activities.List(context.Background())
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	var out []model.Activity
	for _, a := range acts {
		if a.UserID == userID && a.Type == model.ActivityRedemption {
			out = append(out, a)
		}
	}
	return out
}

func TestRedeemInsufficientBalanceMutatesNothing(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()

	a := createReward(t, gw.Client, "Mug", 80)
	b := createReward(t, gw.Client, "Book", 100)

	_, err := e.Redeem(ctx, jane, []model.Reward{a, b})
	var balErr *apperr.BalanceError
	if !errors.As(err, &balErr) {
		t.Fatalf("err = %v, want BalanceError", err)
	}
	if !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Error("expected ErrInsufficientBalance")
	}
	if balErr.Balance != 150 || balErr.Required != 180 {
		t.Errorf("balance error = %+v, want 150/180", balErr)
	}

	for _, id := range []int64{a.ID, b.ID} {
		r, _ := gw.Client.Rewards.Get(ctx, id)
		if r.Redeemed() {
			t.Errorf("reward %d was claimed", id)
		}
	}
	if got := redemptions(t, gw.Client, 3); len(got) != 0 {
		t.Errorf("wrote %d activities", len(got))
	}
}

func TestRedeemSuccess(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()

	giftCard, _ := gw.Client.Rewards.Get(ctx, 1)
	receipt, err := e.Redeem(ctx, jane, []model.Reward{giftCard})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !receipt.Complete || receipt.Balance != 50 {
		t.Errorf("receipt = %+v, want complete with balance 50", receipt)
	}
	if receipt.ID == "" || receipt.Items[0].State != ItemDebited {
		t.Errorf("receipt = %+v", receipt)
	}

	r, _ := gw.Client.Rewards.Get(ctx, 1)
	if r.RedeemedBy == nil || *r.RedeemedBy != 3 {
		t.Errorf("redeemedBy = %v, want 3", r.RedeemedBy)
	}

	acts := redemptions(t, gw.Client, 3)
	if len(acts) != 1 || acts[0].Points != -100 || acts[0].AdminID != nil {
		t.Errorf("activities = %+v, want one -100 redemption", acts)
	}

	u, _ := gw.Client.Users.Get(ctx, 3)
	if u.Points != 50 {
		t.Errorf("projection = %d, want 50", u.Points)
	}

	stored, err := e.Receipt(ctx, jane, receipt.ID)
	if err != nil || !stored.Complete {
		t.Errorf("stored receipt = %+v, %v", stored, err)
	}
	if _, err := e.Receipt(ctx, john, receipt.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("other user err = %v, want ErrForbidden", err)
	}
}

func TestRedeemValidation(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()
	giftCard, _ := gw.Client.Rewards.Get(ctx, 1)

	if _, err := e.Redeem(ctx, jane, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty cart err = %v, want ErrValidation", err)
	}
	if _, err := e.Redeem(ctx, jane, []model.Reward{giftCard, giftCard}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("duplicate err = %v, want ErrValidation", err)
	}
	if _, err := e.Redeem(ctx, jane, []model.Reward{{ID: 99}}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown reward err = %v, want ErrValidation", err)
	}

	e.clock = func() time.Time { return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := e.Redeem(ctx, jane, []model.Reward{giftCard}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("closed campaign err = %v, want ErrValidation", err)
	}
	e.clock = func() time.Time { return springDay }

	if _, err := gw.Client.ClaimReward(ctx, 1, 2); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := e.Redeem(ctx, jane, []model.Reward{giftCard}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("redeemed reward err = %v, want ErrConflict", err)
	}
}

func TestConcurrentClaimsOneWinner(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()
	giftCard, _ := gw.Client.Rewards.Get(ctx, 1)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, actor := range []auth.Actor{john, jane} {
		wg.Add(1)
		go func(i int, actor auth.Actor) {
			defer wg.Done()
			_, errs[i] = e.Redeem(ctx, actor, []model.Reward{giftCard})
		}(i, actor)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Errorf("wins = %d, conflicts = %d, want 1 and 1", wins, conflicts)
	}

	total := len(redemptions(t, gw.Client, 2)) + len(redemptions(t, gw.Client, 3))
	if total != 1 {
		t.Errorf("debits = %d, want 1", total)
	}
}

// flakyGateway proxies to the real gateway and can break activity appends.
type flakyGateway struct {
	upstream *httputil.ReverseProxy
	// failBefore rejects appends without forwarding them.
	failBefore atomic.Bool
	// failAfter forwards appends but reports failure to the caller.
	failAfter atomic.Bool
	// allow lets that many appends through before failBefore applies.
	allow atomic.Int32
}

func (f *flakyGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == "/activities" {
		if f.failBefore.Load() && f.allow.Add(-1) < 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if f.failAfter.Load() {
			rec := httptest.NewRecorder()
			f.upstream.ServeHTTP(rec, r)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}
	f.upstream.ServeHTTP(w, r)
}

func newFlaky(t *testing.T) (*flakyGateway, *gateway.Client, *testutil.Gateway) {
	t.Helper()
	gw := testutil.NewGateway(t)
	target, err := url.Parse(gw.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	f := &flakyGateway{upstream: httputil.NewSingleHostReverseProxy(target)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, gateway.New(gateway.Config{BaseURL: srv.URL}), gw
}

func TestPartialFailureAndResume(t *testing.T) {
	f, client, gw := newFlaky(t)
	e := newEngine(t, client)
	ctx := context.Background()

	mug := createReward(t, gw.Client, "Mug", 30)
	book := createReward(t, gw.Client, "Book", 40)

	f.failBefore.Store(true)
	receipt, err := e.Redeem(ctx, jane, []model.Reward{mug, book})
	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want PartialError", err)
	}
	if partial.Receipt != receipt {
		t.Error("PartialError should carry the returned receipt")
	}
	if receipt.Items[0].State != ItemFailed || receipt.Items[0].FailedStep != StepDebit {
		t.Errorf("item 0 = %+v, want failed at debit", receipt.Items[0])
	}
	if receipt.Items[1].State != ItemPending {
		t.Errorf("item 1 = %+v, want pending", receipt.Items[1])
	}
	if r, _ := gw.Client.Rewards.Get(ctx, mug.ID); !r.Redeemed() {
		t.Error("first reward should stay claimed")
	}
	if r, _ := gw.Client.Rewards.Get(ctx, book.ID); r.Redeemed() {
		t.Error("second reward must not be touched after the failure")
	}

	f.failBefore.Store(false)
	resumed, err := e.Resume(ctx, jane, receipt.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Complete {
		t.Errorf("receipt = %+v, want complete", resumed)
	}
	acts := redemptions(t, gw.Client, 3)
	if len(acts) != 2 {
		t.Fatalf("debits = %d, want 2", len(acts))
	}
	if bal := ledger.Fold(150, acts); bal != 80 {
		t.Errorf("balance = %d, want 80", bal)
	}

	again, err := e.Resume(ctx, jane, receipt.ID)
	if err != nil || !again.Complete {
		t.Errorf("resume of a complete receipt = %+v, %v", again, err)
	}
	if got := redemptions(t, gw.Client, 3); len(got) != 2 {
		t.Errorf("debits after second resume = %d, want 2", len(got))
	}
}

func TestResumeDoesNotDebitTwice(t *testing.T) {
	f, client, gw := newFlaky(t)
	e := newEngine(t, client)
	ctx := context.Background()
	giftCard, _ := gw.Client.Rewards.Get(ctx, 1)

	// The append lands but its response is lost.
	f.failAfter.Store(true)
	receipt, err := e.Redeem(ctx, jane, []model.Reward{giftCard})
	if err == nil {
		t.Fatal("expected partial failure")
	}
	f.failAfter.Store(false)

	resumed, err := e.Resume(ctx, jane, receipt.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Complete {
		t.Error("expected receipt to complete")
	}
	if got := redemptions(t, gw.Client, 3); len(got) != 1 {
		t.Errorf("debits = %d, want exactly 1", len(got))
	}
}

func TestCheckoutClearsCart(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()

	if err := e.AddToCart(ctx, jane, 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.AddToCart(ctx, jane, 1); err != nil {
		t.Fatalf("add twice: %v", err)
	}
	cart, err := e.Cart(ctx, 3)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	if len(cart.Rewards) != 1 || cart.Total != 100 {
		t.Errorf("cart = %+v, want one reward totalling 100", cart)
	}

	if _, err := e.Checkout(ctx, jane); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	ids, _ := e.Carts().Items(ctx, 3)
	if len(ids) != 0 {
		t.Errorf("cart still holds %v", ids)
	}

	if err := e.AddToCart(ctx, john, 1); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("adding a redeemed reward err = %v, want ErrConflict", err)
	}

	history, err := e.Receipts(ctx, 3)
	if err != nil || len(history) != 1 {
		t.Errorf("receipts = %d, %v, want 1", len(history), err)
	}
}

func TestCheckoutRejectedKeepsCart(t *testing.T) {
	gw := testutil.NewGateway(t)
	e := newEngine(t, gw.Client)
	ctx := context.Background()

	if err := e.AddToCart(ctx, john, 2); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.Checkout(ctx, john); !errors.Is(err, apperr.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	ids, _ := e.Carts().Items(ctx, 2)
	if len(ids) != 1 {
		t.Errorf("cart = %v, want it kept", ids)
	}
}

func TestPartialCheckoutResumeEmptiesCart(t *testing.T) {
	f, client, gw := newFlaky(t)
	e := newEngine(t, client)
	ctx := context.Background()

	mug := createReward(t, gw.Client, "Mug", 30)
	book := createReward(t, gw.Client, "Book", 40)
	for _, id := range []int64{mug.ID, book.ID} {
		if err := e.AddToCart(ctx, jane, id); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}

	// The mug is paid for, the book's debit fails.
	f.allow.Store(1)
	f.failBefore.Store(true)
	receipt, err := e.Checkout(ctx, jane)
	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("err = %v, want PartialError", err)
	}
	if receipt.Items[0].State != ItemDebited || receipt.Items[1].State != ItemFailed {
		t.Fatalf("items = %+v, want debited then failed", receipt.Items)
	}
	ids, _ := e.Carts().Items(ctx, 3)
	if len(ids) != 1 || ids[0] != book.ID {
		t.Errorf("cart after partial checkout = %v, want [%d]", ids, book.ID)
	}

	f.failBefore.Store(false)
	resumed, err := e.Resume(ctx, jane, receipt.ID)
	if err != nil || !resumed.Complete {
		t.Fatalf("resume = %+v, %v", resumed, err)
	}
	ids, _ = e.Carts().Items(ctx, 3)
	if len(ids) != 0 {
		t.Errorf("cart after completed resume = %v, want empty", ids)
	}

	pen := createReward(t, gw.Client, "Pen", 10)
	if err := e.AddToCart(ctx, jane, pen.ID); err != nil {
		t.Fatalf("add pen: %v", err)
	}
	next, err := e.Checkout(ctx, jane)
	if err != nil {
		t.Fatalf("next checkout: %v", err)
	}
	if next.Balance != 70 {
		t.Errorf("balance = %d, want 70", next.Balance)
	}
}
