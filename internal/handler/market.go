package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/campaign"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/redemption"
	"github.com/dukerupert/perks/internal/report"
	"github.com/dukerupert/perks/internal/websocket"
)

// MarketHandler serves the reward catalog, carts and redemptions.
type MarketHandler struct {
	store  *cache.Store
	engine *redemption.Engine
	hub    *websocket.Hub
	clock  func() time.Time
	ttl    time.Duration
	logger *slog.Logger
}

func NewMarketHandler(store *cache.Store, engine *redemption.Engine, hub *websocket.Hub, clock func() time.Time, ttl time.Duration, logger *slog.Logger) *MarketHandler {
	if clock == nil {
		clock = time.Now
	}
	return &MarketHandler{store: store, engine: engine, hub: hub, clock: clock, ttl: ttl, logger: logger}
}

func (h *MarketHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

type rewardsResponse struct {
	Rewards   []model.Reward    `json:"rewards"`
	Campaigns []model.Campaign  `json:"campaigns"`
	Cost      string            `json:"cost"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Rewards lists the rewards of open campaigns, optionally narrowed by
// ?cost=under100|100to200|above200. Load failures are reported inline next
// to the last good data.
func (h *MarketHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	bucket, err := campaign.ParseCostBucket(r.URL.Query().Get("cost"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	now := h.clock()
	campaigns := h.store.Campaigns.All()
	rewards := campaign.ActiveRewards(h.store.Rewards.All(), campaigns, now)

	writeJSON(w, http.StatusOK, rewardsResponse{
		Rewards:   campaign.FilterByCost(rewards, bucket),
		Campaigns: campaign.Active(campaigns, now),
		Cost:      bucket.String(),
		Errors:    loadErrs,
	})
}

func (h *MarketHandler) Cart(w http.ResponseWriter, r *http.Request) {
	cart, err := h.engine.Cart(r.Context(), actor(r).UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

type cartItemRequest struct {
	RewardID int64 `json:"rewardId" validate:"required,gt=0"`
}

func (h *MarketHandler) AddToCart(w http.ResponseWriter, r *http.Request) {
	var req cartItemRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	a := actor(r)
	if err := h.engine.AddToCart(r.Context(), a, req.RewardID); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.Cart(w, r)
}

func (h *MarketHandler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	if err := h.engine.Carts().Remove(r.Context(), actor(r).UserID, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.Cart(w, r)
}

// Checkout redeems the caller's cart. A run that stops part way answers
// with the error status and the receipt so the client can resume it.
func (h *MarketHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	receipt, err := h.engine.Checkout(r.Context(), a)
	h.announce(receipt)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (h *MarketHandler) Receipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.engine.Receipt(r.Context(), actor(r), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *MarketHandler) Resume(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	receipt, err := h.engine.Resume(r.Context(), a, r.PathValue("id"))
	h.announce(receipt)
	if err != nil {
		var partial *redemption.PartialError
		if receipt != nil && !errors.As(err, &partial) {
			// Rejected before any step ran: show where the receipt stands.
			writeError(w, h.logger, &redemption.PartialError{Receipt: receipt, Err: err})
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type historyResponse struct {
	Rewards  []model.Reward        `json:"rewards"`
	Receipts []*redemption.Receipt `json:"receipts"`
}

// History lists the rewards redeemed by ?user= (admins) or the caller, and
// the receipts of their checkouts.
func (h *MarketHandler) History(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	userID := a.UserID
	if s := r.URL.Query().Get("user"); s != "" && a.IsAdmin() {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user"})
			return
		}
		userID = id
	}

	loadErrors(r.Context(), h.store, h.ttl)
	receipts, err := h.engine.Receipts(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if receipts == nil {
		receipts = []*redemption.Receipt{}
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Rewards:  report.RedemptionHistory(h.store.Rewards.All(), userID),
		Receipts: receipts,
	})
}

func (h *MarketHandler) announce(receipt *redemption.Receipt) {
	if receipt == nil {
		return
	}
	h.broadcast(receiptMessage(receipt))
}

// receiptMessage tells the receipt's owner how their redemption stands,
// whoever ran it.
func receiptMessage(receipt *redemption.Receipt) websocket.Message {
	action := "partial"
	if receipt.Complete {
		action = "completed"
	}
	return websocket.NewMessage("redemption", action, 0, map[string]any{
		"receiptId": receipt.ID,
		"balance":   receipt.Balance,
	}).ForUser(receipt.UserID)
}
