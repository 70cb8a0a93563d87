package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/feed"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/report"
)

// AccountHandler serves the caller's balance, activity feed and the
// leaderboard.
type AccountHandler struct {
	ledger *ledger.Ledger
	store  *cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewAccountHandler(l *ledger.Ledger, store *cache.Store, ttl time.Duration, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{ledger: l, store: store, ttl: ttl, logger: logger}
}

type meResponse struct {
	User    model.User       `json:"user"`
	Balance int              `json:"balance"`
	Entries []model.Activity `json:"entries"`
}

// Me returns the caller's derived balance and visible log entries.
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	st, err := h.ledger.Statement(r.Context(), a.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries, err := feed.View(st.Entries, a, a.UserID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:    publicUser(st.User),
		Balance: st.Balance,
		Entries: entries,
	})
}

type activitiesResponse struct {
	Activities []model.Activity  `json:"activities"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Activities returns the feed of ?user=, defaulting to the caller.
func (h *AccountHandler) Activities(w http.ResponseWriter, r *http.Request) {
	var target int64
	if s := r.URL.Query().Get("user"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user"})
			return
		}
		target = id
	}

	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	acts, err := feed.View(h.store.Activities.All(), actor(r), target)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, activitiesResponse{Activities: acts, Errors: loadErrs})
}

type leaderboardResponse struct {
	Standings []report.Standing `json:"standings"`
	Errors    map[string]string `json:"errors,omitempty"`
}

func (h *AccountHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	users := h.store.Users.All()
	standings := report.Leaderboard(users, balances(users, h.store.Activities.All()))
	writeJSON(w, http.StatusOK, leaderboardResponse{Standings: standings, Errors: loadErrs})
}

// loadErrors refreshes stale collections and reports the ones whose last
// load failed. Their cached data is still served.
func loadErrors(ctx context.Context, store *cache.Store, ttl time.Duration) map[string]string {
	if err := store.EnsureFresh(ctx, ttl); err == nil {
		return nil
	}
	out := make(map[string]string)
	for name, st := range store.Statuses() {
		if st.State == cache.StateFailed {
			out[name] = st.Error
		}
	}
	return out
}

// balances folds the cached log into a derived balance per user.
func balances(users []model.User, activities []model.Activity) map[int64]int {
	byUser := make(map[int64][]model.Activity)
	for _, a := range activities {
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}
	out := make(map[int64]int, len(users))
	for _, u := range users {
		out[u.ID] = ledger.Fold(u.BasePoints, byUser[u.ID])
	}
	return out
}
