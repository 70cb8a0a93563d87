// Package backend serves the SQLite stores as the REST persistence gateway
// the application talks to.
package backend

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/perks/internal/middleware"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/store"
)

type Server struct {
	users      *store.UserStore
	rewards    *store.RewardStore
	campaigns  *store.CampaignStore
	activities *store.ActivityStore
	clock      func() time.Time
	logger     *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Server {
	return &Server{
		users:      store.NewUserStore(db),
		rewards:    store.NewRewardStore(db),
		campaigns:  store.NewCampaignStore(db),
		activities: store.NewActivityStore(db),
		clock:      time.Now,
		logger:     logger,
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	register(mux, &resource[model.User]{
		name: "users", list: s.users.List, get: s.users.GetByID,
		create: s.users.Create, update: s.users.Update, delete: s.users.Delete,
		validate: validateUser, logger: s.logger,
	})
	register(mux, &resource[model.Reward]{
		name: "rewards", list: s.rewards.List, get: s.rewards.GetByID,
		create: s.rewards.Create, update: s.rewards.Update, delete: s.rewards.Delete,
		validate: validateReward, logger: s.logger,
	})
	register(mux, &resource[model.Campaign]{
		name: "campaigns", list: s.campaigns.List, get: s.campaigns.GetByID,
		create: s.campaigns.Create, update: s.campaigns.Update, delete: s.campaigns.Delete,
		validate: validateCampaign, logger: s.logger,
	})
	register(mux, &resource[model.Activity]{
		name: "activities", list: s.activities.List, get: s.activities.GetByID,
		create: s.activities.Create, update: s.activities.Update, delete: s.activities.Delete,
		validate: validateActivity, logger: s.logger,
		created: func(a *model.Activity) {
			if a.Timestamp.IsZero() {
				a.Timestamp = s.clock()
			}
		},
	})

	mux.HandleFunc("POST /rewards/{id}/redeem", s.redeemReward)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return middleware.RequestLogger(s.logger.With("component", "http"))(mux)
}

// redeemReward is the conditional claim: it succeeds only while the reward
// has no holder, so of two concurrent claims exactly one wins.
func (s *Server) redeemReward(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var req struct {
		UserID int64 `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userId is required"})
		return
	}

	ok, err := s.rewards.Claim(id, req.UserID, s.clock())
	if err != nil {
		s.logger.Error("claim failed", "reward_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to claim reward"})
		return
	}

	reward, err := s.rewards.GetByID(id)
	if err != nil {
		s.logger.Error("get reward failed", "reward_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get reward"})
		return
	}
	if reward == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reward not found"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "reward already redeemed"})
		return
	}

	s.logger.Info("reward claimed", "reward_id", id, "user_id", req.UserID)
	writeJSON(w, http.StatusOK, reward)
}

func validateUser(u model.User) error {
	if strings.TrimSpace(u.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if u.Role != "" && !u.Role.Valid() {
		return errors.New("invalid role")
	}
	return nil
}

func validateReward(r model.Reward) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if r.Cost <= 0 {
		return errors.New("cost must be positive")
	}
	return nil
}

func validateCampaign(c model.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if !c.EndDate.After(c.StartDate) {
		return errors.New("endDate must be after startDate")
	}
	return nil
}

func validateActivity(a model.Activity) error {
	if a.UserID <= 0 {
		return errors.New("userId is required")
	}
	if !a.Type.Valid() {
		return errors.New("invalid activity type")
	}
	if (a.Type == model.ActivityAdminAdjustment) != (a.AdminID != nil) {
		return errors.New("adminId must be set exactly on admin_adjustment entries")
	}
	return nil
}
