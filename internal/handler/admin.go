package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/campaign"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/report"
	"github.com/dukerupert/perks/internal/websocket"
)

// AdminHandler serves the administrator endpoints. Every write goes to the
// gateway first and is mirrored into the Domain Store once confirmed.
type AdminHandler struct {
	gw     *gateway.Client
	store  *cache.Store
	ledger *ledger.Ledger
	hub    *websocket.Hub
	ttl    time.Duration
	logger *slog.Logger
}

func NewAdminHandler(gw *gateway.Client, store *cache.Store, l *ledger.Ledger, hub *websocket.Hub, ttl time.Duration, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{gw: gw, store: store, ledger: l, hub: hub, ttl: ttl, logger: logger}
}

func (h *AdminHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

// Users

type createUserRequest struct {
	Name       string     `json:"name" validate:"required"`
	Username   string     `json:"username" validate:"required,min=3,max=32"`
	Password   string     `json:"password" validate:"required,min=6"`
	Role       model.Role `json:"role" validate:"omitempty,oneof=user admin"`
	BasePoints int        `json:"basePoints" validate:"gte=0"`
}

type updateUserRequest struct {
	Name     *string     `json:"name" validate:"omitempty,min=1"`
	Username *string     `json:"username" validate:"omitempty,min=3,max=32"`
	Password *string     `json:"password" validate:"omitempty,min=6"`
	Role     *model.Role `json:"role" validate:"omitempty,oneof=user admin"`
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	users := h.store.Users.All()
	bal := balances(users, h.store.Activities.All())

	type row struct {
		model.User
		Balance int `json:"balance"`
	}
	rows := make([]row, 0, len(users))
	for _, u := range users {
		rows = append(rows, row{User: publicUser(u), Balance: bal[u.ID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": rows, "errors": loadErrs})
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	st, err := h.ledger.Statement(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	st.User = publicUser(st.User)
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	user, err := h.gw.Users.Create(r.Context(), model.User{
		Name:       strings.TrimSpace(req.Name),
		Username:   strings.TrimSpace(req.Username),
		Password:   hash,
		Role:       req.Role,
		Points:     req.BasePoints,
		BasePoints: req.BasePoints,
	})
	if err != nil {
		writeError(w, h.logger, usernameTaken(err))
		return
	}
	h.store.Users.Insert(user)
	h.logger.Info("user created", "user_id", user.ID, "admin_id", actor(r).UserID)
	writeJSON(w, http.StatusCreated, publicUser(user))
}

func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req updateUserRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	fields := make(map[string]any)
	if req.Name != nil {
		fields["name"] = strings.TrimSpace(*req.Name)
	}
	if req.Username != nil {
		fields["username"] = strings.TrimSpace(*req.Username)
	}
	if req.Role != nil {
		fields["role"] = *req.Role
	}
	if req.Password != nil {
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		fields["password"] = hash
	}
	if len(fields) == 0 {
		writeError(w, h.logger, apperr.Invalid("", "no fields to update"))
		return
	}

	user, err := h.gw.Users.Patch(r.Context(), id, fields)
	if err != nil {
		writeError(w, h.logger, usernameTaken(err))
		return
	}
	h.store.Users.Upsert(user)
	writeJSON(w, http.StatusOK, publicUser(user))
}

func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	if id == actor(r).UserID {
		writeError(w, h.logger, apperr.Invalid("id", "cannot delete yourself"))
		return
	}
	if err := h.gw.Users.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Users.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// usernameTaken turns the gateway's unique-constraint conflict into a field
// error.
func usernameTaken(err error) error {
	if errors.Is(err, apperr.ErrConflict) {
		return apperr.Invalid("username", "username is already taken")
	}
	return err
}

type adjustRequest struct {
	Delta  *int   `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// AdjustPoints applies a signed administrative adjustment to a user's
// balance.
func (h *AdminHandler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req adjustRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	adj, err := h.ledger.AdjustPoints(r.Context(), actor(r), id, *req.Delta, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.broadcast(websocket.NewMessage("points", "adjusted", id, map[string]any{
		"balance": adj.Balance,
	}).ForUser(id))
	writeJSON(w, http.StatusOK, adj)
}

func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	rec, err := h.ledger.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Rewards

type rewardRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description" validate:"required"`
	Cost        int    `json:"cost" validate:"gt=0"`
	Image       string `json:"image" validate:"omitempty,url"`
	CampaignID  int64  `json:"campaignId" validate:"required,gt=0"`
}

func (h *AdminHandler) ListRewards(w http.ResponseWriter, r *http.Request) {
	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	writeJSON(w, http.StatusOK, map[string]any{"rewards": h.store.Rewards.All(), "errors": loadErrs})
}

func (h *AdminHandler) CreateReward(w http.ResponseWriter, r *http.Request) {
	var req rewardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.checkCampaign(r, req.CampaignID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	reward, err := h.gw.Rewards.Create(r.Context(), model.Reward{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Cost:        req.Cost,
		Image:       req.Image,
		CampaignID:  req.CampaignID,
		Status:      model.RewardAvailable,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Rewards.Insert(reward)
	writeJSON(w, http.StatusCreated, reward)
}

// UpdateReward replaces the catalog fields of a reward. Redemption state is
// only ever set by a claim.
func (h *AdminHandler) UpdateReward(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req rewardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.checkCampaign(r, req.CampaignID); err != nil {
		writeError(w, h.logger, err)
		return
	}

	reward, err := h.gw.Rewards.Patch(r.Context(), id, map[string]any{
		"name":        strings.TrimSpace(req.Name),
		"description": req.Description,
		"cost":        req.Cost,
		"image":       req.Image,
		"campaignId":  req.CampaignID,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Rewards.Upsert(reward)
	writeJSON(w, http.StatusOK, reward)
}

func (h *AdminHandler) DeleteReward(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	if err := h.gw.Rewards.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Rewards.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) checkCampaign(r *http.Request, id int64) error {
	_, err := h.gw.Campaigns.Get(r.Context(), id)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Invalid("campaignId", "campaign %d does not exist", id)
	}
	return err
}

// Campaigns

type campaignRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
}

func (req campaignRequest) campaign() model.Campaign {
	return model.Campaign{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}
}

func (h *AdminHandler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	writeJSON(w, http.StatusOK, map[string]any{"campaigns": h.store.Campaigns.All(), "errors": loadErrs})
}

func (h *AdminHandler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	c := req.campaign()
	if err := campaign.Validate(c); err != nil {
		writeError(w, h.logger, err)
		return
	}

	created, err := h.gw.Campaigns.Create(r.Context(), c)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Campaigns.Insert(created)
	writeJSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req campaignRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	c := req.campaign()
	if err := campaign.Validate(c); err != nil {
		writeError(w, h.logger, err)
		return
	}

	updated, err := h.gw.Campaigns.Patch(r.Context(), id, map[string]any{
		"name":        c.Name,
		"description": c.Description,
		"startDate":   c.StartDate,
		"endDate":     c.EndDate,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Campaigns.Upsert(updated)
	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	if err := h.gw.Campaigns.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.store.Campaigns.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

// Activities

type activityRequest struct {
	UserID    int64              `json:"userId" validate:"required,gt=0"`
	Type      model.ActivityType `json:"type" validate:"required,oneof=task login content engagement"`
	Points    int                `json:"points" validate:"gt=0"`
	Timestamp time.Time          `json:"timestamp"`
}

func (req activityRequest) entry() ledger.Entry {
	return ledger.Entry{UserID: req.UserID, Type: req.Type, Points: req.Points, Timestamp: req.Timestamp}
}

func (h *AdminHandler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	adj, err := h.ledger.Record(r.Context(), actor(r), req.entry())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.broadcast(websocket.NewMessage("points", "earned", req.UserID, map[string]any{
		"balance": adj.Balance,
	}).ForUser(req.UserID))
	writeJSON(w, http.StatusCreated, adj)
}

func (h *AdminHandler) UpdateActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req activityRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	updated, err := h.ledger.UpdateActivity(r.Context(), actor(r), id, req.entry())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *AdminHandler) DeleteActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	if err := h.ledger.DeleteActivity(r.Context(), actor(r), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reports

// Stats summarizes points and redemptions. Points are the derived balances,
// not the stored projections.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	loadErrs := loadErrors(r.Context(), h.store, h.ttl)
	users := h.store.Users.All()
	bal := balances(users, h.store.Activities.All())
	for i := range users {
		users[i].Points = bal[users[i].ID]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":  report.Compute(users, h.store.Rewards.All()),
		"errors": loadErrs,
	})
}

// Refresh reloads every collection from the gateway and reports the result
// per collection.
func (h *AdminHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	err := h.store.RefreshAll(r.Context())
	statuses := h.store.Statuses()
	if err != nil {
		h.logger.Warn("refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":       fmt.Sprintf("refresh: %v", err),
			"collections": statuses,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": statuses})
}
