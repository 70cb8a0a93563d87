// Package ledger keeps user balances consistent with the activity log.
//
// The log is authoritative: a balance is the user's base grant plus the sum
// of their activity points. The points field stored on the user record is a
// projection of that sum, rewritten after every append and repaired by
// Reconcile when a write in between failed.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/metrics"
	"github.com/dukerupert/perks/internal/model"
)

// Fold returns base plus the points of every activity.
func Fold(base int, activities []model.Activity) int {
	balance := base
	for _, a := range activities {
		balance += a.Points
	}
	return balance
}

// Adjustment is the outcome of one append to the log.
type Adjustment struct {
	Activity model.Activity `json:"activity"`
	Balance  int            `json:"balance"`
	// ProjectionStale is set when the activity was recorded but the user's
	// points field could not be rewritten.
	ProjectionStale bool `json:"projectionStale,omitempty"`
}

// Statement is a user's balance with the entries it is derived from.
type Statement struct {
	User    model.User       `json:"user"`
	Base    int              `json:"base"`
	Entries []model.Activity `json:"entries"`
	Balance int              `json:"balance"`
}

// Reconciliation reports a projection repair.
type Reconciliation struct {
	UserID     int64 `json:"userId"`
	Projection int   `json:"projection"`
	Balance    int   `json:"balance"`
	Repaired   bool  `json:"repaired"`
}

// Entry is an activity to append by hand.
type Entry struct {
	UserID    int64              `json:"userId"`
	Type      model.ActivityType `json:"type"`
	Points    int                `json:"points"`
	Timestamp time.Time          `json:"timestamp"`
}

type Ledger struct {
	gw      *gateway.Client
	store   *cache.Store
	metrics *metrics.Metrics
	clock   func() time.Time
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New builds a Ledger. m may be nil.
func New(gw *gateway.Client, store *cache.Store, m *metrics.Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{
		gw:      gw,
		store:   store,
		metrics: m,
		clock:   time.Now,
		logger:  logger,
		locks:   make(map[int64]*sync.Mutex),
	}
}

// lock serializes log writes per user so projections are written in the
// order their appends happened.
func (l *Ledger) lock(userID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Ledger) user(ctx context.Context, userID int64) (model.User, error) {
	u, err := l.gw.Users.Get(ctx, userID)
	if err != nil {
		return model.User{}, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u, nil
}

func (l *Ledger) entries(ctx context.Context, userID int64) ([]model.Activity, error) {
	acts, err := l.gw.Activities.Find(ctx, "userId", strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, fmt.Errorf("load activities for user %d: %w", userID, err)
	}
	return acts, nil
}

// Balance derives the current balance of userID from the log.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int, error) {
	st, err := l.Statement(ctx, userID)
	if err != nil {
		return 0, err
	}
	return st.Balance, nil
}

func (l *Ledger) Statement(ctx context.Context, userID int64) (Statement, error) {
	u, err := l.user(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	acts, err := l.entries(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	return Statement{User: u, Base: u.BasePoints, Entries: acts, Balance: Fold(u.BasePoints, acts)}, nil
}

// AdjustPoints applies a signed administrative delta to a user's balance.
// A zero delta is recorded like any other. Balances may go negative.
func (l *Ledger) AdjustPoints(ctx context.Context, actor auth.Actor, userID int64, delta int, reason string) (Adjustment, error) {
	if !actor.IsAdmin() {
		return Adjustment{}, fmt.Errorf("adjust points: %w", apperr.ErrForbidden)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Adjustment{}, apperr.Invalid("reason", "a reason is required")
	}
	if userID <= 0 {
		return Adjustment{}, apperr.Invalid("userId", "user id must be positive")
	}

	adminID := actor.UserID
	adj, err := l.append(ctx, model.Activity{
		UserID:  userID,
		Type:    model.ActivityAdminAdjustment,
		Points:  delta,
		AdminID: &adminID,
		Reason:  reason,
	})
	if err != nil {
		return Adjustment{}, fmt.Errorf("adjust points: %w", err)
	}
	l.metrics.ObserveAdjustment()

	l.logger.Info("points adjusted",
		"user_id", userID,
		"admin_id", adminID,
		"delta", delta,
		"balance", adj.Balance,
		"projection_stale", adj.ProjectionStale,
	)
	return adj, nil
}

// Record appends an earning activity on behalf of an administrator.
func (l *Ledger) Record(ctx context.Context, actor auth.Actor, e Entry) (Adjustment, error) {
	if !actor.IsAdmin() {
		return Adjustment{}, fmt.Errorf("record activity: %w", apperr.ErrForbidden)
	}
	if err := validateEntry(e); err != nil {
		return Adjustment{}, err
	}

	adj, err := l.append(ctx, model.Activity{
		UserID:    e.UserID,
		Type:      e.Type,
		Points:    e.Points,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		return Adjustment{}, fmt.Errorf("record activity: %w", err)
	}
	l.logger.Info("activity recorded", "user_id", e.UserID, "type", e.Type, "points", e.Points)
	return adj, nil
}

// Debit appends the redemption entry for rewardID. The caller has already
// checked the balance and claimed the reward.
func (l *Ledger) Debit(ctx context.Context, userID, rewardID int64, cost int) (Adjustment, error) {
	if cost <= 0 {
		return Adjustment{}, apperr.Invalid("cost", "cost must be positive")
	}
	rid := rewardID
	adj, err := l.append(ctx, model.Activity{
		UserID:   userID,
		Type:     model.ActivityRedemption,
		Points:   -cost,
		RewardID: &rid,
	})
	if err != nil {
		return Adjustment{}, fmt.Errorf("debit reward %d: %w", rewardID, err)
	}
	return adj, nil
}

// HasDebit reports whether the log already holds the redemption entry of
// rewardID for userID.
func (l *Ledger) HasDebit(ctx context.Context, userID, rewardID int64) (bool, error) {
	acts, err := l.gw.Activities.Find(ctx, "rewardId", strconv.FormatInt(rewardID, 10))
	if err != nil {
		return false, fmt.Errorf("find debit for reward %d: %w", rewardID, err)
	}
	for _, a := range acts {
		if a.UserID == userID && a.Type == model.ActivityRedemption {
			return true, nil
		}
	}
	return false, nil
}

func (l *Ledger) append(ctx context.Context, a model.Activity) (Adjustment, error) {
	unlock := l.lock(a.UserID)
	defer unlock()

	u, err := l.user(ctx, a.UserID)
	if err != nil {
		return Adjustment{}, err
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = l.clock()
	}
	created, err := l.gw.Activities.Create(ctx, a)
	if err != nil {
		return Adjustment{}, fmt.Errorf("append activity: %w", err)
	}
	l.store.Activities.Insert(created)

	balance, stale := l.syncProjection(ctx, u)
	return Adjustment{Activity: created, Balance: balance, ProjectionStale: stale}, nil
}

// syncProjection rewrites u's points field from the log. Failures leave the
// projection stale and are reported, not returned.
func (l *Ledger) syncProjection(ctx context.Context, u model.User) (int, bool) {
	acts, err := l.entries(ctx, u.ID)
	if err != nil {
		l.logger.Warn("projection not refreshed", "user_id", u.ID, "error", err)
		return Fold(u.BasePoints, l.cachedEntries(u.ID)), true
	}
	balance := Fold(u.BasePoints, acts)
	if u.Points == balance {
		l.store.Users.Upsert(u)
		return balance, false
	}

	updated, err := l.gw.Users.Patch(ctx, u.ID, map[string]int{"points": balance})
	if err != nil {
		l.logger.Warn("projection not refreshed", "user_id", u.ID, "balance", balance, "error", err)
		return balance, true
	}
	l.store.Users.Upsert(updated)
	return balance, false
}

func (l *Ledger) cachedEntries(userID int64) []model.Activity {
	var out []model.Activity
	for _, a := range l.store.Activities.All() {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// Reconcile rewrites a user's points field when it has drifted from the log.
func (l *Ledger) Reconcile(ctx context.Context, userID int64) (Reconciliation, error) {
	unlock := l.lock(userID)
	defer unlock()

	u, err := l.user(ctx, userID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile: %w", err)
	}
	acts, err := l.entries(ctx, userID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile: %w", err)
	}

	rec := Reconciliation{UserID: userID, Projection: u.Points, Balance: Fold(u.BasePoints, acts)}
	if rec.Projection == rec.Balance {
		return rec, nil
	}

	updated, err := l.gw.Users.Patch(ctx, userID, map[string]int{"points": rec.Balance})
	if err != nil {
		return rec, fmt.Errorf("reconcile: %w", err)
	}
	l.store.Users.Upsert(updated)
	rec.Repaired = true
	l.logger.Info("projection repaired", "user_id", userID, "was", rec.Projection, "balance", rec.Balance)
	return rec, nil
}

// UpdateActivity replaces an earning entry and re-derives the projection of
// every user it touched.
func (l *Ledger) UpdateActivity(ctx context.Context, actor auth.Actor, id int64, e Entry) (model.Activity, error) {
	if !actor.IsAdmin() {
		return model.Activity{}, fmt.Errorf("update activity: %w", apperr.ErrForbidden)
	}
	if err := validateEntry(e); err != nil {
		return model.Activity{}, err
	}

	prev, err := l.gw.Activities.Get(ctx, id)
	if err != nil {
		return model.Activity{}, fmt.Errorf("update activity: %w", err)
	}
	if prev.Type == model.ActivityAdminAdjustment || prev.Type == model.ActivityRedemption {
		return model.Activity{}, apperr.Invalid("type", "%s entries cannot be edited", prev.Type)
	}

	fields := map[string]any{"userId": e.UserID, "type": e.Type, "points": e.Points}
	if !e.Timestamp.IsZero() {
		fields["timestamp"] = e.Timestamp
	}
	updated, err := l.gw.Activities.Patch(ctx, id, fields)
	if err != nil {
		return model.Activity{}, fmt.Errorf("update activity: %w", err)
	}
	l.store.Activities.Upsert(updated)

	l.resync(ctx, prev.UserID)
	if updated.UserID != prev.UserID {
		l.resync(ctx, updated.UserID)
	}
	return updated, nil
}

func (l *Ledger) DeleteActivity(ctx context.Context, actor auth.Actor, id int64) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("delete activity: %w", apperr.ErrForbidden)
	}

	prev, err := l.gw.Activities.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	if err := l.gw.Activities.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	l.store.Activities.Remove(id)
	l.resync(ctx, prev.UserID)
	return nil
}

func (l *Ledger) resync(ctx context.Context, userID int64) {
	unlock := l.lock(userID)
	defer unlock()

	u, err := l.user(ctx, userID)
	if err != nil {
		l.logger.Warn("projection not refreshed", "user_id", userID, "error", err)
		return
	}
	l.syncProjection(ctx, u)
}

func validateEntry(e Entry) error {
	var errs apperr.ValidationErrors
	if e.UserID <= 0 {
		errs.Add("userId", "user is required")
	}
	if !isEarning(e.Type) {
		errs.Add("type", "type must be one of task, login, content, engagement")
	}
	if e.Points <= 0 {
		errs.Add("points", "points must be positive")
	}
	return errs.Err()
}

func isEarning(t model.ActivityType) bool {
	for _, et := range model.EarningTypes {
		if t == et {
			return true
		}
	}
	return false
}
