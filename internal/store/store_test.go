package store

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/database"
	"github.com/dukerupert/perks/internal/model"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSeedData(t *testing.T) {
	db := setupTestDB(t)

	users, err := NewUserStore(db).List()
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 seeded users, got %d", len(users))
	}
	if users[0].Role != model.RoleAdmin {
		t.Errorf("users[0].Role = %q, want admin", users[0].Role)
	}
	if users[2].Username != "jane" || users[2].Points != 150 || users[2].BasePoints != 150 {
		t.Errorf("users[2] = %+v, want jane with 150 points", users[2])
	}
	for i, want := range []string{"admin", "password", "password"} {
		if !auth.CheckPassword(users[i].Password, want) {
			t.Errorf("seeded %s does not hold a bcrypt hash of %q", users[i].Username, want)
		}
	}

	campaigns, err := NewCampaignStore(db).List()
	if err != nil {
		t.Fatalf("list campaigns: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(campaigns))
	}
	wantStart := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if !campaigns[0].StartDate.Equal(wantStart) {
		t.Errorf("start = %v, want %v", campaigns[0].StartDate, wantStart)
	}

	rewards, err := NewRewardStore(db).List()
	if err != nil {
		t.Fatalf("list rewards: %v", err)
	}
	if len(rewards) != 2 {
		t.Fatalf("expected 2 rewards, got %d", len(rewards))
	}
	if rewards[0].Status != model.RewardAvailable || rewards[0].RedeemedBy != nil {
		t.Errorf("rewards[0] = %+v, want available", rewards[0])
	}
}

func TestUserCRUD(t *testing.T) {
	s := NewUserStore(setupTestDB(t))

	u, err := s.Create(model.User{Name: "Sam", Username: "sam", Password: "hash", BasePoints: 40})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Role != model.RoleUser {
		t.Errorf("role = %q, want user", u.Role)
	}
	if u.Points != 40 {
		t.Errorf("points = %d, want base grant 40", u.Points)
	}

	u.Points = -5
	updated, err := s.Update(*u)
	if err != nil {
		t.Fatalf("update user: %v", err)
	}
	if updated.Points != -5 {
		t.Errorf("points = %d, want -5", updated.Points)
	}

	ok, err := s.Delete(u.ID)
	if err != nil || !ok {
		t.Fatalf("delete user = %v, %v", ok, err)
	}
	got, err := s.GetByID(u.ID)
	if err != nil {
		t.Fatalf("get deleted user: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
	if ok, _ := s.Delete(u.ID); ok {
		t.Error("second delete should report no row")
	}
}

func TestUsernameUnique(t *testing.T) {
	s := NewUserStore(setupTestDB(t))
	if _, err := s.Create(model.User{Name: "Other John", Username: "john"}); err == nil {
		t.Error("expected duplicate username to fail")
	}
}

func TestRewardClaimIsConditional(t *testing.T) {
	s := NewRewardStore(setupTestDB(t))
	at := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	ok, err := s.Claim(1, 2, at)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = s.Claim(1, 3, at)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Error("second claim should lose")
	}

	r, err := s.GetByID(1)
	if err != nil {
		t.Fatalf("get reward: %v", err)
	}
	if r.RedeemedBy == nil || *r.RedeemedBy != 2 {
		t.Errorf("redeemedBy = %v, want 2", r.RedeemedBy)
	}
	if r.Status != model.RewardRedeemed {
		t.Errorf("status = %q, want redeemed", r.Status)
	}
	if r.RedeemedAt == nil || !r.RedeemedAt.Equal(at) {
		t.Errorf("redeemedAt = %v, want %v", r.RedeemedAt, at)
	}

	if ok, _ := s.Claim(99, 2, at); ok {
		t.Error("claiming a missing reward should fail")
	}
}

func TestRewardClaimConcurrent(t *testing.T) {
	s := NewRewardStore(setupTestDB(t))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := int64(1); i <= 8; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			ok, err := s.Claim(2, userID, time.Now())
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestRewardUpdateKeepsRedemption(t *testing.T) {
	s := NewRewardStore(setupTestDB(t))
	if _, err := s.Claim(1, 2, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	r, _ := s.GetByID(1)
	r.Cost = 120
	r.RedeemedBy = nil
	updated, err := s.Update(*r)
	if err != nil {
		t.Fatalf("update reward: %v", err)
	}
	if updated.Cost != 120 {
		t.Errorf("cost = %d, want 120", updated.Cost)
	}
	if updated.RedeemedBy == nil {
		t.Error("update must not clear redeemedBy")
	}
}

func TestActivityLog(t *testing.T) {
	s := NewActivityStore(setupTestDB(t))
	admin := int64(1)
	reward := int64(2)

	adj, err := s.Create(model.Activity{
		UserID: 3, Type: model.ActivityAdminAdjustment, Points: -20, AdminID: &admin, Reason: "correction",
	})
	if err != nil {
		t.Fatalf("create adjustment: %v", err)
	}
	if adj.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped")
	}
	if adj.AdminID == nil || *adj.AdminID != 1 || adj.Reason != "correction" {
		t.Errorf("adjustment = %+v", adj)
	}

	red, err := s.Create(model.Activity{UserID: 3, Type: model.ActivityRedemption, Points: -200, RewardID: &reward})
	if err != nil {
		t.Fatalf("create redemption: %v", err)
	}
	if red.AdminID != nil || red.RewardID == nil || *red.RewardID != 2 {
		t.Errorf("redemption = %+v", red)
	}

	red.Points = -150
	if _, err := s.Update(*red); err != nil {
		t.Fatalf("update activity: %v", err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[1].Points != -150 {
		t.Errorf("log = %+v", all)
	}

	if ok, err := s.Delete(adj.ID); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	all, _ = s.List()
	if len(all) != 1 {
		t.Errorf("expected 1 entry after delete, got %d", len(all))
	}
}

func TestCampaignCRUD(t *testing.T) {
	s := NewCampaignStore(setupTestDB(t))
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	c, err := s.Create(model.Campaign{Name: "Summer", Description: "Hot deals", StartDate: start, EndDate: start.AddDate(0, 3, 0)})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	if !c.StartDate.Equal(start) {
		t.Errorf("start = %v, want %v", c.StartDate, start)
	}

	c.Name = "Summer Sale"
	updated, err := s.Update(*c)
	if err != nil {
		t.Fatalf("update campaign: %v", err)
	}
	if updated.Name != "Summer Sale" {
		t.Errorf("name = %q, want %q", updated.Name, "Summer Sale")
	}
	if ok, err := s.Delete(c.ID); err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
}
