package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/perks/internal/model"
)

type RewardStore struct {
	db *sql.DB
}

func NewRewardStore(db *sql.DB) *RewardStore {
	return &RewardStore{db: db}
}

func scanReward(scanner interface{ Scan(...any) error }) (*model.Reward, error) {
	var r model.Reward
	var redeemedBy sql.NullInt64
	var redeemedAt sql.NullTime

	err := scanner.Scan(&r.ID, &r.Name, &r.Description, &r.Cost, &r.Image, &r.CampaignID,
		&redeemedBy, &redeemedAt, &r.Status, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	if redeemedBy.Valid {
		r.RedeemedBy = &redeemedBy.Int64
	}
	if redeemedAt.Valid {
		r.RedeemedAt = &redeemedAt.Time
	}
	return &r, nil
}

const rewardCols = `id, name, description, cost, image, campaign_id, redeemed_by, redeemed_at, status, created_at`

func (s *RewardStore) Create(r model.Reward) (*model.Reward, error) {
	status := model.RewardAvailable
	if r.RedeemedBy != nil {
		status = model.RewardRedeemed
	}
	result, err := s.db.Exec(
		`INSERT INTO rewards (name, description, cost, image, campaign_id, redeemed_by, redeemed_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Description, r.Cost, r.Image, r.CampaignID, r.RedeemedBy, r.RedeemedAt, status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reward: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *RewardStore) GetByID(id int64) (*model.Reward, error) {
	row := s.db.QueryRow(`SELECT `+rewardCols+` FROM rewards WHERE id = ?`, id)
	r, err := scanReward(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reward: %w", err)
	}
	return r, nil
}

// List returns all rewards in id order.
func (s *RewardStore) List() ([]model.Reward, error) {
	rows, err := s.db.Query(`SELECT ` + rewardCols + ` FROM rewards ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	var rewards []model.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reward: %w", err)
		}
		rewards = append(rewards, *r)
	}
	return rewards, rows.Err()
}

// Update writes the catalog columns of r. Redemption columns are only
// changed through Claim.
func (s *RewardStore) Update(r model.Reward) (*model.Reward, error) {
	_, err := s.db.Exec(
		`UPDATE rewards SET name = ?, description = ?, cost = ?, image = ?, campaign_id = ? WHERE id = ?`,
		r.Name, r.Description, r.Cost, r.Image, r.CampaignID, r.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update reward: %w", err)
	}
	return s.GetByID(r.ID)
}

// Claim sets redeemed_by only if the reward is still unredeemed. It reports
// false when the reward is missing or another user already holds it.
func (s *RewardStore) Claim(id, userID int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE rewards SET redeemed_by = ?, redeemed_at = ?, status = ?
		 WHERE id = ? AND redeemed_by IS NULL`,
		userID, at.UTC(), model.RewardRedeemed, id,
	)
	if err != nil {
		return false, fmt.Errorf("claim reward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *RewardStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM rewards WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete reward: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
