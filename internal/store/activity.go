package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/perks/internal/model"
)

type ActivityStore struct {
	db *sql.DB
}

func NewActivityStore(db *sql.DB) *ActivityStore {
	return &ActivityStore{db: db}
}

func scanActivity(scanner interface{ Scan(...any) error }) (*model.Activity, error) {
	var a model.Activity
	var adminID, rewardID sql.NullInt64

	err := scanner.Scan(&a.ID, &a.UserID, &a.Type, &a.Points, &a.Timestamp, &adminID, &rewardID, &a.Reason)
	if err != nil {
		return nil, err
	}

	if adminID.Valid {
		a.AdminID = &adminID.Int64
	}
	if rewardID.Valid {
		a.RewardID = &rewardID.Int64
	}
	return &a, nil
}

const activityCols = `id, user_id, type, points, timestamp, admin_id, reward_id, reason`

// Create appends a to the log, stamping the current time when a carries none.
func (s *ActivityStore) Create(a model.Activity) (*model.Activity, error) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	result, err := s.db.Exec(
		`INSERT INTO activities (user_id, type, points, timestamp, admin_id, reward_id, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Type, a.Points, a.Timestamp.UTC(), a.AdminID, a.RewardID, a.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ActivityStore) GetByID(id int64) (*model.Activity, error) {
	row := s.db.QueryRow(`SELECT `+activityCols+` FROM activities WHERE id = ?`, id)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	return a, nil
}

// List returns the whole log in append order.
func (s *ActivityStore) List() ([]model.Activity, error) {
	rows, err := s.db.Query(`SELECT ` + activityCols + ` FROM activities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var activities []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

func (s *ActivityStore) Update(a model.Activity) (*model.Activity, error) {
	_, err := s.db.Exec(
		`UPDATE activities SET user_id = ?, type = ?, points = ?, timestamp = ?, admin_id = ?, reward_id = ?, reason = ?
		 WHERE id = ?`,
		a.UserID, a.Type, a.Points, a.Timestamp.UTC(), a.AdminID, a.RewardID, a.Reason, a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update activity: %w", err)
	}
	return s.GetByID(a.ID)
}

func (s *ActivityStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM activities WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete activity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
