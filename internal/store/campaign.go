package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/perks/internal/model"
)

type CampaignStore struct {
	db *sql.DB
}

func NewCampaignStore(db *sql.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

func scanCampaign(scanner interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	err := scanner.Scan(&c.ID, &c.Name, &c.Description, &c.StartDate, &c.EndDate, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const campaignCols = `id, name, description, start_date, end_date, created_at`

func (s *CampaignStore) Create(c model.Campaign) (*model.Campaign, error) {
	result, err := s.db.Exec(
		`INSERT INTO campaigns (name, description, start_date, end_date) VALUES (?, ?, ?, ?)`,
		c.Name, c.Description, c.StartDate.UTC(), c.EndDate.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert campaign: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *CampaignStore) GetByID(id int64) (*model.Campaign, error) {
	row := s.db.QueryRow(`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *CampaignStore) List() ([]model.Campaign, error) {
	rows, err := s.db.Query(`SELECT ` + campaignCols + ` FROM campaigns ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func (s *CampaignStore) Update(c model.Campaign) (*model.Campaign, error) {
	_, err := s.db.Exec(
		`UPDATE campaigns SET name = ?, description = ?, start_date = ?, end_date = ? WHERE id = ?`,
		c.Name, c.Description, c.StartDate.UTC(), c.EndDate.UTC(), c.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return s.GetByID(c.ID)
}

func (s *CampaignStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete campaign: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
