package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/perks/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	err := scanner.Scan(&u.ID, &u.Name, &u.Username, &u.Password, &u.Role, &u.Points, &u.BasePoints, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userCols = `id, name, username, password, role, points, base_points, created_at`

// Create inserts u. Points defaults to the base grant when unset.
func (s *UserStore) Create(u model.User) (*model.User, error) {
	if u.Role == "" {
		u.Role = model.RoleUser
	}
	if u.Points == 0 {
		u.Points = u.BasePoints
	}
	result, err := s.db.Exec(
		`INSERT INTO users (name, username, password, role, points, base_points) VALUES (?, ?, ?, ?, ?, ?)`,
		u.Name, u.Username, u.Password, u.Role, u.Points, u.BasePoints,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// List returns all users in id order.
func (s *UserStore) List() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT ` + userCols + ` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// Update writes every mutable column of u.
func (s *UserStore) Update(u model.User) (*model.User, error) {
	_, err := s.db.Exec(
		`UPDATE users SET name = ?, username = ?, password = ?, role = ?, points = ?, base_points = ? WHERE id = ?`,
		u.Name, u.Username, u.Password, u.Role, u.Points, u.BasePoints, u.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return s.GetByID(u.ID)
}

// Delete removes the user and reports whether a row existed.
func (s *UserStore) Delete(id int64) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
