package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is a points holder. Points is the balance projection stored on the
// gateway; the authoritative balance is BasePoints plus the user's activities.
type User struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Username   string    `json:"username"`
	Password   string    `json:"password,omitempty"`
	Role       Role      `json:"role"`
	Points     int       `json:"points"`
	BasePoints int       `json:"basePoints"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (u User) EntityID() int64 { return u.ID }

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }
