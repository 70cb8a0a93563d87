package auth

import (
	"context"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/model"
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// UserFinder looks users up by field equality.
type UserFinder interface {
	Find(ctx context.Context, field, value string) ([]model.User, error)
}

// Authenticate resolves username and password to a user. Unknown users and
// wrong passwords both return ErrUnauthorized.
func Authenticate(ctx context.Context, users UserFinder, username, password string) (model.User, error) {
	found, err := users.Find(ctx, "username", username)
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	for _, u := range found {
		if u.Username != username {
			continue
		}
		if CheckPassword(u.Password, password) {
			return u, nil
		}
		break
	}
	return model.User{}, apperr.ErrUnauthorized
}
