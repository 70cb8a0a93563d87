package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/middleware"
)

type AuthHandler struct {
	users  auth.UserFinder
	tokens *auth.Tokens
	logger *slog.Logger
}

func NewAuthHandler(users auth.UserFinder, tokens *auth.Tokens, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, logger: logger}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	user, err := auth.Authenticate(r.Context(), h.users, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			h.logger.Info("login rejected", "username", req.Username, "remote", middleware.RealIP(r))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid username or password"})
			return
		}
		writeError(w, h.logger, err)
		return
	}

	token, err := h.tokens.Issue(auth.Actor{UserID: user.ID, Role: user.Role})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.tokens.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})

	h.logger.Info("login", "user_id", user.ID, "role", user.Role)
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  publicUser(user),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.TokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}
