// Package handler holds the JSON API handlers of the application server.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/perks/internal/apperr"
	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/model"
	"github.com/dukerupert/perks/internal/redemption"
)

func parseIDParam(r *http.Request) (int64, error) {
	idStr := r.PathValue("id")
	return strconv.ParseInt(idStr, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code. Validation failures list the
// offending fields and partial redemptions carry their receipt.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}

	var many apperr.ValidationErrors
	var one *apperr.ValidationError
	switch {
	case errors.As(err, &many):
		body["fields"] = fieldMessages(many)
	case errors.As(err, &one):
		body["fields"] = fieldMessages(apperr.ValidationErrors{one})
	}

	var partial *redemption.PartialError
	if errors.As(err, &partial) {
		body["receipt"] = partial.Receipt
	}

	switch {
	case status == http.StatusInternalServerError:
		logger.Error("request failed", "error", err)
		body["error"] = "internal error"
	case status == http.StatusBadGateway:
		logger.Warn("gateway request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func fieldMessages(errs apperr.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, e := range errs {
		if e.Field == "" {
			continue
		}
		if _, ok := out[e.Field]; !ok {
			out[e.Field] = e.Message
		}
	}
	return out
}

func badID(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
}

// actor returns the authenticated caller. Routes behind RequireAuth always
// have one.
func actor(r *http.Request) auth.Actor {
	a, _ := auth.FromContext(r.Context())
	return a
}

// publicUser strips the stored password before a user leaves the server.
func publicUser(u model.User) model.User {
	u.Password = ""
	return u
}

func publicUsers(users []model.User) []model.User {
	out := make([]model.User, len(users))
	for i, u := range users {
		out[i] = publicUser(u)
	}
	return out
}
