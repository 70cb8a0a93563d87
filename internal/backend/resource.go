package backend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// resource exposes one SQL store as a REST collection.
type resource[T any] struct {
	name   string
	list   func() ([]T, error)
	get    func(id int64) (*T, error)
	create func(T) (*T, error)
	update func(T) (*T, error)
	delete func(id int64) (bool, error)
	// validate runs on the merged entity before create and update.
	validate func(T) error
	// created is applied to a decoded body before insert.
	created func(*T)
	logger  *slog.Logger
}

func register[T any](mux *http.ServeMux, res *resource[T]) {
	mux.HandleFunc("GET /"+res.name, res.handleList)
	mux.HandleFunc("POST /"+res.name, res.handleCreate)
	mux.HandleFunc("GET /"+res.name+"/{id}", res.handleGet)
	mux.HandleFunc("PATCH /"+res.name+"/{id}", res.handlePatch)
	mux.HandleFunc("PUT /"+res.name+"/{id}", res.handlePatch)
	mux.HandleFunc("DELETE /"+res.name+"/{id}", res.handleDelete)
}

func (res *resource[T]) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := res.list()
	if err != nil {
		res.logger.Error("list failed", "collection", res.name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list " + res.name})
		return
	}

	filtered, err := filterItems(items, r.URL.Query())
	if err != nil {
		res.logger.Error("filter failed", "collection", res.name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to filter " + res.name})
		return
	}
	writeJSON(w, http.StatusOK, filtered)
}

func (res *resource[T]) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	item, err := res.get(id)
	if err != nil {
		res.logger.Error("get failed", "collection", res.name, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get " + res.name})
		return
	}
	if item == nil {
		res.notFound(w, id)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (res *resource[T]) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body T
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if res.created != nil {
		res.created(&body)
	}
	if res.validate != nil {
		if err := res.validate(body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	item, err := res.create(body)
	if err != nil {
		res.writeStoreError(w, "create", err)
		return
	}
	res.emit("created", entityID(item))
	writeJSON(w, http.StatusCreated, item)
}

// handlePatch merges the fields present in the body onto the stored entity.
// The id in the path always wins over one in the body.
func (res *resource[T]) handlePatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	delete(fields, "id")

	existing, err := res.get(id)
	if err != nil {
		res.logger.Error("get failed", "collection", res.name, "id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get " + res.name})
		return
	}
	if existing == nil {
		res.notFound(w, id)
		return
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	merged := *existing
	if err := json.Unmarshal(patch, &merged); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid field: " + err.Error()})
		return
	}
	if res.validate != nil {
		if err := res.validate(merged); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	item, err := res.update(merged)
	if err != nil {
		res.writeStoreError(w, "update", err)
		return
	}
	res.emit("updated", id)
	writeJSON(w, http.StatusOK, item)
}

func (res *resource[T]) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}

	ok, err := res.delete(id)
	if err != nil {
		res.writeStoreError(w, "delete", err)
		return
	}
	if !ok {
		res.notFound(w, id)
		return
	}
	res.emit("deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (res *resource[T]) notFound(w http.ResponseWriter, id int64) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("%s %d not found", res.name, id)})
}

func (res *resource[T]) writeStoreError(w http.ResponseWriter, op string, err error) {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate " + res.name + " entry"})
		return
	}
	res.logger.Error(op+" failed", "collection", res.name, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to " + op + " " + res.name})
}

func (res *resource[T]) emit(action string, id int64) {
	res.logger.Debug("collection changed", "collection", res.name, "action", action, "id", id)
}

// filterItems keeps the items whose JSON fields equal every query value,
// compared in their printed form.
func filterItems[T any](items []T, query url.Values) ([]T, error) {
	out := make([]T, 0, len(items))
	if len(query) == 0 {
		return append(out, items...), nil
	}

	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshal item: %w", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("unmarshal item: %w", err)
		}
		if matches(fields, query) {
			out = append(out, item)
		}
	}
	return out, nil
}

func matches(fields map[string]any, query url.Values) bool {
	for key, want := range query {
		got, ok := fields[key]
		if !ok || got == nil {
			return false
		}
		printed := fmt.Sprint(got)
		found := false
		for _, w := range want {
			if printed == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func entityID(item any) int64 {
	if e, ok := item.(interface{ EntityID() int64 }); ok {
		return e.EntityID()
	}
	return 0
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
