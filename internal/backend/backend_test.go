package backend

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/dukerupert/perks/internal/database"
	"github.com/dukerupert/perks/internal/model"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	srv := httptest.NewServer(New(db, slog.New(slog.NewTextHandler(io.Discard, nil))).Router())
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestListWithFilter(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/users?username=jane", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	users := decode[[]model.User](t, resp)
	if len(users) != 1 || users[0].Name != "Jane Smith" {
		t.Errorf("users = %+v, want only Jane", users)
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/users?username=nobody", nil)
	if got := decode[[]model.User](t, resp); len(got) != 0 {
		t.Errorf("expected empty list, got %d", len(got))
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/rewards?campaignId=1", nil)
	if got := decode[[]model.Reward](t, resp); len(got) != 2 {
		t.Errorf("expected 2 rewards in campaign 1, got %d", len(got))
	}
}

func TestGetUnknownID(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/campaigns/99", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPatchMergesPresentFields(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPatch, srv.URL+"/users/2", map[string]any{"points": 75, "id": 9})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	u := decode[model.User](t, resp)
	if u.ID != 2 {
		t.Errorf("id = %d, want path id 2", u.ID)
	}
	if u.Points != 75 {
		t.Errorf("points = %d, want 75", u.Points)
	}
	if u.Name != "John Doe" || u.BasePoints != 100 {
		t.Errorf("unpatched fields changed: %+v", u)
	}
}

func TestCreateActivityAndDelete(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/activities", map[string]any{
		"userId": 2, "type": "task", "points": 10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	a := decode[model.Activity](t, resp)
	if a.ID == 0 || a.Timestamp.IsZero() {
		t.Errorf("activity = %+v, want id and timestamp assigned", a)
	}

	resp = doJSON(t, http.MethodDelete, srv.URL+"/activities/"+strconv.FormatInt(a.ID, 10), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, srv.URL+"/activities/"+strconv.FormatInt(a.ID, 10), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateValidation(t *testing.T) {
	srv := setupServer(t)

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"adjustment without admin", "/activities", map[string]any{"userId": 2, "type": "admin_adjustment", "points": 5}},
		{"unknown type", "/activities", map[string]any{"userId": 2, "type": "bonus", "points": 5}},
		{"campaign ends before start", "/campaigns", map[string]any{
			"name": "Bad", "startDate": "2025-05-01T00:00:00Z", "endDate": "2025-04-01T00:00:00Z",
		}},
		{"reward without cost", "/rewards", map[string]any{"name": "Free", "campaignId": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+tt.path, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestDuplicateUsername(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/users", map[string]any{"name": "J", "username": "john"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRedeemReward(t *testing.T) {
	srv := setupServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/rewards/1/redeem", map[string]any{"userId": 3})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	r := decode[model.Reward](t, resp)
	if r.RedeemedBy == nil || *r.RedeemedBy != 3 || r.Status != model.RewardRedeemed {
		t.Errorf("reward = %+v, want redeemed by 3", r)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/rewards/1/redeem", map[string]any{"userId": 2})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second redeem status = %d, want 409", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/rewards/42/redeem", map[string]any{"userId": 2})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing reward status = %d, want 404", resp.StatusCode)
	}
}

func TestRedeemRace(t *testing.T) {
	srv := setupServer(t)

	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := range statuses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{"userId": i + 2})
			resp, err := http.Post(srv.URL+"/rewards/2/redeem", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Errorf("redeem: %v", err)
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != 1 {
		t.Errorf("statuses = %v, want one 200 and one 409", statuses)
	}
}
