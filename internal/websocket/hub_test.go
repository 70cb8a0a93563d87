package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, userID int64, admin bool) *Client {
	return &Client{
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		admin:  admin,
	}
}

func receive(t *testing.T, c *Client) (Message, bool) {
	t.Helper()
	select {
	case data := <-c.send:
		var got Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got, true
	case <-time.After(100 * time.Millisecond):
		return Message{}, false
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(testLogger())

	c1 := mockClient(hub, 2, false)
	c2 := mockClient(hub, 3, false)
	hub.Register(c1)
	hub.Register(c2)
	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	hub.Unregister(c2)
}

func TestBroadcastChange(t *testing.T) {
	hub := NewHub(testLogger())
	c1 := mockClient(hub, 2, false)
	c2 := mockClient(hub, 1, true)
	hub.Register(c1)
	hub.Register(c2)

	hub.OnChange(cache.Change{Collection: "rewards", Action: "updated", ID: 42})

	for _, c := range []*Client{c1, c2} {
		got, ok := receive(t, c)
		if !ok {
			t.Fatal("timeout waiting for message")
		}
		if got.Type != "rewards_updated" || got.ID != 42 {
			t.Errorf("message = %+v, want rewards_updated 42", got)
		}
	}
}

func TestBroadcastAudience(t *testing.T) {
	hub := NewHub(testLogger())
	owner := mockClient(hub, 2, false)
	other := mockClient(hub, 3, false)
	admin := mockClient(hub, 1, true)
	for _, c := range []*Client{owner, other, admin} {
		hub.Register(c)
	}

	hub.Broadcast(NewMessage("redemption", "completed", 0, map[string]any{"receiptId": "r1"}).ForUser(2))

	if _, ok := receive(t, owner); !ok {
		t.Error("owner should receive the message")
	}
	if _, ok := receive(t, admin); !ok {
		t.Error("admin should receive the message")
	}
	if msg, ok := receive(t, other); ok {
		t.Errorf("other user received %+v", msg)
	}
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(testLogger())
	c := mockClient(hub, 2, false)
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.Broadcast(NewMessage("test", "fill", int64(i), nil))
	}
	// Dropped, not blocked.
	hub.Broadcast(NewMessage("test", "dropped", 999, nil))

	if got := len(c.send); got != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, got)
	}
	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c := mockClient(hub, id, false)
			hub.Register(c)
			hub.Broadcast(NewMessage("test", "concurrent", 0, nil))
			hub.Unregister(c)
		}(int64(i))
	}
	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub(testLogger())
	handler := HandleWebSocket(hub, nil, testLogger())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithActor(r.Context(), auth.Actor{UserID: 2, Role: model.RoleUser})
		handler(w, r.WithContext(ctx))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	hub.OnChange(cache.Change{Collection: "users", Action: "loaded"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "users_loaded" {
		t.Errorf("type = %q, want users_loaded", got.Type)
	}
}

func TestHandleWebSocketRequiresActor(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleWebSocket(NewHub(testLogger()), nil, testLogger()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
