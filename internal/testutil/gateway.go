// Package testutil runs the reference persistence gateway in-process.
package testutil

import (
	"database/sql"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/perks/internal/backend"
	"github.com/dukerupert/perks/internal/database"
	"github.com/dukerupert/perks/internal/gateway"
)

type Gateway struct {
	URL    string
	DB     *sql.DB
	Client *gateway.Client
}

// NewGateway starts a seeded gateway backed by an in-memory database. It is
// shut down when the test ends.
func NewGateway(t testing.TB) *Gateway {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	srv := httptest.NewServer(backend.New(db, DiscardLogger()).Router())
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})

	return &Gateway{
		URL:    srv.URL,
		DB:     db,
		Client: gateway.New(gateway.Config{BaseURL: srv.URL}),
	}
}

func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
