package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/handler"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/metrics"
	"github.com/dukerupert/perks/internal/middleware"
	"github.com/dukerupert/perks/internal/redemption"
	ws "github.com/dukerupert/perks/internal/websocket"
)

// Config wires the application server to its collaborators.
type Config struct {
	Gateway  *gateway.Client
	Store    *cache.Store
	Ledger   *ledger.Ledger
	Engine   *redemption.Engine
	Hub      *ws.Hub
	Tokens   *auth.Tokens
	Metrics  *metrics.Metrics
	Clock    func() time.Time
	CacheTTL time.Duration
	// LoginRate is the sustained logins per second allowed per client IP.
	LoginRate  float64
	LoginBurst int
	// OriginPatterns are the extra websocket origins accepted besides the
	// server's own host.
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	cfg         Config
	authH       *handler.AuthHandler
	accountH    *handler.AccountHandler
	marketH     *handler.MarketHandler
	adminH      *handler.AdminHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if cfg.LoginRate <= 0 {
		cfg.LoginRate = 1
	}
	if cfg.LoginBurst <= 0 {
		cfg.LoginBurst = 10
	}
	return &Server{
		cfg:         cfg,
		authH:       handler.NewAuthHandler(cfg.Gateway.Users, cfg.Tokens, logger.With("component", "auth")),
		accountH:    handler.NewAccountHandler(cfg.Ledger, cfg.Store, cfg.CacheTTL, logger.With("component", "account")),
		marketH:     handler.NewMarketHandler(cfg.Store, cfg.Engine, cfg.Hub, cfg.Clock, cfg.CacheTTL, logger.With("component", "market")),
		adminH:      handler.NewAdminHandler(cfg.Gateway, cfg.Store, cfg.Ledger, cfg.Hub, cfg.CacheTTL, logger.With("component", "admin")),
		rateLimiter: middleware.NewRateLimiter(cfg.LoginRate, cfg.LoginBurst),
		logger:      logger,
	}
}

// RateLimiter returns the login rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes (no auth required)
	mux.Handle("POST /api/login", s.rateLimited(http.HandlerFunc(s.authH.Login)))
	mux.HandleFunc("POST /api/logout", s.authH.Logout)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())

	s.registerProtectedRoutes(mux)
	s.registerAdminRoutes(mux)

	// Metrics sit inside the logger so the matched route pattern is visible.
	h := middleware.Metrics(s.cfg.Metrics)(mux)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	collections := s.cfg.Store.Statuses()
	for _, st := range collections {
		if st.State == cache.StateFailed {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": status, "collections": collections})
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireAuth(s.cfg.Tokens)(h)
	}

	mux.Handle("GET /api/me", protected(s.accountH.Me))
	mux.Handle("GET /api/activities", protected(s.accountH.Activities))
	mux.Handle("GET /api/leaderboard", protected(s.accountH.Leaderboard))

	// Marketplace
	mux.Handle("GET /api/rewards", protected(s.marketH.Rewards))
	mux.Handle("GET /api/cart", protected(s.marketH.Cart))
	mux.Handle("POST /api/cart/items", protected(s.marketH.AddToCart))
	mux.Handle("DELETE /api/cart/items/{id}", protected(s.marketH.RemoveFromCart))
	mux.Handle("POST /api/cart/redeem", protected(s.marketH.Checkout))
	mux.Handle("GET /api/redemptions/history", protected(s.marketH.History))
	mux.Handle("GET /api/redemptions/{id}", protected(s.marketH.Receipt))
	mux.Handle("POST /api/redemptions/{id}/resume", protected(s.marketH.Resume))

	// WebSocket
	mux.Handle("GET /ws", protected(ws.HandleWebSocket(s.cfg.Hub, s.cfg.OriginPatterns, s.logger.With("component", "websocket"))))
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.RequireAuth(s.cfg.Tokens)(middleware.RequireAdmin(h))
	}

	mux.Handle("GET /api/admin/users", admin(s.adminH.ListUsers))
	mux.Handle("POST /api/admin/users", admin(s.adminH.CreateUser))
	mux.Handle("GET /api/admin/users/{id}", admin(s.adminH.GetUser))
	mux.Handle("PATCH /api/admin/users/{id}", admin(s.adminH.UpdateUser))
	mux.Handle("DELETE /api/admin/users/{id}", admin(s.adminH.DeleteUser))
	mux.Handle("POST /api/admin/users/{id}/adjust", admin(s.adminH.AdjustPoints))
	mux.Handle("POST /api/admin/users/{id}/reconcile", admin(s.adminH.Reconcile))

	mux.Handle("GET /api/admin/rewards", admin(s.adminH.ListRewards))
	mux.Handle("POST /api/admin/rewards", admin(s.adminH.CreateReward))
	mux.Handle("PUT /api/admin/rewards/{id}", admin(s.adminH.UpdateReward))
	mux.Handle("DELETE /api/admin/rewards/{id}", admin(s.adminH.DeleteReward))

	mux.Handle("GET /api/admin/campaigns", admin(s.adminH.ListCampaigns))
	mux.Handle("POST /api/admin/campaigns", admin(s.adminH.CreateCampaign))
	mux.Handle("PUT /api/admin/campaigns/{id}", admin(s.adminH.UpdateCampaign))
	mux.Handle("DELETE /api/admin/campaigns/{id}", admin(s.adminH.DeleteCampaign))

	mux.Handle("POST /api/admin/activities", admin(s.adminH.CreateActivity))
	mux.Handle("PUT /api/admin/activities/{id}", admin(s.adminH.UpdateActivity))
	mux.Handle("DELETE /api/admin/activities/{id}", admin(s.adminH.DeleteActivity))

	mux.Handle("GET /api/admin/stats", admin(s.adminH.Stats))
	mux.Handle("POST /api/admin/refresh", admin(s.adminH.Refresh))
}
