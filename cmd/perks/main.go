package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/perks/internal/auth"
	"github.com/dukerupert/perks/internal/cache"
	"github.com/dukerupert/perks/internal/config"
	"github.com/dukerupert/perks/internal/gateway"
	"github.com/dukerupert/perks/internal/ledger"
	"github.com/dukerupert/perks/internal/logging"
	"github.com/dukerupert/perks/internal/metrics"
	"github.com/dukerupert/perks/internal/redemption"
	"github.com/dukerupert/perks/internal/server"
	ws "github.com/dukerupert/perks/internal/websocket"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	m := metrics.New()
	gw := gateway.New(gateway.Config{
		BaseURL:   cfg.GatewayURL,
		Timeout:   cfg.GatewayTimeout,
		Transport: m.InstrumentTransport(http.DefaultTransport),
	})

	hub := ws.NewHub(logger.With("component", "websocket"))
	store := cache.New(gw)
	store.OnChange(hub.OnChange)
	store.OnLoad(func(name string, err error) {
		m.ObserveCacheLoad(name, err)
		if err != nil {
			logger.Warn("collection load failed", "collection", name, "error", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.RefreshAll(ctx); err != nil {
		// Stale-but-available: start anyway and retry on the refresh loop.
		logger.Error("initial load", "error", err)
	}
	cancel()

	ledgerSvc := ledger.New(gw, store, m, logger.With("component", "ledger"))

	engineCfg := redemption.Config{
		Gateway: gw,
		Ledger:  ledgerSvc,
		Store:   store,
		Metrics: m,
		Logger:  logger.With("component", "redemption"),
	}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		engineCfg.Carts = redemption.NewRedisCarts(rdb)
		engineCfg.Receipts = redemption.NewRedisReceipts(rdb)
		logger.Info("using redis for carts and receipts", "addr", cfg.RedisAddr)
	}
	engine := redemption.New(engineCfg)

	srv := server.New(server.Config{
		Gateway:        gw,
		Store:          store,
		Ledger:         ledgerSvc,
		Engine:         engine,
		Hub:            hub,
		Tokens:         auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		Metrics:        m,
		CacheTTL:       cfg.CacheTTL,
		LoginRate:      cfg.LoginRate,
		LoginBurst:     cfg.LoginBurst,
		OriginPatterns: cfg.AllowedOrigins,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background refresh and cleanup goroutine
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := store.RefreshAll(bgCtx); err != nil {
					logger.Warn("background refresh", "error", err)
				}
				srv.RateLimiter().Cleanup(time.Hour)
			case <-bgCtx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("perks starting", "addr", ":"+cfg.Port, "gateway", cfg.GatewayURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	bgCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if rdb != nil {
		rdb.Close()
	}
}
