package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds settings for both the application server and the reference
// gateway. Each binary reads the fields it needs.
type Config struct {
	Port       string
	LogLevel   string
	LogFormat  string
	GatewayURL string
	// GatewayTimeout of zero means gateway calls never time out.
	GatewayTimeout  time.Duration
	CacheTTL        time.Duration
	RefreshInterval time.Duration
	JWTSecret       string
	TokenTTL        time.Duration
	RedisAddr       string
	LoginRate       float64
	LoginBurst      int
	// AllowedOrigins are extra websocket origin patterns, comma separated
	// in PERKS_ALLOWED_ORIGINS.
	AllowedOrigins []string

	DBPort string
	DBPath string
}

// Load reads an optional .env file and then the environment.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env", "error", err)
	}

	return Config{
		Port:            getenv("PERKS_PORT", "8080"),
		LogLevel:        getenv("PERKS_LOG_LEVEL", "info"),
		LogFormat:       getenv("PERKS_LOG_FORMAT", "text"),
		GatewayURL:      getenv("PERKS_GATEWAY_URL", "http://localhost:3001"),
		GatewayTimeout:  getenvDuration("PERKS_GATEWAY_TIMEOUT", 0),
		CacheTTL:        getenvDuration("PERKS_CACHE_TTL", 30*time.Second),
		RefreshInterval: getenvDuration("PERKS_REFRESH_INTERVAL", time.Minute),
		JWTSecret:       getenv("PERKS_JWT_SECRET", "dev-secret"),
		TokenTTL:        getenvDuration("PERKS_TOKEN_TTL", 12*time.Hour),
		RedisAddr:       os.Getenv("PERKS_REDIS_ADDR"),
		LoginRate:       getenvFloat("PERKS_LOGIN_RATE", 1),
		LoginBurst:      getenvInt("PERKS_LOGIN_BURST", 10),
		AllowedOrigins:  getenvList("PERKS_ALLOWED_ORIGINS"),
		DBPort:          getenv("PERKS_DB_PORT", "3001"),
		DBPath:          getenv("PERKS_DB_PATH", "perks.db"),
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
