// Package config collects every environment knob the server reads.
// A .env file in the working directory is honored via godotenv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Port   int
	AppEnv string

	// StoreBackend selects where rooms live: memory, postgres or redis.
	StoreBackend string
	DatabaseURL  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AllowedOrigins feeds both the CORS middleware and the websocket
	// accept check. "*" allows everything.
	AllowedOrigins []string

	// MessageRateLimit caps client messages per connection within
	// MessageRateWindow.
	MessageRateLimit  int
	MessageRateWindow time.Duration

	// RoomRetention is how long an untouched room survives the
	// retention sweep; FinishedRoomRetention applies once a game is
	// over.
	RoomRetention         time.Duration
	FinishedRoomRetention time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:                  envInt("PORT", 8080),
		AppEnv:                envString("APP_ENV", "development"),
		StoreBackend:          envString("STORE_BACKEND", BackendMemory),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             envString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               envInt("REDIS_DB", 0),
		AllowedOrigins:        envList("ALLOWED_ORIGINS", []string{"*"}),
		MessageRateLimit:      envInt("MESSAGE_RATE_LIMIT", 20),
		MessageRateWindow:     envDuration("MESSAGE_RATE_WINDOW", 10*time.Second),
		RoomRetention:         envDuration("ROOM_RETENTION", 24*time.Hour),
		FinishedRoomRetention: envDuration("FINISHED_ROOM_RETENTION", time.Hour),
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
