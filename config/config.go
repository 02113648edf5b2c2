package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	Relay  RelayConfig
	Room   RoomConfig
}

// ServerConfig holds HTTP server settings for the relay daemon.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// RedisConfig holds Redis connection settings for the optional session store.
// An empty Addr disables Redis and falls back to the in-memory store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RelayConfig holds relay session timing.
type RelayConfig struct {
	HeartbeatInterval time.Duration // keep-alive frame interval per socket
	TeardownGrace     time.Duration // delay between port loss and socket close
}

// RoomConfig holds room-server defaults handed to tabs.
type RoomConfig struct {
	DefaultURL string // ws(s) URL of the room server, used when a CONNECT omits one
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8090"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Relay: RelayConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL_SEC", 30) * time.Second,
			TeardownGrace:     getEnvDuration("TEARDOWN_GRACE_MS", 500) * time.Millisecond,
		},
		Room: RoomConfig{
			DefaultURL: getEnv("DEFAULT_ROOM_URL", "ws://localhost:8080/ws"),
		},
	}
	return cfg, nil
}

// Origins returns the allowed CORS origins as a slice.
func (c ServerConfig) Origins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvDuration(key string, fallback int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n)
		}
	}
	return time.Duration(fallback)
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
