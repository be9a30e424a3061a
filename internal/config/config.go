// Package config loads server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores all parameters for the signaling server and the pion peers.
type Config struct {
	ListenAddr  string
	Environment string
	JWTSecret   string

	Redis RedisConfig

	// STUNServers are handed to every PeerConnection the process creates.
	STUNServers []string

	// CallTTL bounds how long an abandoned signaling document may live in
	// the store before the backend is allowed to expire it.
	CallTTL time.Duration
}

// RedisConfig holds connection parameters for the Redis-backed stores.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from environment variables, falling back to
// development defaults.
func Load() *Config {
	stun := strings.Split(getEnv("STUN_SERVERS",
		"stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"), ",")

	ttl := 24 * time.Hour
	if raw := os.Getenv("CALL_TTL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			ttl = d
		}
	}

	db := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			db = n
		}
	}

	return &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		JWTSecret:   getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       db,
		},
		STUNServers: stun,
		CallTTL:     ttl,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
