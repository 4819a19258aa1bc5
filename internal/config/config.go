// Package config loads relay configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the relay configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	WSPath      string

	// Logging
	LogLevel  string
	LogFormat string

	// Websocket
	AllowedOrigins []string // empty allows any origin
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Rate limiting (per connection). Events over the limit are delayed,
	// never dropped; EventsPerSecond <= 0 disables the limiter.
	EventsPerSecond float64
	EventBurst      int

	// Auth (optional; when set, joins require a room token)
	JWTSecret string
}

// Load reads an optional env file, then configuration from the environment.
// Variables already set in the environment take precedence over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		ListenAddr:      envOr("LISTEN_ADDR", ":3000"),
		MetricsAddr:     envOr("METRICS_ADDR", ":9090"),
		WSPath:          envOr("WS_PATH", "/ws"),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		AllowedOrigins:  envList("ALLOWED_ORIGINS"),
		SendBuffer:      envInt("SEND_BUFFER", 64),
		MaxMessageSize:  envInt64("MAX_MESSAGE_SIZE", 8*1024*1024),
		PingInterval:    envDuration("PING_INTERVAL", 25*time.Second),
		ReadTimeout:     envDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:    envDuration("WRITE_TIMEOUT", 10*time.Second),
		EventsPerSecond: envFloat("EVENTS_PER_SECOND", 50),
		EventBurst:      envInt("EVENT_BURST", 200),
		JWTSecret:       envOr("JWT_SECRET", ""),
	}

	if cfg.SendBuffer <= 0 {
		return nil, fmt.Errorf("SEND_BUFFER must be positive")
	}
	if cfg.EventsPerSecond > 0 && cfg.EventBurst < 1 {
		return nil, fmt.Errorf("EVENT_BURST must be at least 1 when EVENTS_PER_SECOND is set")
	}
	if cfg.PingInterval >= cfg.ReadTimeout {
		return nil, fmt.Errorf("PING_INTERVAL (%s) must be shorter than READ_TIMEOUT (%s)", cfg.PingInterval, cfg.ReadTimeout)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
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

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
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

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
