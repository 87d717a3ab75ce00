// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/aloha-tutor/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	ProfilePath    string
	TranscriptDir  string // Empty disables transcripts
	GRPCHealthPort string
	SystemTheme    domain.Theme // Used when no theme preference is stored
	MaxChars       int
	TypingIdle     time.Duration
	Completion     CompletionConfig
	Channel        ChannelConfig
	Connectivity   ConnectivityConfig
	RateLimit      RateLimitConfig
	SSE            SSEConfig
	Relay          RelayConfig
}

// CompletionConfig configures the generative model backend.
type CompletionConfig struct {
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// ChannelConfig configures the realtime channel client.
type ChannelConfig struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	KeepaliveInterval time.Duration // Zero disables pings
}

// ConnectivityConfig configures the platform connectivity probe.
type ConnectivityConfig struct {
	ProbeAddr string // Empty disables probing
	Interval  time.Duration
	Timeout   time.Duration
}

// RateLimitConfig bounds message submissions.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls the state stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	MaxRequestBodySize int64
	ReplayBuffer       int // events kept for Last-Event-ID resumption
}

// RelayConfig configures the realtime relay server.
type RelayConfig struct {
	Port          string
	AllowedOrigin string
	AutoReadDelay time.Duration // 0 disables the synthetic peer's read receipts
	FramesPerSec  float64
	FrameBurst    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/tutor.db"),
		ProfilePath:    getEnv("PROFILE_PATH", ""),
		TranscriptDir:  getEnv("TRANSCRIPT_DIR", ""),
		GRPCHealthPort: getEnv("GRPC_HEALTH_PORT", ""),
		SystemTheme:    domain.Theme(strings.ToLower(getEnv("PREFERS_COLOR_SCHEME", string(domain.ThemeLight)))),
		MaxChars:       getEnvInt("MAX_MESSAGE_CHARS", 500),
		TypingIdle:     getEnvDuration("TYPING_IDLE", time.Second),
		Completion: CompletionConfig{
			APIKey:         getEnv("GEMINI_API_KEY", ""),
			Model:          getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			RequestTimeout: getEnvDuration("COMPLETION_TIMEOUT", 60*time.Second),
		},
		Channel: ChannelConfig{
			URL:               getEnv("RELAY_URL", "ws://localhost:8081/ws/chat"),
			ReconnectAttempts: getEnvInt("RELAY_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    getEnvDuration("RELAY_RECONNECT_DELAY", time.Second),
			WriteTimeout:      getEnvDuration("RELAY_WRITE_TIMEOUT", 5*time.Second),
			KeepaliveInterval: getEnvDuration("RELAY_PING_INTERVAL", 30*time.Second),
		},
		Connectivity: ConnectivityConfig{
			ProbeAddr: getEnv("CONNECTIVITY_PROBE_ADDR", ""),
			Interval:  getEnvDuration("CONNECTIVITY_INTERVAL", 15*time.Second),
			Timeout:   getEnvDuration("CONNECTIVITY_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
			ReplayBuffer:       getEnvInt("SSE_REPLAY_BUFFER", 100),
		},
		Relay: RelayConfig{
			Port:          getEnv("RELAY_PORT", "8081"),
			AllowedOrigin: getEnv("RELAY_ALLOWED_ORIGIN", "*"),
			AutoReadDelay: getEnvDuration("RELAY_AUTO_READ_DELAY", 1500*time.Millisecond),
			FramesPerSec:  getEnvFloat("RELAY_FRAMES_PER_SEC", 20),
			FrameBurst:    getEnvInt("RELAY_FRAME_BURST", 40),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if !c.SystemTheme.Valid() {
		return fmt.Errorf("PREFERS_COLOR_SCHEME must be light or dark, got %q", c.SystemTheme)
	}
	if c.MaxChars <= 0 {
		return fmt.Errorf("MAX_MESSAGE_CHARS must be > 0")
	}
	if c.TypingIdle <= 0 {
		return fmt.Errorf("TYPING_IDLE must be > 0")
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("GEMINI_MODEL cannot be empty")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("RELAY_URL cannot be empty")
	}
	if c.Channel.ReconnectAttempts < 0 {
		return fmt.Errorf("RELAY_RECONNECT_ATTEMPTS must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.Relay.Port == "" {
		return fmt.Errorf("RELAY_PORT cannot be empty")
	}
	if c.Relay.FramesPerSec <= 0 || c.Relay.FrameBurst <= 0 {
		return fmt.Errorf("RELAY_FRAMES_PER_SEC and RELAY_FRAME_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AIConfigured reports whether a completion credential is present.
func (c *Config) AIConfigured() bool {
	return c.Completion.APIKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("1s") or bare milliseconds ("1000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
