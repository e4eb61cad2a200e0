// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	Admission   AdmissionConfig
	Live        LiveConfig
	Providers   ProviderConfig
}

// AdmissionConfig controls connection quotas.
type AdmissionConfig struct {
	Enabled              bool
	MaxPerClient         int
	MaxGlobal            int
	MaxRequestsPerMinute int
}

// LiveConfig controls upstream live sessions.
type LiveConfig struct {
	BridgeURL         string
	SessionID         string
	ConnectTimeout    time.Duration
	ReconnectCooldown time.Duration
	StatisticInterval time.Duration
}

// ProviderConfig controls moderation and response backends.
type ProviderConfig struct {
	OpenAIKey       string
	OpenAIBaseURL   string
	ModerationModel string
	ChatModel       string
	OllamaHost      string
	OllamaModel     string
	Timeout         time.Duration
	SystemPrompt    string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8081"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/liverelay.db"),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		Admission: AdmissionConfig{
			Enabled:              getEnvBool("ENABLE_RATE_LIMIT", false),
			MaxPerClient:         getEnvInt("MAX_CONNECTIONS_PER_CLIENT", 10),
			MaxGlobal:            getEnvInt("MAX_GLOBAL_CONNECTIONS", 500),
			MaxRequestsPerMinute: getEnvInt("MAX_REQUESTS_PER_MINUTE", 5),
		},
		Live: LiveConfig{
			BridgeURL:         getEnv("LIVE_BRIDGE_URL", "ws://localhost:8090/live"),
			SessionID:         getEnv("LIVE_SESSION_ID", getEnv("SESSIONID", "")),
			ConnectTimeout:    getEnvDuration("CONNECT_TIMEOUT", 15*time.Second),
			ReconnectCooldown: getEnvDuration("RECONNECT_COOLDOWN", 30*time.Second),
			StatisticInterval: getEnvDuration("STATISTIC_INTERVAL", 2*time.Second),
		},
		Providers: ProviderConfig{
			OpenAIKey:       getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			ModerationModel: getEnv("OPENAI_MODERATION_MODEL", "text-moderation-latest"),
			ChatModel:       getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
			OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
			OllamaModel:     getEnv("OLLAMA_MODEL", "llama3"),
			Timeout:         getEnvDuration("PROVIDER_TIMEOUT", 20*time.Second),
			SystemPrompt:    getEnv("RESPONSE_SYSTEM_PROMPT", ""),
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
	if c.Live.BridgeURL == "" {
		return fmt.Errorf("LIVE_BRIDGE_URL cannot be empty")
	}
	if c.Admission.MaxPerClient <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_CLIENT must be > 0")
	}
	if c.Admission.MaxGlobal <= 0 {
		return fmt.Errorf("MAX_GLOBAL_CONNECTIONS must be > 0")
	}
	if c.Admission.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("MAX_REQUESTS_PER_MINUTE must be >= 0")
	}
	if c.Live.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0")
	}
	if c.Live.StatisticInterval <= 0 {
		return fmt.Errorf("STATISTIC_INTERVAL must be > 0")
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
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

// getEnvDuration accepts Go durations ("15s") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
