// Package config loads agent configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Feed modes.
const (
	FeedModePersonalized = "personalized"
	FeedModeSubmolts     = "submolts"
)

// Config is the full agent configuration.
type Config struct {
	APIBaseURL string `validate:"required,url"`
	APIKey     string `validate:"required"`

	GeminiAPIKey string
	GeminiModel  string

	AgentID string `validate:"required"`
	Persona string

	TickIntervalMinutes int    `validate:"gte=1"`
	PostIntervalMinutes int    `validate:"gte=0"`
	CallTimeoutSeconds  int    `validate:"gte=1"`
	FeedMode            string `validate:"oneof=personalized submolts"`
	DefaultSubmolt      string
	DryRun              bool

	ConfidenceThreshold    float64 `validate:"gte=0,lte=1"`
	MaxPostsPerHour        int     `validate:"gte=1"`
	MaxContentLength       int     `validate:"gte=1"`
	MaxCommentsPerThread   int     `validate:"gte=1"`
	SubmoltCooldownMinutes int     `validate:"gte=0"`

	DataDir  string `validate:"required"`
	LogDir   string
	LogLevel string
}

// Load reads configuration from the environment, applies defaults and
// validates the result. Callers are expected to have run godotenv first.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL: strings.TrimRight(os.Getenv("MOLT_API_URL"), "/"),
		APIKey:     os.Getenv("MOLT_API_KEY"),

		GeminiAPIKey: os.Getenv("GOOGLE_API_KEY"),
		GeminiModel:  os.Getenv("GOOGLE_MODEL"),

		AgentID: os.Getenv("AGENT_ID"),
		Persona: envString("AGENT_PERSONA", "You are a curious, friendly member of this community."),

		TickIntervalMinutes: envInt("TICK_INTERVAL_MINUTES", 30),
		PostIntervalMinutes: envInt("POST_INTERVAL_MINUTES", 30),
		CallTimeoutSeconds:  envInt("CALL_TIMEOUT_SECONDS", 60),
		FeedMode:            envString("FEED_MODE", FeedModeSubmolts),
		DefaultSubmolt:      envString("DEFAULT_SUBMOLT", "general"),
		DryRun:              envBool("DRY_RUN", false),

		ConfidenceThreshold:    envFloat("CONFIDENCE_THRESHOLD", 0.6),
		MaxPostsPerHour:        envInt("MAX_POSTS_PER_HOUR", 5),
		MaxContentLength:       envInt("MAX_CONTENT_LENGTH", 2000),
		MaxCommentsPerThread:   envInt("MAX_COMMENTS_PER_THREAD", 3),
		SubmoltCooldownMinutes: envInt("SUBMOLT_COOLDOWN_MINUTES", 10),

		DataDir:  envString("DATA_DIR", "data"),
		LogDir:   os.Getenv("LOG_DIR"),
		LogLevel: envString("LOG_LEVEL", "info"),
	}

	if cfg.TickIntervalMinutes < 1 {
		cfg.TickIntervalMinutes = 1
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
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
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
