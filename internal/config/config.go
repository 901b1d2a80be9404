// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultTrigger     = "@satyvm acc"
	DefaultMonthlyCap  = 60
	DefaultSessionCap  = 5
	DefaultMaxSubjects = 3
	DefaultDataDir     = "./data"
)

// Config holds everything a session needs. Values come from the process
// environment; a .env file in the working directory is merged in first
// without overriding variables already set.
type Config struct {
	BearerToken string
	UserID      string
	Trigger     string

	MonthlyCallCap int
	SessionCallCap int
	MaxSubjects    int

	DeepAnalysis bool
	TestMode     bool
	DebugMode    bool

	// TrustValidation checks subjects against the community trust list
	// during analysis. The list is fetched over plain HTTP and cached, so
	// it never consumes API credits.
	TrustValidation bool
	// TrustListURL overrides the list source; empty means the default.
	TrustListURL string

	DataDir string
}

// Load reads the environment and validates the result. In test mode the
// credentials are not required since no network calls are made.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", slog.Any("error", err))
	}

	cfg := &Config{
		BearerToken:     getEnvString("BEARER_TOKEN", ""),
		UserID:          getEnvString("USER_ID", ""),
		Trigger:         getEnvString("MENTION_TRIGGER", DefaultTrigger),
		MonthlyCallCap:  getEnvInt("MONTHLY_CALL_CAP", DefaultMonthlyCap),
		SessionCallCap:  getEnvInt("SESSION_CALL_CAP", DefaultSessionCap),
		MaxSubjects:     getEnvInt("MAX_SUBJECTS_PER_SESSION", DefaultMaxSubjects),
		DeepAnalysis:    getEnvBool("DEEP_ANALYSIS", false),
		TestMode:        getEnvBool("TEST_MODE", false),
		DebugMode:       getEnvBool("DEBUG_MODE", false),
		TrustValidation: getEnvBool("TRUST_VALIDATION", false),
		TrustListURL:    getEnvString("TRUST_LIST_URL", ""),
		DataDir:         getEnvString("DATA_DIR", DefaultDataDir),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !c.TestMode {
		if c.BearerToken == "" {
			return fmt.Errorf("BEARER_TOKEN is required")
		}
		if c.UserID == "" {
			return fmt.Errorf("USER_ID is required")
		}
	}
	if c.MonthlyCallCap <= 0 {
		return fmt.Errorf("MONTHLY_CALL_CAP must be positive, got %d", c.MonthlyCallCap)
	}
	if c.SessionCallCap <= 0 {
		return fmt.Errorf("SESSION_CALL_CAP must be positive, got %d", c.SessionCallCap)
	}
	if c.MaxSubjects <= 0 {
		return fmt.Errorf("MAX_SUBJECTS_PER_SESSION must be positive, got %d", c.MaxSubjects)
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid integer in environment, using default",
			slog.String("key", key), slog.String("value", v), slog.Int("default", fallback))
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("invalid boolean in environment, using default",
			slog.String("key", key), slog.String("value", v))
		return fallback
	}
	return b
}
