package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSessionSecret is only suitable for local development. Cookies are
// marked Secure whenever a different secret is configured.
const DefaultSessionSecret = "change-me-in-production"

type Config struct {
	// Server settings
	ServerPort string
	ServerHost string

	// Database settings
	DatabaseURL         string
	DatabaseMaxOpen     int
	DatabaseMaxIdle     int
	DatabaseConnMaxIdle time.Duration
	SessionSecret       string
	SessionTTL          time.Duration

	// Google OAuth settings
	GoogleClientID     string
	// GoogleClientSecret enables the fast-path code exchange. Google codes are
	// single-use, so the webhook then receives a spent code and must work from
	// the forwarded email instead of exchanging the code itself.
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Workflow settings
	WorkflowWebhookURL string
	WorkflowTimeout    time.Duration

	// Correlation settings
	CorrelationSettleDelay     time.Duration
	CorrelationAttempts        int
	CorrelationDelay           time.Duration
	CorrelationMaxDelay        time.Duration
	CorrelationBatch           int
	CorrelationAllowUnverified bool

	// Logging
	LogEnv   string
	LogLevel string
}

// Load reads configuration from the environment, after merging a .env file
// if one is present in the working directory.
func Load() (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:                 getEnv("SERVER_PORT", "8080"),
		ServerHost:                 getEnv("SERVER_HOST", "localhost"),
		DatabaseURL:                getEnv("DATABASE_URL", "postgres://localhost:5432/workflow_connect?sslmode=disable"),
		DatabaseMaxOpen:            getEnvInt("DATABASE_MAX_OPEN_CONNS", 10),
		DatabaseMaxIdle:            getEnvInt("DATABASE_MAX_IDLE_CONNS", 2),
		DatabaseConnMaxIdle:        getEnvDuration("DATABASE_CONN_MAX_IDLE", 5*time.Minute),
		SessionSecret:              getEnv("SESSION_SECRET", DefaultSessionSecret),
		SessionTTL:                 getEnvDuration("SESSION_TTL", 7*24*time.Hour),
		GoogleClientID:             getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:         getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:          getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/callback"),
		WorkflowWebhookURL:         getEnv("WORKFLOW_WEBHOOK_URL", ""),
		WorkflowTimeout:            getEnvDuration("WORKFLOW_TIMEOUT", 15*time.Second),
		CorrelationSettleDelay:     getEnvDuration("CORRELATION_SETTLE_DELAY", 2*time.Second),
		CorrelationAttempts:        getEnvInt("CORRELATION_ATTEMPTS", 8),
		CorrelationDelay:           getEnvDuration("CORRELATION_DELAY", time.Second),
		CorrelationMaxDelay:        getEnvDuration("CORRELATION_MAX_DELAY", 3*time.Second),
		CorrelationBatch:           getEnvInt("CORRELATION_BATCH", 5),
		CorrelationAllowUnverified: getEnvBool("CORRELATION_ALLOW_UNVERIFIED", false),
		LogEnv:                     getEnv("LOG_ENV", "dev"),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.GoogleClientID == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID is required")
	}
	if cfg.WorkflowWebhookURL == "" {
		return nil, fmt.Errorf("WORKFLOW_WEBHOOK_URL is required")
	}
	if cfg.CorrelationAttempts < 1 {
		return nil, fmt.Errorf("CORRELATION_ATTEMPTS must be at least 1")
	}
	if cfg.CorrelationBatch < 1 {
		return nil, fmt.Errorf("CORRELATION_BATCH must be at least 1")
	}

	return cfg, nil
}

// FastPathEnabled reports whether the service redeems authorization codes
// itself before the workflow sees them.
func (c *Config) FastPathEnabled() bool {
	return c.GoogleClientSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
