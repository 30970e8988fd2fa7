package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Session storage: memory, redis or postgres
	SessionStore string
	SessionTTL   time.Duration

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret       string
	WSAuthRequired  bool
	SessionTokenTTL time.Duration

	// Gemini AI
	GeminiAPIKey         string
	GeminiModel          string
	GeminiConcurrentReqs int

	// Turns
	DecisionTimeout  time.Duration
	TurnMaxInFlight  int
	TurnFillers      bool
	WSReadLimitBytes int64

	// Frontend
	FrontendURL string
	PublicWSURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	ttlHours := getEnvAsIntOrDefault("SESSION_TTL_HOURS", 24)

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		SessionStore:         strings.ToLower(getEnvOrDefault("SESSION_STORE", "memory")),
		SessionTTL:           time.Duration(ttlHours) * time.Hour,
		DatabaseURL:          getEnvOrDefault("DATABASE_URL", ""),
		RedisURL:             getEnvOrDefault("REDIS_URL", ""),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		WSAuthRequired:       getEnvAsBoolOrDefault("WS_AUTH_REQUIRED", true),
		SessionTokenTTL:      time.Duration(ttlHours) * time.Hour,
		GeminiAPIKey:         getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		DecisionTimeout:      time.Duration(getEnvAsIntOrDefault("DECISION_TIMEOUT_SECONDS", 20)) * time.Second,
		TurnMaxInFlight:      getEnvAsIntOrDefault("TURN_MAX_IN_FLIGHT", 64),
		TurnFillers:          getEnvAsBoolOrDefault("TURN_FILLER_ENABLED", true),
		WSReadLimitBytes:     int64(getEnvAsIntOrDefault("WS_READ_LIMIT_BYTES", 64*1024)),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
		PublicWSURL:          getEnvOrDefault("PUBLIC_WS_URL", ""),
	}

	return cfg
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error

	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("SESSION_STORE=redis requires REDIS_URL"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("SESSION_STORE=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_STORE %q", c.SessionStore))
	}

	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_HOURS must be positive"))
	}
	if c.GeminiConcurrentReqs <= 0 {
		errs = append(errs, errors.New("GEMINI_CONCURRENT_REQUESTS must be positive"))
	}
	if c.TurnMaxInFlight < 0 {
		errs = append(errs, errors.New("TURN_MAX_IN_FLIGHT must not be negative"))
	}
	if c.Env == "production" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsBoolOrDefault(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
