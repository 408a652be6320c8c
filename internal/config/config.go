package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Shared counter store (optional). When empty the rate limiter runs on
	// the in-process fallback store only.
	RedisURL string

	// NATS (optional). When empty, cross-instance turn cancellation is off.
	NatsURL string

	// Auth
	JWTSecret string

	// Sessions
	SessionTTLDays  int
	DefaultProvider string
	DefaultModel    string

	// Context management
	MaxContextTokens          int
	SummarisationThreshold    int
	SummarisationRecentWindow time.Duration
	SummarisationProvider     string

	// Rate limiting and quotas
	DailyTokenBudget         int64
	DailyRequestLimit        int
	RateLimitWindow          time.Duration
	RateLimitMaxRequests     int
	ChatRateLimitWindow      time.Duration
	ChatRateLimitMaxRequests int

	// Safety
	SafetyInboundConfidenceThreshold float64

	// Turn execution
	TurnTimeout time.Duration

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string

	// Providers (from the YAML config file)
	Providers *ProvidersConfig `yaml:"providers"`
}

// ProvidersConfig is the provider registry section of the config file.
type ProvidersConfig struct {
	// Default is the provider used for new sessions when the client does not
	// pick one. Must name an entry in Entries (or "mock").
	Default string `yaml:"default"`
	// Summariser is the provider used for context summarisation.
	Summariser string                    `yaml:"summariser"`
	Entries    map[string]ProviderConfig `yaml:"entries"`
}

// ProviderConfig configures a single provider adapter.
type ProviderConfig struct {
	Kind         string `yaml:"kind"` // "openai", "anthropic", "mock"
	APIKeyEnv    string `yaml:"api_key_env"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/verba?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		RedisURL: getEnvOrDefault("REDIS_URL", ""),
		NatsURL:  getEnvOrDefault("NATS_URL", ""),

		JWTSecret: getEnvOrDefault("JWT_SECRET", ""),

		SessionTTLDays:  getEnvAsInt("SESSION_TTL_DAYS", 30),
		DefaultProvider: getEnvOrDefault("DEFAULT_PROVIDER", "mock"),
		DefaultModel:    getEnvOrDefault("DEFAULT_MODEL", ""),

		MaxContextTokens:          getEnvAsInt("MAX_CONTEXT_TOKENS", 8000),
		SummarisationThreshold:    getEnvAsInt("SUMMARISATION_THRESHOLD", 6000),
		SummarisationRecentWindow: time.Duration(getEnvAsInt("SUMMARISATION_RECENT_WINDOW_MINUTES", 30)) * time.Minute,
		SummarisationProvider:     getEnvOrDefault("SUMMARISATION_PROVIDER", ""),

		DailyTokenBudget:         int64(getEnvAsInt("DAILY_TOKEN_BUDGET", 100000)),
		DailyRequestLimit:        getEnvAsInt("DAILY_REQUEST_LIMIT", 1000),
		RateLimitWindow:          getEnvAsDuration("RATE_LIMIT_WINDOW_MS", 15*time.Minute),
		RateLimitMaxRequests:     getEnvAsInt("RATE_LIMIT_MAX_REQUESTS", 100),
		ChatRateLimitWindow:      getEnvAsDuration("CHAT_RATE_LIMIT_WINDOW_MS", 15*time.Minute),
		ChatRateLimitMaxRequests: getEnvAsInt("CHAT_RATE_LIMIT_MAX_REQUESTS", 50),

		SafetyInboundConfidenceThreshold: getEnvFloat("SAFETY_INBOUND_CONFIDENCE_THRESHOLD", 0.95),

		TurnTimeout: getEnvAsDuration("TURN_TIMEOUT_MS", 120*time.Second),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load provider registry from a configuration file.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	if err != nil {
		log.Printf("No config file found (%v), using mock provider only", err)
		AppConfig.Providers = &ProvidersConfig{Default: "mock"}
	} else {
		defer configFile.Close()
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.Providers == nil {
		AppConfig.Providers = &ProvidersConfig{Default: "mock"}
	}
	if AppConfig.Providers.Default == "" {
		AppConfig.Providers.Default = AppConfig.DefaultProvider
	}
	if AppConfig.Providers.Summariser == "" {
		AppConfig.Providers.Summariser = AppConfig.SummarisationProvider
	}

	if AppConfig.JWTSecret == "" {
		log.Println("Warning: JWT_SECRET is missing. All authenticated requests will be rejected.")
	}
}

// getEnvAsDuration reads a duration env var. Bare integers are interpreted
// as milliseconds to match the *_MS option names.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	log.Printf("Warning: Failed to parse environment variable %s='%s' as duration, using default %v", key, value, defaultValue)
	return defaultValue
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
