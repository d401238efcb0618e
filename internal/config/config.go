package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	AdminToken  string

	Kiwify KiwifyConfig

	WebhookSecrets []string

	RedisAddr     string
	RedisPassword string

	SyncInterval       time.Duration
	RetrySweepInterval time.Duration

	DBType        string
	DBHost        string
	DBPort        string
	DBName        string
	DBUser        string
	DBPassword    string
	DBSSLMode     string
	DBMaxIdleConn int
	DBMaxOpenConn int

	Logger LoggerConfig
}

type KiwifyConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	AccountID    string
	Scope        string
}

type LoggerConfig struct {
	Level string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "kiwisync"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		AdminToken:  strings.TrimSpace(getenv("ADMIN_TOKEN", "")),
		Kiwify: KiwifyConfig{
			BaseURL:      strings.TrimRight(getenv("KIWIFY_API_BASE_URL", "https://public-api.kiwify.com"), "/"),
			ClientID:     strings.TrimSpace(getenv("KIWIFY_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("KIWIFY_CLIENT_SECRET", "")),
			AccountID:    strings.TrimSpace(getenv("KIWIFY_ACCOUNT_ID", "")),
			Scope:        strings.TrimSpace(getenv("KIWIFY_API_SCOPE", "")),
		},
		WebhookSecrets:     splitList(getenv("KIWIFY_WEBHOOK_SECRETS", getenv("KIWIFY_WEBHOOK_SECRET", ""))),
		RedisAddr:          getenv("REDIS_ADDR", ""),
		RedisPassword:      getenv("REDIS_PASSWORD", ""),
		SyncInterval:       getenvDuration("SYNC_INTERVAL", 0),
		RetrySweepInterval: getenvDuration("WEBHOOK_RETRY_INTERVAL", 0),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "kiwisync"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn:      getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
