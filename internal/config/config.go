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

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	MigrateOnStart    bool

	Redis RedisConfig

	Payment  PaymentConfig
	Supabase SupabaseConfig

	// UsageAPIKey authenticates usage reports sent by the messaging workers.
	UsageAPIKey string

	UsageRateLimit UsageRateLimitConfig
	Scheduler      SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type PaymentConfig struct {
	// Provider selects the gateway adapter: stripe or sandbox.
	Provider      string
	SecretKey     string
	WebhookSecret string
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
	JWTSecret  string
}

type UsageRateLimitConfig struct {
	Enabled bool
	Rate    int
	Burst   int
}

type SchedulerConfig struct {
	Enabled   bool
	SweepSpec string
	LockTTL   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "tokenmeter"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		MigrateOnStart:    getenvBool("DATABASE_MIGRATE", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Payment: PaymentConfig{
			Provider:      strings.ToLower(strings.TrimSpace(getenv("PAYMENT_PROVIDER", "stripe"))),
			SecretKey:     strings.TrimSpace(getenv("PAYMENT_SECRET_KEY", getenv("STRIPE_SECRET_KEY", ""))),
			WebhookSecret: strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", getenv("STRIPE_WEBHOOK_SECRET", ""))),
		},
		Supabase: SupabaseConfig{
			URL:        strings.TrimSpace(getenv("SUPABASE_URL", "")),
			ServiceKey: strings.TrimSpace(getenv("SUPABASE_SERVICE_KEY", "")),
			JWTSecret:  strings.TrimSpace(getenv("SUPABASE_JWT_SECRET", "")),
		},
		UsageAPIKey: strings.TrimSpace(getenv("USAGE_API_KEY", "")),
		UsageRateLimit: UsageRateLimitConfig{
			Enabled: getenvBool("USAGE_RATE_LIMIT_ENABLED", false),
			Rate:    getenvInt("USAGE_RATE_LIMIT_RATE", 50),
			Burst:   getenvInt("USAGE_RATE_LIMIT_BURST", 100),
		},
		Scheduler: SchedulerConfig{
			Enabled:   getenvBool("SCHEDULER_ENABLED", true),
			SweepSpec: getenv("SCHEDULER_PENDING_SWEEP", "@every 5m"),
			LockTTL:   getenvDuration("SCHEDULER_LOCK_TTL", 2*time.Minute),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
