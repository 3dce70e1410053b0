package configs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	RateLimit RateLimitConfig
	Registry  RegistryConfig
	UsageBus  UsageBusConfig
	Metering  MeteringConfig
	Billing   BillingConfig
	Alert     AlertConfig
	Identity  IdentityConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Host           string
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	BaseDomain     string
	AllowedOrigins []string
	Environment    string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	DSN      string
	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
	DB       int
	// Pool and timeout settings
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration
	KeyPrefix    string
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

type RateLimitConfig struct {
	// DefaultRequestsPerSecond applies when neither tenant settings nor plan set a limit.
	DefaultRequestsPerSecond int
	Shards                   int
	IdleTTL                  time.Duration
	SweepInterval            time.Duration
	BucketResolution         time.Duration
}

type RegistryConfig struct {
	TTL            time.Duration
	Grace          time.Duration
	NegativeTTL    time.Duration
	NegativeMax    int
	ResolveTimeout time.Duration
	// CacheTTL is the lifetime of tenant rows in the shared Redis cache.
	CacheTTL     time.Duration
	PreloadBatch int
}

type UsageBusConfig struct {
	CapacityPerTenant int
	// MaxFutureSkew and MaxEventAge bound caller-supplied event timestamps.
	MaxFutureSkew time.Duration
	MaxEventAge   time.Duration
}

type MeteringConfig struct {
	Store string
	// TenantsFile seeds tenants from JSON when Store is memory.
	TenantsFile         string
	SchedulerEnabled    bool
	Interval            time.Duration
	ScheduleOffset      time.Duration
	RetryInterval       time.Duration
	RunTimeout          time.Duration
	Parallelism         int
	StoreTimeout        time.Duration
	MaxWindowsPerTenant int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	AlertThreshold      int
	Retention           time.Duration
	RetentionInterval   time.Duration
}

type BillingConfig struct {
	StripeSecretKey string
	StripeTestMode  bool
	PushInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RatePerSecond   float64
	Burst           int
	PushTimeout     time.Duration
}

type AlertConfig struct {
	SendGridAPIKey string
	FromEmail      string
	FromName       string
	Recipients     []string
	MinInterval    time.Duration
}

type IdentityConfig struct {
	// JWTSecret verifies bearer tokens issued by the identity layer.
	JWTSecret string
}

type AdminConfig struct {
	// KeyHash is the bcrypt hash of the operator key. Empty disables /admin.
	KeyHash string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			TLSCertFile:    getEnv("TLS_CERT_FILE", ""),
			TLSKeyFile:     getEnv("TLS_KEY_FILE", ""),
			BaseDomain:     getEnv("BASE_DOMAIN", ""),
			AllowedOrigins: getListEnv("ALLOWED_ORIGINS", nil),
			Environment:    getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "metering_db"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrationsPath:  getEnv("DB_MIGRATIONS_PATH", "./migrations"),
		},
		Redis: RedisConfig{
			Enabled:      getBoolEnv("REDIS_ENABLED", true),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnv("REDIS_PORT", "6379"),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			PoolSize:     getIntEnv("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntEnv("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDurationEnv("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDurationEnv("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDurationEnv("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolTimeout:  getDurationEnv("REDIS_POOL_TIMEOUT", 4*time.Second),
			IdleTimeout:  getDurationEnv("REDIS_IDLE_TIMEOUT", 5*time.Minute),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "metering"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		RateLimit: RateLimitConfig{
			DefaultRequestsPerSecond: getIntEnv("RATE_LIMIT_DEFAULT_RPS", 200),
			Shards:                   getIntEnv("RATE_LIMIT_SHARDS", 64),
			IdleTTL:                  getDurationEnv("RATE_LIMIT_IDLE_TTL", 10*time.Minute),
			SweepInterval:            getDurationEnv("RATE_LIMIT_SWEEP_INTERVAL", time.Minute),
			BucketResolution:         getDurationEnv("RATE_LIMIT_BUCKET_RESOLUTION", 10*time.Millisecond),
		},
		Registry: RegistryConfig{
			TTL:            getDurationEnv("TENANT_CACHE_TTL", time.Minute),
			Grace:          getDurationEnv("TENANT_CACHE_GRACE", 5*time.Minute),
			NegativeTTL:    getDurationEnv("TENANT_NEGATIVE_TTL", 10*time.Second),
			NegativeMax:    getIntEnv("TENANT_NEGATIVE_MAX", 10000),
			ResolveTimeout: getDurationEnv("TENANT_RESOLVE_TIMEOUT", 2*time.Second),
			CacheTTL:       getDurationEnv("TENANT_REDIS_TTL", 5*time.Minute),
			PreloadBatch:   getIntEnv("TENANT_PRELOAD_BATCH", 500),
		},
		UsageBus: UsageBusConfig{
			CapacityPerTenant: getIntEnv("USAGE_BUS_CAPACITY", 100000),
			MaxFutureSkew:     getDurationEnv("USAGE_MAX_FUTURE_SKEW", 5*time.Minute),
			MaxEventAge:       getDurationEnv("USAGE_MAX_EVENT_AGE", 61*time.Minute),
		},
		Metering: MeteringConfig{
			Store:               getEnv("METERING_STORE", StorePostgres),
			TenantsFile:         getEnv("TENANTS_FILE", ""),
			SchedulerEnabled:    getBoolEnv("METERING_SCHEDULER_ENABLED", true),
			Interval:            getDurationEnv("METERING_INTERVAL", time.Hour),
			ScheduleOffset:      getDurationEnv("METERING_SCHEDULE_OFFSET", time.Minute),
			RetryInterval:       getDurationEnv("METERING_RETRY_INTERVAL", 5*time.Minute),
			RunTimeout:          getDurationEnv("METERING_RUN_TIMEOUT", 10*time.Minute),
			Parallelism:         getIntEnv("METERING_PARALLELISM", 4),
			StoreTimeout:        getDurationEnv("METERING_STORE_TIMEOUT", 5*time.Second),
			MaxWindowsPerTenant: getIntEnv("METERING_MAX_WINDOWS_PER_TENANT", 48),
			RetryBaseDelay:      getDurationEnv("METERING_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:       getDurationEnv("METERING_RETRY_MAX_DELAY", 30*time.Minute),
			AlertThreshold:      getIntEnv("METERING_ALERT_THRESHOLD", 5),
			Retention:           getDurationEnv("METERING_RETENTION", 730*24*time.Hour),
			RetentionInterval:   getDurationEnv("METERING_RETENTION_INTERVAL", 24*time.Hour),
		},
		Billing: BillingConfig{
			StripeSecretKey: getEnv("STRIPE_SECRET_KEY", ""),
			StripeTestMode:  getBoolEnv("STRIPE_TEST_MODE", false),
			PushInterval:    getDurationEnv("BILLING_PUSH_INTERVAL", 5*time.Minute),
			BatchSize:       getIntEnv("BILLING_BATCH_SIZE", 100),
			MaxAttempts:     getIntEnv("BILLING_MAX_ATTEMPTS", 10),
			BaseDelay:       getDurationEnv("BILLING_RETRY_BASE_DELAY", time.Minute),
			MaxDelay:        getDurationEnv("BILLING_RETRY_MAX_DELAY", 6*time.Hour),
			RatePerSecond:   getFloatEnv("BILLING_RATE_PER_SECOND", 20),
			Burst:           getIntEnv("BILLING_BURST", 5),
			PushTimeout:     getDurationEnv("BILLING_PUSH_TIMEOUT", 10*time.Second),
		},
		Alert: AlertConfig{
			SendGridAPIKey: getEnv("SENDGRID_API_KEY", ""),
			FromEmail:      getEnv("ALERT_FROM_EMAIL", "alerts@example.com"),
			FromName:       getEnv("ALERT_FROM_NAME", "Tenant Metering"),
			Recipients:     getListEnv("ALERT_RECIPIENTS", nil),
			MinInterval:    getDurationEnv("ALERT_MIN_INTERVAL", 15*time.Minute),
		},
		Identity: IdentityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Admin: AdminConfig{
			KeyHash: getEnv("ADMIN_KEY_HASH", ""),
		},
	}

	// Build database DSN
	cfg.Database.DSN = fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimit.DefaultRequestsPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_DEFAULT_RPS must be positive"))
	}
	if c.RateLimit.Shards <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_SHARDS must be positive"))
	}
	if c.RateLimit.BucketResolution <= 0 || c.RateLimit.BucketResolution > time.Second {
		errs = append(errs, errors.New("RATE_LIMIT_BUCKET_RESOLUTION must be in (0, 1s]"))
	}
	if c.UsageBus.CapacityPerTenant <= 0 {
		errs = append(errs, errors.New("USAGE_BUS_CAPACITY must be positive"))
	}
	if c.UsageBus.MaxFutureSkew <= 0 || c.UsageBus.MaxEventAge <= 0 {
		errs = append(errs, errors.New("USAGE_MAX_FUTURE_SKEW and USAGE_MAX_EVENT_AGE must be positive"))
	}
	if c.Metering.Store != StorePostgres && c.Metering.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("METERING_STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Metering.Store))
	}
	if c.Metering.Interval != time.Hour {
		errs = append(errs, errors.New("METERING_INTERVAL must be 1h to match hourly windows"))
	}
	if c.Metering.ScheduleOffset < 0 || c.Metering.ScheduleOffset >= c.Metering.Interval {
		errs = append(errs, errors.New("METERING_SCHEDULE_OFFSET must be within the interval"))
	}
	if c.Metering.Parallelism <= 0 {
		errs = append(errs, errors.New("METERING_PARALLELISM must be positive"))
	}
	if c.Metering.Retention <= 0 {
		errs = append(errs, errors.New("METERING_RETENTION must be positive"))
	}
	if c.Billing.MaxAttempts <= 0 {
		errs = append(errs, errors.New("BILLING_MAX_ATTEMPTS must be positive"))
	}
	if c.Billing.RatePerSecond <= 0 {
		errs = append(errs, errors.New("BILLING_RATE_PER_SECOND must be positive"))
	}
	if c.Alert.SendGridAPIKey != "" && len(c.Alert.Recipients) == 0 {
		errs = append(errs, errors.New("ALERT_RECIPIENTS is required when SENDGRID_API_KEY is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
