package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort        string
	AppEnv         string
	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables
	AuditBucket    string // empty disables sweep audit reports

	SNSRegion                 string
	SNSPlatformApplicationARN string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiryHours    int
	APISecretKey      string
	AllowedOrigins    []string // CORS allowed origins

	Retention    Retention
	Notify       Notify
	RateLimiting RateLimiting

	TimestampTolerance time.Duration
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Events        string
	Subscriptions string
	Notifications string
	RateLimits    string
}

// Retention controls how long each server-tier record lives and how often the sweeper runs.
type Retention struct {
	EventTTL           time.Duration
	NotificationTTL    time.Duration
	SubscriptionMaxAge time.Duration
	Interval           time.Duration
	BatchSize          int
}

// Notify controls the proximity fan-out.
type Notify struct {
	RadiusMiles   float64
	Lookback      time.Duration
	SweepInterval time.Duration
}

// RateLimiting selects the admission gate's counter backend: "memory" or "dynamo".
type RateLimiting struct {
	Backend string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:        getEnv("APP_PORT", "3000"),
		AppEnv:         getEnv("APP_ENV", "development"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Events:        getEnv("DYNAMO_TABLE_EVENTS", "events"),
			Subscriptions: getEnv("DYNAMO_TABLE_SUBSCRIPTIONS", "subscriptions"),
			Notifications: getEnv("DYNAMO_TABLE_NOTIFICATIONS", "notifications"),
			RateLimits:    getEnv("DYNAMO_TABLE_RATE_LIMITS", "rate_limits"),
		},
		AuditBucket:               getEnv("S3_AUDIT_BUCKET", ""),
		SNSRegion:                 getEnv("SNS_REGION", "us-east-1"),
		SNSPlatformApplicationARN: getEnv("SNS_PLATFORM_APPLICATION_ARN", ""),
		JWTPrivateKeyPath:         getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:          getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiryHours:            getEnvInt("JWT_EXPIRY_HOURS", 12),
		APISecretKey:              getEnv("API_SECRET_KEY", ""),
		AllowedOrigins:            strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		Retention: Retention{
			EventTTL:           getEnvDuration("EVENT_TTL", 24*time.Hour),
			NotificationTTL:    getEnvDuration("NOTIFICATION_TTL", 2*time.Hour),
			SubscriptionMaxAge: getEnvDuration("SUBSCRIPTION_MAX_AGE", 30*24*time.Hour),
			Interval:           getEnvDuration("RETENTION_INTERVAL", 15*time.Minute),
			BatchSize:          getEnvInt("SWEEP_BATCH_SIZE", 500),
		},
		Notify: Notify{
			RadiusMiles:   getEnvFloat("NOTIFY_RADIUS_MILES", 5),
			Lookback:      getEnvDuration("NOTIFY_LOOKBACK", 30*time.Minute),
			SweepInterval: getEnvDuration("NOTIFY_SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimiting: RateLimiting{
			Backend: getEnv("RATE_LIMIT_BACKEND", "memory"),
		},
		TimestampTolerance: getEnvDuration("TIMESTAMP_TOLERANCE", time.Minute),
	}
}

// IsProduction reports whether the process runs with APP_ENV=production.
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
