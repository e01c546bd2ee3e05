package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "crm"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT
	JWTSecret string

	// Token encryption (falls back to JWTSecret)
	EncryptionKey string

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Email store
	EmailPageSize           int
	EmailMaxContacts        int
	EmailMaxPerContact      int
	EmailCleanupInterval    time.Duration
	EmailDedupDelay         time.Duration
	EmailSettleDelay        time.Duration
	EmailAfterSendSettle    time.Duration
	EmailStatusResetDelay   time.Duration
	EmailStaleOptimisticAge time.Duration
	EmailPrefetchLimit      int

	// Sync engine
	SyncMaxResults     int
	SyncMaxPages       int
	SyncAccountStagger time.Duration
	SyncTimeout        time.Duration
	SyncFirstPageTTL   time.Duration
	BodyTTL            time.Duration
	SSEHeartbeat       time.Duration

	// Gmail quota (requests per second, burst)
	GmailRateLimit float64
	GmailRateBurst int

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int
	SyncDispatch    string // "local" or "stream"

	// CORS
	AllowedOrigins []string

	// Scheduler
	CleanupEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "crm"),
		RedisURL:    getEnv("REDIS_URL", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		EmailPageSize:           getEnvInt("EMAIL_PAGE_SIZE", 100),
		EmailMaxContacts:        getEnvInt("EMAIL_MAX_CONTACTS", 50),
		EmailMaxPerContact:      getEnvInt("EMAIL_MAX_PER_CONTACT", 200),
		EmailCleanupInterval:    getEnvDuration("EMAIL_CLEANUP_INTERVAL", 5*time.Minute),
		EmailDedupDelay:         getEnvDuration("EMAIL_DEDUP_DELAY", 500*time.Millisecond),
		EmailSettleDelay:        getEnvDuration("EMAIL_SETTLE_DELAY", 3*time.Second),
		EmailAfterSendSettle:    getEnvDuration("EMAIL_AFTER_SEND_SETTLE", 5*time.Second),
		EmailStatusResetDelay:   getEnvDuration("EMAIL_STATUS_RESET_DELAY", 3*time.Second),
		EmailStaleOptimisticAge: getEnvDuration("EMAIL_STALE_OPTIMISTIC_AGE", 5*time.Minute),
		EmailPrefetchLimit:      getEnvInt("EMAIL_PREFETCH_LIMIT", 5),

		SyncMaxResults:     getEnvInt("SYNC_MAX_RESULTS", 100),
		SyncMaxPages:       getEnvInt("SYNC_MAX_PAGES", 20),
		SyncAccountStagger: getEnvDuration("SYNC_ACCOUNT_STAGGER", 250*time.Millisecond),
		SyncTimeout:        getEnvDuration("SYNC_TIMEOUT", 2*time.Minute),
		SyncFirstPageTTL:   getEnvDuration("SYNC_FIRST_PAGE_TTL", 2*time.Minute),
		BodyTTL:            getEnvDuration("EMAIL_BODY_TTL", 30*24*time.Hour),
		SSEHeartbeat:       getEnvDuration("SSE_HEARTBEAT", 30*time.Second),

		GmailRateLimit: getEnvFloat("GMAIL_RATE_LIMIT", 40),
		GmailRateBurst: getEnvInt("GMAIL_RATE_BURST", 20),

		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 8),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 256),
		SyncDispatch:    getEnv("SYNC_DISPATCH", "local"),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		CleanupEnabled: getEnvBool("CLEANUP_ENABLED", true),
	}

	cfg.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.JWTSecret)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmailPageSize <= 0 {
		return fmt.Errorf("EMAIL_PAGE_SIZE must be positive, got %d", c.EmailPageSize)
	}
	if c.EmailMaxContacts <= 0 || c.EmailMaxPerContact <= 0 {
		return fmt.Errorf("email cache limits must be positive")
	}
	switch c.SyncDispatch {
	case "local", "stream":
	default:
		return fmt.Errorf("SYNC_DISPATCH must be local or stream, got %q", c.SyncDispatch)
	}
	if c.SyncDispatch == "stream" && c.RedisURL == "" {
		return fmt.Errorf("SYNC_DISPATCH=stream requires REDIS_URL")
	}
	return nil
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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

// getEnvDuration accepts Go duration strings ("3s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
