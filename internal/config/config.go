// Package config handles the loading and parsing of application configuration
// from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/noncelogic/cortex-plane/internal/models"
)

// AppConfig holds all configuration settings for the control plane process.
type AppConfig struct {
	// --- Core Settings ---
	DBPath           string // Database connection string (PostgreSQL DSN).
	ServerAddr       string // Address for the HTTP server to listen on (e.g., ":8080").
	APIEncryptionKey string // Master key for envelope-encrypting provider credentials.
	MigrationsPath   string // Path to the database migration files.

	// --- Authentication ---
	JWTSecret      string // Secret key for signing operator/approver JWTs.
	GoogleClientID string // Client ID for Google OAuth login. Optional.

	// --- External Services ---
	S3              models.S3Config // Optional S3-compatible archival store.
	SessionBufferDir string          // Root directory for per-job session-NNN.jsonl files.

	// --- Networking ---
	CORSAllowedOrigins string
	CORSMaxAge         int

	// --- Stream Manager (§4.2) ---
	SSEReplayBufferSize  int           // Per-agent bounded replay buffer size. Open question in spec.md §9.
	SSEHeartbeatInterval time.Duration // Per-connection heartbeat cadence.
	SSEPendingQueueSize  int           // Bounded per-connection backpressure queue.

	// --- Circuit Breaker & Router (§4.3) ---
	BreakerFailureThreshold    int
	BreakerOpenDuration        time.Duration
	BreakerHalfOpenMaxAttempts int
	BreakerSuccessToClose      int
	ProviderSemaphoreWeight    int64

	// --- Job Scheduler (§4.4) ---
	SchedulerWorkerCount    int
	SchedulerPollInterval   time.Duration
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryMultiplier         float64
	DefaultMaxAttempts      int
	DefaultJobTimeout       time.Duration

	// --- Lifecycle Manager (§4.5) ---
	CrashWindow          time.Duration
	CrashCooldownBase    time.Duration
	CrashCooldownMax     time.Duration
	IdleScaleToZeroAfter time.Duration
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int

	// --- Approval Gate (§4.7) ---
	ApprovalMinTTL       time.Duration
	ApprovalMaxTTL       time.Duration
	ApprovalSweepCron    string // robfig/cron expression for the expiry sweeper.

	// --- Message Dispatch (§4.8) ---
	MaxHistoryMessages int
	DispatchPollEvery  time.Duration
	DispatchPollFor    time.Duration
	TelegramBotToken   string // Optional; Telegram channel adapter is skipped if unset.

	// --- Provider Router (§4.3) ---
	// ProviderEndpointsCSV is a comma-separated providerID=baseURL list, e.g.
	// "primary=https://provider-a.internal,secondary=https://provider-b.internal".
	// A provider whose baseURL is the literal "echo" gets the in-process
	// EchoBackend instead of an HTTPBackend, for local/dev runs without a
	// real execution backend.
	ProviderEndpointsCSV string

	// --- Timeouts ---
	HTTPClientTimeout  time.Duration
	ShutdownTimeout    time.Duration
	ShutdownFinalSleep time.Duration
}

// Load reads environment variables and populates the AppConfig struct,
// applying sensible defaults drawn from spec.md for anything non-critical.
func Load() (*AppConfig, error) {
	normalizeEndpoint := func(raw string) string {
		if raw == "" {
			return raw
		}
		if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			return raw
		}
		return "https://" + raw
	}

	s3KeyID := getEnv("S3_ACCESS_KEY", "")
	if s3KeyID == "" {
		s3KeyID = getEnv("S3_ACCESS_KEY_ID", "")
	}
	s3Secret := getEnv("S3_SECRET_KEY", "")
	if s3Secret == "" {
		s3Secret = getEnv("S3_SECRET_ACCESS_KEY", "")
	}

	cfg := &AppConfig{
		DBPath:           getEnv("DB_PATH", ""),
		ServerAddr:       getEnv("SERVER_ADDR", ":8080"),
		APIEncryptionKey: getEnv("API_ENCRYPTION_KEY", ""),
		MigrationsPath:   getEnv("MIGRATIONS_PATH", "migrations"),

		JWTSecret:      getEnv("JWT_SECRET", ""),
		GoogleClientID: getEnv("GOOGLE_CLIENT_ID", ""),

		S3: models.S3Config{
			Endpoint: normalizeEndpoint(getEnv("S3_ENDPOINT", "")),
			Region:   getEnv("S3_REGION", ""),
			KeyID:    s3KeyID,
			AppKey:   s3Secret,
			Bucket:   getEnv("S3_BUCKET_NAME", ""),
		},
		SessionBufferDir: getEnv("SESSION_BUFFER_DIR", "./data/sessions"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:4173"),
		CORSMaxAge:         getEnvAsInt("CORS_MAX_AGE", 300),

		SSEReplayBufferSize:  getEnvAsInt("SSE_REPLAY_BUFFER_SIZE", 256),
		SSEHeartbeatInterval: getEnvAsDuration("SSE_HEARTBEAT_INTERVAL", 30*time.Second),
		SSEPendingQueueSize:  getEnvAsInt("SSE_PENDING_QUEUE_SIZE", 256),

		BreakerFailureThreshold:    getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenDuration:        getEnvAsDuration("BREAKER_OPEN_DURATION", 30*time.Second),
		BreakerHalfOpenMaxAttempts: getEnvAsInt("BREAKER_HALF_OPEN_MAX_ATTEMPTS", 1),
		BreakerSuccessToClose:      getEnvAsInt("BREAKER_SUCCESS_TO_CLOSE", 2),
		ProviderSemaphoreWeight:    int64(getEnvAsInt("PROVIDER_SEMAPHORE_WEIGHT", 8)),

		SchedulerWorkerCount:  getEnvAsInt("SCHEDULER_WORKER_COUNT", 4),
		SchedulerPollInterval: getEnvAsDuration("SCHEDULER_POLL_INTERVAL", 500*time.Millisecond),
		RetryBaseDelay:        getEnvAsDuration("RETRY_BASE_DELAY", 1*time.Second),
		RetryMaxDelay:         getEnvAsDuration("RETRY_MAX_DELAY", 5*time.Minute),
		RetryMultiplier:       2.0,
		DefaultMaxAttempts:    getEnvAsInt("DEFAULT_MAX_ATTEMPTS", 3),
		DefaultJobTimeout:     getEnvAsDuration("DEFAULT_JOB_TIMEOUT", 120*time.Second),

		CrashWindow:          getEnvAsDuration("CRASH_WINDOW", 30*time.Minute),
		CrashCooldownBase:    getEnvAsDuration("CRASH_COOLDOWN_BASE", 60*time.Second),
		CrashCooldownMax:     getEnvAsDuration("CRASH_COOLDOWN_MAX", 15*time.Minute),
		IdleScaleToZeroAfter: getEnvAsDuration("IDLE_SCALE_TO_ZERO_AFTER", 30*time.Minute),
		HeartbeatInterval:    getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		MissedHeartbeatLimit: getEnvAsInt("MISSED_HEARTBEAT_LIMIT", 3),

		ApprovalMinTTL:    getEnvAsDuration("APPROVAL_MIN_TTL", 60*time.Second),
		ApprovalMaxTTL:    getEnvAsDuration("APPROVAL_MAX_TTL", 7*24*time.Hour),
		ApprovalSweepCron: getEnv("APPROVAL_SWEEP_CRON", "@every 10s"),

		MaxHistoryMessages: getEnvAsInt("MAX_HISTORY_MESSAGES", 50),
		DispatchPollEvery:  getEnvAsDuration("DISPATCH_POLL_EVERY", 2*time.Second),
		DispatchPollFor:    getEnvAsDuration("DISPATCH_POLL_FOR", 120*time.Second),
		TelegramBotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),

		ProviderEndpointsCSV: getEnv("PROVIDER_ENDPOINTS", "primary=echo"),

		HTTPClientTimeout:  getEnvAsDuration("HTTP_CLIENT_TIMEOUT", 2*time.Minute),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ShutdownFinalSleep: getEnvAsDuration("SHUTDOWN_FINAL_SLEEP", 2*time.Second),
	}

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateCriticalConfig checks that essential configuration values are set.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"DB_PATH":            cfg.DBPath,
		"JWT_SECRET":         cfg.JWTSecret,
		"API_ENCRYPTION_KEY": cfg.APIEncryptionKey,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
