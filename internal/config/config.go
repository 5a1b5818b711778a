// Package config handles the loading and parsing of application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"dispatchengine/internal/crypto"
)

// AppConfig holds all configuration settings for the application.
type AppConfig struct {
	// --- Core Settings ---
	DatabaseURL      string // Postgres DSN.
	ServerAddr       string // Address for the HTTP server to listen on (e.g., ":8080").
	EncryptionKey    string // Symmetric envelope key (ENCRYPTION_KEY).
	MigrationsPath   string
	CORSAllowedOrigins string
	RedisURL         string // backs internal/cache (manual-override flag, last_read_at).

	// --- Authentication ---
	SecretKey                string        // SECRET_KEY, signs access/refresh JWTs.
	Algorithm                string        // ALGORITHM, e.g. HS256.
	AccessTokenExpire        time.Duration // from ACCESS_TOKEN_EXPIRE_MINUTES.
	RefreshTokenExpire       time.Duration // from REFRESH_TOKEN_EXPIRE_DAYS.
	GoogleClientID           string

	// --- Vector store / embeddings ---
	VectorStoreURL          string
	VectorStoreAPIKey       string
	VectorCollection        string
	VectorDimension         int
	QdrantCreateCollections bool // must be explicit opt-in.
	EmbeddingProviderURL    string
	EmbeddingProviderKey    string
	EmbeddingConcurrency    int // semaphore cap, default 4.

	// --- Object storage base URLs for channel attachments ---
	ImageStoreBaseURL string
	AudioStoreBaseURL string

	// --- Document conversion availability ---
	SofficeAvailable bool
	OCRAvailable     bool

	// --- File store ---
	FileStoreBaseDir string
	MaxUploadBytes   int64

	// --- Concurrency caps ---
	MaxAgentCallsPerHandler int
	MaxQueueSize            int
	MaxTotalQueues          int
	MaxHandlers             int
	MaxAgents               int
	BatchTimeout            time.Duration
	QueueIdleTimeout        time.Duration
	DispatcherIdleEvict     time.Duration
	AgentInvokeTimeout      time.Duration
	SweepSchedule           string // cron expression driving the periodic cache/registry sweeps.

	// --- Timeouts and Intervals ---
	HTTPClientTimeout  time.Duration
	ShutdownTimeout    time.Duration
	ShutdownFinalSleep time.Duration
	CORSMaxAge         int
}

// Load reads environment variables and populates the AppConfig struct.
// It sets sensible defaults for non-critical values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		ServerAddr:         getEnv("SERVER_ADDR", ":8080"),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		MigrationsPath:     getEnv("MIGRATIONS_PATH", "migrations"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379/0"),

		SecretKey:          getEnv("SECRET_KEY", ""),
		Algorithm:          getEnv("ALGORITHM", ""),
		AccessTokenExpire:  time.Duration(getEnvAsInt("ACCESS_TOKEN_EXPIRE_MINUTES", 0)) * time.Minute,
		RefreshTokenExpire: time.Duration(getEnvAsInt("REFRESH_TOKEN_EXPIRE_DAYS", 0)) * 24 * time.Hour,
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),

		VectorStoreURL:          getEnv("QDRANT_URL", ""),
		VectorStoreAPIKey:       getEnv("QDRANT_API_KEY", ""),
		VectorCollection:        getEnv("QDRANT_COLLECTION", "knowledge"),
		VectorDimension:         getEnvAsInt("QDRANT_COLLECTION_KNOWLEDGE_VECTOR_SIZE", 1536),
		QdrantCreateCollections: getEnvAsBool("QDRANT_CREATE_COLLECTIONS", false),
		EmbeddingProviderURL:    getEnv("EMBEDDING_PROVIDER_URL", ""),
		EmbeddingProviderKey:    getEnv("EMBEDDING_PROVIDER_KEY", ""),
		EmbeddingConcurrency:    getEnvAsInt("EMBEDDING_CONCURRENCY", 4),

		ImageStoreBaseURL: getEnv("IMAGE_STORE_BASE_URL", ""),
		AudioStoreBaseURL: getEnv("AUDIO_STORE_BASE_URL", ""),

		SofficeAvailable: getEnvAsBool("SOFFICE_AVAILABLE", false),
		OCRAvailable:     getEnvAsBool("OCR_AVAILABLE", false),

		FileStoreBaseDir: getEnv("FILE_STORE_BASE_DIR", "/tmp/knowledge_uploads"),
		MaxUploadBytes:   int64(getEnvAsInt("MAX_UPLOAD_BYTES", 50*1024*1024)),

		MaxAgentCallsPerHandler: getEnvAsInt("MAX_AGENT_CALLS_PER_HANDLER", 80),
		MaxQueueSize:            getEnvAsInt("MAX_QUEUE_SIZE", 500),
		MaxTotalQueues:          getEnvAsInt("MAX_TOTAL_QUEUES", 5000),
		MaxHandlers:             getEnvAsInt("MAX_HANDLERS", 200),
		MaxAgents:               getEnvAsInt("MAX_AGENTS", 1000),
		BatchTimeout:            getEnvAsDuration("BATCH_TIMEOUT", 5*time.Second),
		QueueIdleTimeout:        getEnvAsDuration("QUEUE_IDLE_TIMEOUT", 120*time.Second),
		DispatcherIdleEvict:     getEnvAsDuration("DISPATCHER_IDLE_EVICT", 1800*time.Second),
		AgentInvokeTimeout:      getEnvAsDuration("AGENT_INVOKE_TIMEOUT", 60*time.Second),
		SweepSchedule:           getEnv("SWEEP_SCHEDULE", "*/5 * * * *"),

		HTTPClientTimeout:  getEnvAsDuration("HTTP_CLIENT_TIMEOUT", 15*time.Second),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ShutdownFinalSleep: getEnvAsDuration("SHUTDOWN_FINAL_SLEEP", 5*time.Second),
		CORSMaxAge:         getEnvAsInt("CORS_MAX_AGE", 300),
	}

	// Validate critical environment variables.
	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}

	// Secrets may be provisioned as AES-GCM envelopes sealed with
	// ENCRYPTION_KEY (prefix "enc:") rather than plaintext.
	var err error
	if cfg.VectorStoreAPIKey, err = crypto.Open(cfg.VectorStoreAPIKey, cfg.EncryptionKey); err != nil {
		return nil, fmt.Errorf("failed to unseal QDRANT_API_KEY: %w", err)
	}
	if cfg.EmbeddingProviderKey, err = crypto.Open(cfg.EmbeddingProviderKey, cfg.EncryptionKey); err != nil {
		return nil, fmt.Errorf("failed to unseal EMBEDDING_PROVIDER_KEY: %w", err)
	}

	return cfg, nil
}

// validateCriticalConfig checks that essential configuration values are
// set: fail fast on missing or unparseable values.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"SECRET_KEY":    cfg.SecretKey,
		"ALGORITHM":     cfg.Algorithm,
		"ENCRYPTION_KEY": cfg.EncryptionKey,
		"DATABASE_URL":  cfg.DatabaseURL,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if cfg.AccessTokenExpire <= 0 {
		missing = append(missing, "ACCESS_TOKEN_EXPIRE_MINUTES")
	}
	if cfg.RefreshTokenExpire <= 0 {
		missing = append(missing, "REFRESH_TOKEN_EXPIRE_DAYS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing or unparseable critical environment variables: %s", strings.Join(missing, ", "))
	}
	if !gronx.New().IsValid(cfg.SweepSchedule) {
		return fmt.Errorf("SWEEP_SCHEDULE %q is not a valid cron expression", cfg.SweepSchedule)
	}
	return nil
}

// --- Helper Functions for robust environment variable loading ---

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an integer environment variable or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration retrieves a time.Duration environment variable or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}

// getEnvAsBool retrieves a boolean environment variable or returns a default
// value. Recognizes "1"/"true"/"yes" (case-insensitive) as true.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "1" || valueStr == "true" || valueStr == "yes"
}
