package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ModeAll    = "all"
	ModeAPI    = "api"
	ModeWorker = "worker"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Mode     string
	HTTPAddr string

	LogLevel  string
	LogFormat string

	JobStore      string
	JobRetention  time.Duration
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	PendingQueue    string
	ProcessingQueue string
	FailedQueue     string
	WorkerCount     int
	MaxRetries      int

	UploadsBucket     string
	ConversionsBucket string
	S3Region          string
	AWSS3AccessKey    string
	AWSS3SecretKey    string
	S3Endpoint        string
	S3UsePathStyle    bool
	UploadURLTTL      time.Duration
	DownloadURLTTL    time.Duration

	SQSQueueURL    string
	SQSWaitSeconds int

	CADEngineURL      string
	ScratchDir        string
	ConversionTimeout time.Duration
	LinearDeflection  float64
	AngularDeflection float64

	StaleAfter       time.Duration
	RecoveryInterval time.Duration

	APIRateLimit   float64
	APIRateBurst   int
	MaxRequestBody int64
}

// Load reads configuration from the environment, after merging a .env
// file when one is present.
func Load() *Config {
	_ = godotenv.Load()

	// an explicitly empty REDIS_PREFIX disables prefixing
	redisPrefix := getEnvAllowEmpty("REDIS_PREFIX", "c3d:")

	return &Config{
		Mode:     strings.ToLower(getEnv("MODE", ModeAll)),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		JobStore:      strings.ToLower(getEnv("JOB_STORE", StoreRedis)),
		JobRetention:  getEnvDuration("JOB_RETENTION", 7*24*time.Hour),
		DatabaseURL:   databaseURL(),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   redisPrefix,

		PendingQueue: applyPrefix(getEnv("CONVERSION_PENDING_QUEUE", "conversion:pending"), redisPrefix),
		ProcessingQueue: applyPrefix(
			getEnv("CONVERSION_PROCESSING_QUEUE", "conversion:processing"),
			redisPrefix,
		),
		FailedQueue: applyPrefix(
			getEnv("CONVERSION_FAILED_QUEUE", "conversion:failed"),
			redisPrefix,
		),
		WorkerCount: getEnvInt("CONVERSION_WORKER_COUNT", 3),
		MaxRetries:  getEnvInt("CONVERSION_MAX_RETRIES", 3),

		UploadsBucket:     getEnv("UPLOADS_BUCKET", "c3d-uploads"),
		ConversionsBucket: getEnv("CONVERSIONS_BUCKET", "c3d-conversions"),
		// Prefer unified S3_* vars, fall back to the AWS_* names
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		UploadURLTTL:   getEnvDuration("UPLOAD_URL_TTL", time.Hour),
		DownloadURLTTL: getEnvDuration("DOWNLOAD_URL_TTL", time.Hour),

		SQSQueueURL:    getEnv("SQS_QUEUE_URL", ""),
		SQSWaitSeconds: getEnvInt("SQS_WAIT_SECONDS", 20),

		CADEngineURL:      getEnv("CAD_ENGINE_URL", "http://cad-engine:8000"),
		ScratchDir:        getEnv("SCRATCH_DIR", os.TempDir()),
		ConversionTimeout: getEnvDuration("CONVERSION_TIMEOUT", 120*time.Second),
		LinearDeflection:  getEnvFloat("LINEAR_DEFLECTION", 0.001),
		AngularDeflection: getEnvFloat("ANGULAR_DEFLECTION", 0.1),

		StaleAfter:       getEnvDuration("STALE_PROCESSING_AFTER", 5*time.Minute),
		RecoveryInterval: getEnvDuration("RECOVERY_INTERVAL", time.Minute),

		APIRateLimit:   getEnvFloat("API_RATE_LIMIT", 50),
		APIRateBurst:   getEnvInt("API_RATE_BURST", 100),
		MaxRequestBody: int64(getEnvInt("API_MAX_BODY_BYTES", 64<<10)),
	}
}

// Validate checks the settings the selected mode depends on.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeAPI, ModeWorker:
	default:
		return fmt.Errorf("invalid MODE %q (want all, api or worker)", c.Mode)
	}

	switch c.JobStore {
	case StoreMemory:
		if c.Mode != ModeAll {
			return fmt.Errorf("JOB_STORE=memory only works with MODE=all")
		}
	case StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("invalid JOB_STORE %q (want postgres, redis or memory)", c.JobStore)
	}

	if c.UploadsBucket == "" || c.ConversionsBucket == "" {
		return fmt.Errorf("UPLOADS_BUCKET and CONVERSIONS_BUCKET are required")
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("JOB_RETENTION must be positive")
	}
	if c.UploadURLTTL <= 0 || c.DownloadURLTTL <= 0 {
		return fmt.Errorf("UPLOAD_URL_TTL and DOWNLOAD_URL_TTL must be positive")
	}

	if c.Mode != ModeAPI {
		if c.WorkerCount <= 0 {
			return fmt.Errorf("CONVERSION_WORKER_COUNT must be greater than 0")
		}
		if c.ConversionTimeout <= 0 {
			return fmt.Errorf("CONVERSION_TIMEOUT must be positive")
		}
		if c.LinearDeflection <= 0 || c.AngularDeflection <= 0 {
			return fmt.Errorf("LINEAR_DEFLECTION and ANGULAR_DEFLECTION must be positive")
		}
		if c.StaleAfter <= 0 || c.RecoveryInterval <= 0 {
			return fmt.Errorf("STALE_PROCESSING_AFTER and RECOVERY_INTERVAL must be positive")
		}
	}

	return nil
}

func databaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "c3d")
	dbUser := getEnv("DB_USERNAME", "c3d")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	parts := []string{
		dsnPair("host", dbHost),
		dsnPair("port", dbPort),
		dsnPair("dbname", dbName),
		dsnPair("user", dbUser),
	}
	if dbPassword != "" {
		parts = append(parts, dsnPair("password", dbPassword))
	}
	parts = append(parts, dsnPair("sslmode", dbSSLMode))

	for _, opt := range []struct{ env, key string }{
		{"DB_SSLCERT", "sslcert"},
		{"DB_SSLKEY", "sslkey"},
		{"DB_SSLROOTCERT", "sslrootcert"},
	} {
		if v := getEnv(opt.env, ""); v != "" {
			parts = append(parts, dsnPair(opt.key, v))
		}
	}

	return strings.Join(parts, " ")
}

// dsnPair single-quotes value so spaces survive; quotes and backslashes
// inside it are backslash-escaped.
func dsnPair(key, value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return key + "='" + value + "'"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAllowEmpty falls back only when key is unset, not when it is empty.
func getEnvAllowEmpty(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
