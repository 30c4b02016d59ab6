package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	// AMQPURL points at the task broker. Empty falls back to the in-process
	// dispatcher, which only makes sense for single-binary development.
	AMQPURL string

	StoragePath string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	RenderAPIKey  string
	RenderBaseURL string
	RenderRate    float64

	PollInterval    time.Duration
	MaxRetries      int
	MinChildSuccess int
	SweepLimit      int

	StallInteractive time.Duration
	StallVendor      time.Duration
	StallBatch       time.Duration

	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
	CORSAllowedOrigins []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		AMQPURL:     os.Getenv("AMQP_URL"),

		StoragePath: getEnv("STORAGE_PATH", "./storage"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    getEnv("S3_BUCKET", "atelier-artifacts"),
		S3UseSSL:    getEnv("S3_USE_SSL", "false") == "true",

		RenderAPIKey:  os.Getenv("RENDER_API_KEY"),
		RenderBaseURL: os.Getenv("RENDER_BASE_URL"),
		RenderRate:    float64(getEnvInt("RENDER_RATE_PER_SECOND", 5)),

		PollInterval:    time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)),
		MaxRetries:      getEnvInt("MAX_RECOVERY_RETRIES", 3),
		MinChildSuccess: getEnvInt("MIN_CHILD_SUCCESS", 1),
		SweepLimit:      getEnvInt("WATCHDOG_SWEEP_LIMIT", 100),

		StallInteractive: time.Second * time.Duration(getEnvInt("STALL_INTERACTIVE_SECONDS", 60)),
		StallVendor:      time.Second * time.Duration(getEnvInt("STALL_VENDOR_SECONDS", 300)),
		StallBatch:       time.Second * time.Duration(getEnvInt("STALL_BATCH_SECONDS", 120)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
