package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	"github.com/hibiken/asynq"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Removal   RemovalConfig
	Canvas    CanvasConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr          string
	PresignTTL    time.Duration
	UserIDHeader  string
	MaxUploadSize int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	MetricsAddr    string
	ErrorCard      bool
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

type RemovalConfig struct {
	Endpoint       string
	APIKey         string
	Timeout        time.Duration
	MaxAttempts    int
	RequestsPerSec float64
	Burst          int
	Disabled       bool
}

type CanvasConfig struct {
	Width  int
	Height int
}

func (c CanvasConfig) Frame() fit.Frame {
	return fit.Frame{Width: c.Width, Height: c.Height}
}

type RateLimitConfig struct {
	Enabled  bool
	Capacity int
	Window   time.Duration
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TelemetryConfig struct {
	Environment   string
	TraceExporter string
	OTLPEndpoint  string
	OTLPInsecure  bool
	SampleRatio   float64
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:          env("BACKDROP_API_ADDR", ":8080"),
			PresignTTL:    envDuration("BACKDROP_PRESIGN_TTL", 15*time.Minute),
			UserIDHeader:  env("BACKDROP_USER_ID_HEADER", "X-User-ID"),
			MaxUploadSize: int64(envInt("BACKDROP_MAX_UPLOAD_MB", 12)) << 20,
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.backdrop-output"),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
			ErrorCard:      envBool("WORKER_ERROR_CARD", true),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "backdrop-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Removal: RemovalConfig{
			Endpoint:       env("REMOVAL_ENDPOINT", "https://api.remove.bg/v1.0/removebg"),
			APIKey:         env("REMOVAL_API_KEY", ""),
			Timeout:        envDuration("REMOVAL_TIMEOUT", 60*time.Second),
			MaxAttempts:    envInt("REMOVAL_MAX_ATTEMPTS", 3),
			RequestsPerSec: envFloat("REMOVAL_REQUESTS_PER_SEC", 2),
			Burst:          envInt("REMOVAL_BURST", 2),
			Disabled:       envBool("REMOVAL_DISABLED", false),
		},
		Canvas: CanvasConfig{
			Width:  envInt("CANVAS_WIDTH", domain.DefaultFrameWidth),
			Height: envInt("CANVAS_HEIGHT", domain.DefaultFrameHeight),
		},
		RateLimit: RateLimitConfig{
			Enabled:  envBool("RATE_LIMIT_ENABLED", true),
			Capacity: envInt("RATE_LIMIT_CAPACITY", 20),
			Window:   envDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			Environment:   env("BACKDROP_ENV", "development"),
			TraceExporter: env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint:  env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure:  envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:   envFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		},
		Log: LogConfig{
			File:       env("LOG_FILE", ""),
			MaxSizeMB:  envInt("LOG_MAX_SIZE_MB", 50),
			MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: envInt("LOG_MAX_AGE_DAYS", 14),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
