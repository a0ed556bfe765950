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
	DataRoot    string

	PricePerUnit  float64
	ArchivePrefix string
	MaxUploadMB   int64

	QueueDriver         string
	RedisURL            string
	AMQPURL             string
	QueueName           string
	QueueHealthInterval time.Duration

	APIBase           string
	WorkerConcurrency int
	WorkerStageDelay  time.Duration
	WorkerStorage     string
	MetricsPort       string

	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	CORSAllowedOrigins []string
	GeoIPDBPath        string
	LogLevel           string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
}

const (
	WorkerStorageAPI    = "api"
	WorkerStorageShared = "shared"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		Port:                getEnv("PORT", "3000"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DataRoot:            getEnv("DATA_ROOT", "./data"),
		PricePerUnit:        getEnvFloat("PRICE_PER_UNIT", 0.07),
		ArchivePrefix:       getEnv("ARCHIVE_PREFIX", "mapxion"),
		MaxUploadMB:         int64(getEnvInt("MAX_UPLOAD_MB", 2048)),
		RedisURL:            os.Getenv("REDIS_URL"),
		AMQPURL:             os.Getenv("AMQP_URL"),
		QueueName:           getEnv("QUEUE_NAME", "processQueue"),
		QueueHealthInterval: getEnvSeconds("QUEUE_HEALTH_INTERVAL_SECONDS", 5),
		APIBase:             strings.TrimRight(getEnv("API_BASE", "http://localhost:3000"), "/"),
		WorkerConcurrency:   getEnvInt("WORKER_CONCURRENCY", 1),
		WorkerStageDelay:    time.Millisecond * time.Duration(getEnvInt("WORKER_STAGE_DELAY_MS", 1500)),
		WorkerStorage:       strings.ToLower(getEnv("WORKER_STORAGE", WorkerStorageAPI)),
		MetricsPort:         getEnv("METRICS_PORT", "2113"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:          os.Getenv("S3_ENDPOINT"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		CORSAllowedOrigins:  splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		GeoIPDBPath:         os.Getenv("GEOIP_DB_PATH"),
		LogLevel:            strings.ToLower(os.Getenv("LOG_LEVEL")),
		HTTPReadTimeout:     getEnvSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
		HTTPWriteTimeout:    getEnvSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 0),
		HTTPIdleTimeout:     getEnvSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
	}

	cfg.QueueDriver = strings.ToLower(os.Getenv("QUEUE_DRIVER"))
	if cfg.QueueDriver == "" {
		switch {
		case cfg.RedisURL != "":
			cfg.QueueDriver = "redis"
		case cfg.AMQPURL != "":
			cfg.QueueDriver = "amqp"
		default:
			cfg.QueueDriver = "none"
		}
	}

	if cfg.PricePerUnit < 0 {
		return nil, fmt.Errorf("PRICE_PER_UNIT must not be negative")
	}
	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerStorage != WorkerStorageAPI && cfg.WorkerStorage != WorkerStorageShared {
		return nil, fmt.Errorf("WORKER_STORAGE must be %q or %q", WorkerStorageAPI, WorkerStorageShared)
	}

	return cfg, nil
}

// RequireDatabase reports a missing DATABASE_URL; only the API needs one.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// MaxUploadBytes converts MaxUploadMB to bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Second * time.Duration(getEnvInt(key, fallback))
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
