package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the API and worker services.
type Config struct {
	Env         string `validate:"required"`
	HTTPPort    string `validate:"required,numeric"`
	MetricsAddr string
	LogLevel    string `validate:"oneof=debug info warn error"`
	LogFormat   string `validate:"oneof=json text"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	PostgresDSN   string

	WorkerCount         int           `validate:"gte=1"`
	QueueCapacity       int           `validate:"gte=0"`
	TaskTimeout         time.Duration `validate:"gt=0"`
	TaskTimeouts        map[string]time.Duration
	CancelGrace         time.Duration `validate:"gte=0"`
	MaxRetries          int           `validate:"gte=0"`
	BackoffInitial      time.Duration `validate:"gt=0"`
	BackoffMax          time.Duration `validate:"gtefield=BackoffInitial"`
	BackoffJitter       float64       `validate:"gte=0,lte=1"`
	ProgressGranularity int           `validate:"gte=1,lte=100"`

	IdempotencyBackend string        `validate:"oneof=memory redis postgres"`
	IdempotencyTTL     time.Duration `validate:"gt=0"`
	Retention          time.Duration `validate:"gt=0"`
	RetentionSweep     time.Duration `validate:"gt=0"`
	StatusStoreTimeout time.Duration `validate:"gt=0"`
	HookTimeout        time.Duration `validate:"gt=0"`

	RateLimitBackend  string  `validate:"oneof=local redis off"`
	RateLimitCapacity int     `validate:"gte=1"`
	RateLimitRefill   float64 `validate:"gt=0"`

	JWTSecret          string
	CORSAllowedOrigins []string

	NotifyWebhookURL    string `validate:"omitempty,url"`
	NotifyWebhookSecret string
	ArchiveS3Bucket     string
	ArchiveS3Region     string `validate:"required_with=ArchiveS3Bucket"`
	ArchiveS3Endpoint   string `validate:"omitempty,url"`
	ArchiveS3PathStyle  bool

	PollFeedURL    string        `validate:"omitempty,url"`
	PollSource     string        `validate:"required_with=PollFeedURL"`
	PollTaskType   string        `validate:"required_with=PollFeedURL"`
	PollInterval   time.Duration `validate:"gt=0"`
	IntakeBackend  string        `validate:"oneof=memory redis"`
	IntakeSeenTTL  time.Duration `validate:"gt=0"`
	WebhookSources map[string]string
	WebhookSecret  string
}

// Load reads configuration from the environment (and a .env file, if one
// exists) with defaults for local development.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:                 getEnv("APP_ENV", "dev"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "json")),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvInt("REDIS_DB", 0),
		PostgresDSN:         getEnv("POSTGRES_DSN", ""),
		WorkerCount:         getEnvInt("WORKER_COUNT", 4),
		QueueCapacity:       getEnvInt("QUEUE_CAPACITY", 0),
		TaskTimeout:         getEnvDuration("TASK_TIMEOUT", 5*time.Minute),
		CancelGrace:         getEnvDuration("CANCEL_GRACE", 30*time.Second),
		MaxRetries:          getEnvInt("MAX_RETRIES", 3),
		BackoffInitial:      getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:          getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		BackoffJitter:       getEnvFloat("BACKOFF_JITTER", 0.2),
		ProgressGranularity: getEnvInt("PROGRESS_GRANULARITY", 5),
		IdempotencyBackend:  strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", "memory")),
		IdempotencyTTL:      getEnvDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		Retention:           getEnvDuration("RETENTION", time.Hour),
		RetentionSweep:      getEnvDuration("RETENTION_SWEEP", time.Minute),
		StatusStoreTimeout:  getEnvDuration("STATUS_STORE_TIMEOUT", 2*time.Second),
		HookTimeout:         getEnvDuration("HOOK_TIMEOUT", 10*time.Second),
		RateLimitBackend:    strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "local")),
		RateLimitCapacity:   getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:     getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", nil),
		NotifyWebhookURL:    getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookSecret: getEnv("NOTIFY_WEBHOOK_SECRET", ""),
		ArchiveS3Bucket:     getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:     getEnv("ARCHIVE_S3_REGION", ""),
		ArchiveS3Endpoint:   getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle:  getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
		PollFeedURL:         getEnv("POLL_FEED_URL", ""),
		PollSource:          getEnv("POLL_SOURCE", ""),
		PollTaskType:        getEnv("POLL_TASK_TYPE", ""),
		PollInterval:        getEnvDuration("POLL_INTERVAL", time.Minute),
		IntakeBackend:       strings.ToLower(getEnv("INTAKE_BACKEND", "memory")),
		IntakeSeenTTL:       getEnvDuration("INTAKE_SEEN_TTL", 7*24*time.Hour),
		WebhookSecret:       getEnv("WEBHOOK_SECRET", ""),
	}

	var err error
	if cfg.TaskTimeouts, err = parseDurationMap(os.Getenv("TASK_TIMEOUTS")); err != nil {
		return Config{}, fmt.Errorf("TASK_TIMEOUTS: %w", err)
	}
	if cfg.WebhookSources, err = parseStringMap(os.Getenv("WEBHOOK_SOURCES")); err != nil {
		return Config{}, fmt.Errorf("WEBHOOK_SOURCES: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IdempotencyBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("invalid config: IDEMPOTENCY_BACKEND=redis needs REDIS_ADDR")
	}
	if c.IdempotencyBackend == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("invalid config: IDEMPOTENCY_BACKEND=postgres needs POSTGRES_DSN")
	}
	if c.RateLimitBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("invalid config: RATE_LIMIT_BACKEND=redis needs REDIS_ADDR")
	}
	if c.IntakeBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("invalid config: INTAKE_BACKEND=redis needs REDIS_ADDR")
	}
	return nil
}

// UsesRedis reports whether any component is configured to talk to Redis.
func (c Config) UsesRedis() bool {
	return c.IdempotencyBackend == "redis" || c.RateLimitBackend == "redis" || c.IntakeBackend == "redis"
}

// parseStringMap parses "a=b,c=d".
func parseStringMap(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range getList(v) {
		k, val, ok := strings.Cut(pair, "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("malformed entry %q, want key=value", pair)
		}
		out[k] = val
	}
	return out, nil
}

// parseDurationMap parses "a=30s,b=5m".
func parseDurationMap(v string) (map[string]time.Duration, error) {
	raw, err := parseStringMap(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(raw))
	for k, val := range raw {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if out := getList(os.Getenv(key)); len(out) > 0 {
		return out
	}
	return def
}

func getList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
