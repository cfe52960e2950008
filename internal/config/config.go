package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBSQLitePath      string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Kafka     KafkaConfig
	Pricing   PricingConfig
	Generator GeneratorConfig
	Worker    WorkerConfig

	Idempotency IdempotencyConfig
	AutoIntake  AutoIntakeConfig
	RateLimit   RateLimitConfig
	Scheduler   SchedulerConfig
}

// TelemetryConfig drives logging verbosity and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// PricingConfig carries unit prices in minor currency units.
type PricingConfig struct {
	Manuscript    int64
	ReceiptReview int64
}

type GeneratorConfig struct {
	Mode    string
	URL     string
	APIKey  string
	Timeout time.Duration
}

type WorkerConfig struct {
	Concurrency    int
	BatchSize      int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type IdempotencyConfig struct {
	Retention time.Duration
	LockTTL   time.Duration
}

type AutoIntakeConfig struct {
	Enabled bool
	Delay   time.Duration
}

type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	// EnabledJobs limits the scheduler to the named jobs; empty runs all.
	EnabledJobs []string
}

type RateLimitConfig struct {
	Enabled bool
	Rate    float64
	Burst   int
}

const (
	GeneratorModeHTTP   = "http"
	GeneratorModeStatic = "static"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "manuscript"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", getenv("DEPLOYMENT_ENV", "development")),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "manuscript"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBSQLitePath:      getenv("DATABASE_SQLITE_PATH", "manuscript.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getenvList("KAFKA_BROKERS"),
			Topic:   getenv("KAFKA_TOPIC", "manuscript.events"),
		},
		Pricing: PricingConfig{
			Manuscript:    getenvInt64("PRICE_MANUSCRIPT", 5000),
			ReceiptReview: getenvInt64("PRICE_RECEIPT_REVIEW", 3000),
		},
		Generator: GeneratorConfig{
			Mode:    strings.ToLower(getenv("GENERATOR_MODE", GeneratorModeStatic)),
			URL:     strings.TrimSpace(getenv("GENERATOR_URL", "")),
			APIKey:  strings.TrimSpace(getenv("GENERATOR_API_KEY", "")),
			Timeout: getenvDuration("GENERATOR_TIMEOUT", 60*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:    getenvInt("WORKER_CONCURRENCY", 2),
			BatchSize:      getenvInt("WORKER_BATCH_SIZE", 10),
			PollInterval:   getenvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			LeaseTTL:       getenvDuration("WORKER_LEASE_TTL", 3*time.Minute),
			MaxAttempts:    getenvInt("WORKER_MAX_ATTEMPTS", 3),
			BackoffInitial: getenvDuration("WORKER_BACKOFF_INITIAL", 5*time.Second),
			BackoffMax:     getenvDuration("WORKER_BACKOFF_MAX", 2*time.Minute),
		},
		Idempotency: IdempotencyConfig{
			Retention: getenvDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),
			LockTTL:   getenvDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		},
		AutoIntake: AutoIntakeConfig{
			Enabled: getenvBool("AUTO_INTAKE_ENABLED", false),
			Delay:   getenvDuration("AUTO_INTAKE_DELAY", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled: getenvBool("RATE_LIMIT_ENABLED", false),
			Rate:    getenvFloat("RATE_LIMIT_RATE", 1),
			Burst:   getenvInt("RATE_LIMIT_BURST", 10),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 30*time.Second),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			JobTimeout:  getenvDuration("SCHEDULER_JOB_TIMEOUT", 30*time.Second),
			EnabledJobs: getenvList("SCHEDULER_JOBS"),
		},
	}

	return cfg
}

// UnitPrice returns the configured price for an order type.
func (c Config) UnitPrice(orderType string) (int64, bool) {
	switch strings.ToUpper(strings.TrimSpace(orderType)) {
	case "MANUSCRIPT":
		return c.Pricing.Manuscript, true
	case "RECEIPT_REVIEW":
		return c.Pricing.ReceiptReview, true
	default:
		return 0, false
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvList(key string) []string {
	parts := strings.Split(os.Getenv(key), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
