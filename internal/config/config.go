package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Email providers.
const (
	ProviderSendGrid = "sendgrid"
	ProviderSES      = "ses"
	ProviderLog      = "log"
)

// Queue backends.
const (
	QueueNone     = "none"
	QueueSQS      = "sqs"
	QueueRabbitMQ = "rabbitmq"
)

// Realtime fan-out modes.
const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Empty RedisHost disables idempotency, rate limiting and
	// cross-instance fan-out.
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	AWSRegion string

	// Email provider
	EmailProvider   string
	EmailFrom       string
	EmailFromName   string
	SendGridAPIKey  string
	SendGridBaseURL string
	EmailTimeout    time.Duration

	// Polling dispatcher
	PollEnabled   bool
	PollInterval  time.Duration
	PollBatchSize int
	ClaimLease    time.Duration

	// Queue trigger
	QueueBackend     string
	SQSQueueURL      string
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string
	QueueConcurrency int
	EmailTopicARN    string // when set, the outbox publishes to SNS instead of the queue

	// Outbox relay
	OutboxEnabled  bool
	OutboxInterval time.Duration

	// Realtime
	RealtimeFanout  string
	RealtimeChannel string

	JWTSecret string

	// Rate limiting
	RateLimit       int
	RateLimitWindow time.Duration
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is read first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "postgres",
		DBName:    "herald",
		DBSSLMode: "disable",

		RedisPort: 6379,

		AWSRegion: "us-east-1",

		EmailProvider: ProviderLog,
		EmailFrom:     "noreply@herald.local",
		EmailFromName: "Herald",
		EmailTimeout:  10 * time.Second,

		PollEnabled:   true,
		PollInterval:  5 * time.Second,
		PollBatchSize: 20,
		ClaimLease:    2 * time.Minute,

		QueueBackend:     QueueNone,
		RabbitMQExchange: "herald.notifications",
		RabbitMQQueue:    "herald.email",
		QueueConcurrency: 5,

		OutboxInterval: 2 * time.Second,

		RealtimeFanout:  FanoutLocal,
		RealtimeChannel: "herald:realtime",

		RateLimit:       100,
		RateLimitWindow: time.Minute,
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)

	// Database config
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	// Redis config
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)

	// Email provider
	cfg.EmailProvider = envString("EMAIL_PROVIDER", cfg.EmailProvider)
	cfg.EmailFrom = envString("EMAIL_FROM", cfg.EmailFrom)
	cfg.EmailFromName = envString("EMAIL_FROM_NAME", cfg.EmailFromName)
	cfg.SendGridAPIKey = envString("SENDGRID_API_KEY", cfg.SendGridAPIKey)
	cfg.SendGridBaseURL = envString("SENDGRID_BASE_URL", cfg.SendGridBaseURL)
	if cfg.EmailTimeout, err = envDuration("EMAIL_TIMEOUT", cfg.EmailTimeout); err != nil {
		return nil, err
	}

	// Polling dispatcher
	if cfg.PollEnabled, err = envBool("POLL_ENABLED", cfg.PollEnabled); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.PollBatchSize, err = envInt("POLL_BATCH_SIZE", cfg.PollBatchSize); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = envDuration("CLAIM_LEASE", cfg.ClaimLease); err != nil {
		return nil, err
	}

	// Queue trigger
	cfg.QueueBackend = envString("QUEUE_BACKEND", cfg.QueueBackend)
	cfg.SQSQueueURL = envString("SQS_QUEUE_URL", cfg.SQSQueueURL)
	cfg.RabbitMQURL = envString("RABBITMQ_URL", cfg.RabbitMQURL)
	cfg.RabbitMQExchange = envString("RABBITMQ_EXCHANGE", cfg.RabbitMQExchange)
	cfg.RabbitMQQueue = envString("RABBITMQ_QUEUE", cfg.RabbitMQQueue)
	if cfg.QueueConcurrency, err = envInt("QUEUE_CONCURRENCY", cfg.QueueConcurrency); err != nil {
		return nil, err
	}
	cfg.EmailTopicARN = envString("EMAIL_TOPIC_ARN", cfg.EmailTopicARN)

	// Outbox relay. Defaults on whenever a queue backend is selected.
	cfg.OutboxEnabled = cfg.QueueBackend != QueueNone
	if cfg.OutboxEnabled, err = envBool("OUTBOX_ENABLED", cfg.OutboxEnabled); err != nil {
		return nil, err
	}
	if cfg.OutboxInterval, err = envDuration("OUTBOX_INTERVAL", cfg.OutboxInterval); err != nil {
		return nil, err
	}

	cfg.RealtimeFanout = envString("REALTIME_FANOUT", cfg.RealtimeFanout)
	cfg.RealtimeChannel = envString("REALTIME_CHANNEL", cfg.RealtimeChannel)

	cfg.JWTSecret = envString("JWT_SECRET", cfg.JWTSecret)

	if cfg.RateLimit, err = envInt("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}
	if cfg.RateLimitWindow, err = envDuration("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.EmailProvider {
	case ProviderSendGrid:
		if c.SendGridAPIKey == "" {
			return fmt.Errorf("SENDGRID_API_KEY is required for provider %q", c.EmailProvider)
		}
	case ProviderSES, ProviderLog:
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER: %q", c.EmailProvider)
	}

	switch c.QueueBackend {
	case QueueNone:
	case QueueSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required for queue backend %q", c.QueueBackend)
		}
	case QueueRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required for queue backend %q", c.QueueBackend)
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND: %q", c.QueueBackend)
	}

	switch c.RealtimeFanout {
	case FanoutLocal:
	case FanoutRedis:
		if c.RedisHost == "" {
			return fmt.Errorf("REDIS_HOST is required for realtime fan-out %q", c.RealtimeFanout)
		}
	default:
		return fmt.Errorf("invalid REALTIME_FANOUT: %q", c.RealtimeFanout)
	}

	return nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

func envBool(name string, fallback bool) (bool, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return b, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
