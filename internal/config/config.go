package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by the *_BACKEND / JOB_STORE settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamo   = "dynamo"
	BackendPostgres = "postgres"

	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	AppPort  string
	AppEnv   string
	LogLevel string

	AWSRegion      string
	AWSEndpointURL string // empty in prod, set to LocalStack URL in dev
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables
	S3BucketName   string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	PostgresDSN string

	StagingBackend string // redis | dynamo | memory
	QueueBackend   string // memory | redis
	JobStore       string // dynamo | postgres | memory

	Workers       int
	QueueCapacity int

	OTPChannel      string // sms | email
	OTPTTL          time.Duration
	RegistrationTTL time.Duration
	UpstreamTimeout time.Duration

	PredictBaseURL       string
	PredictAPIKey        string
	PredictRatePerSec    float64
	ResultArchiveEnabled bool

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTExpiry         time.Duration
	RefreshTokenDur   time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string

	SNSRegion      string
	AllowedOrigins []string // CORS allowed origins
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Users    string
	UserKeys string
	Sessions string
	Devices  string
	Jobs     string
	JobKeys  string
	Staging  string
}

// Load reads all configuration from environment variables.
func Load() *Config {
	return &Config{
		AppPort:  getEnv("APP_PORT", "3000"),
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL: getEnv("AWS_ENDPOINT_URL", ""),
		AWSAccessKeyID: getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
		DynamoTables: DynamoTables{
			Users:    getEnv("DYNAMO_TABLE_USERS", "users"),
			UserKeys: getEnv("DYNAMO_TABLE_USER_KEYS", "user_keys"),
			Sessions: getEnv("DYNAMO_TABLE_SESSIONS", "sessions"),
			Devices:  getEnv("DYNAMO_TABLE_DEVICES", "devices"),
			Jobs:     getEnv("DYNAMO_TABLE_JOBS", "prediction_jobs"),
			JobKeys:  getEnv("DYNAMO_TABLE_JOB_KEYS", "prediction_job_keys"),
			Staging:  getEnv("DYNAMO_TABLE_STAGING", "staging"),
		},
		S3BucketName: getEnv("S3_BUCKET_NAME", "go-chem-results"),

		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "chem:"),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		StagingBackend: getEnv("STAGING_BACKEND", BackendRedis),
		QueueBackend:   getEnv("QUEUE_BACKEND", BackendMemory),
		JobStore:       getEnv("JOB_STORE", BackendDynamo),

		Workers:       getEnvInt("WORKERS", 4),
		QueueCapacity: getEnvInt("QUEUE_CAPACITY", 256),

		OTPChannel:      getEnv("OTP_CHANNEL", ChannelSMS),
		OTPTTL:          getEnvSeconds("OTP_TTL_SECONDS", 300),
		RegistrationTTL: getEnvSeconds("REGISTRATION_TTL_SECONDS", 300),
		UpstreamTimeout: getEnvSeconds("UPSTREAM_TIMEOUT_SECONDS", 30),

		PredictBaseURL:       getEnv("PREDICT_BASE_URL", "https://alphafold.ebi.ac.uk/api"),
		PredictAPIKey:        getEnv("PREDICT_API_KEY", ""),
		PredictRatePerSec:    getEnvFloat("PREDICT_RATE_PER_SEC", 2),
		ResultArchiveEnabled: getEnvBool("RESULT_ARCHIVE_ENABLED", false),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "./private_key.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "./public_key.pem"),
		JWTExpiry:         time.Duration(getEnvInt("JWT_EXPIRY_DAYS", 7)) * 24 * time.Hour,
		RefreshTokenDur:   time.Duration(getEnvInt("REFRESH_TOKEN_EXPIRY_DAYS", 30)) * 24 * time.Hour,

		SMTPHost:     getEnv("SMTP_HOST", "localhost"),
		SMTPPort:     getEnv("SMTP_PORT", "1025"),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),

		SNSRegion:      getEnv("SNS_REGION", "us-east-1"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}
}

// Validate rejects backend and channel names the binaries don't know how to wire.
func (c *Config) Validate() error {
	switch c.StagingBackend {
	case BackendRedis, BackendDynamo, BackendMemory:
	default:
		return fmt.Errorf("unknown STAGING_BACKEND %q", c.StagingBackend)
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	switch c.JobStore {
	case BackendDynamo, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown JOB_STORE %q", c.JobStore)
	}
	if c.JobStore == BackendMemory && c.QueueBackend != BackendMemory {
		return fmt.Errorf("JOB_STORE=memory only works with QUEUE_BACKEND=memory")
	}
	if c.JobStore == BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when JOB_STORE=postgres")
	}
	switch c.OTPChannel {
	case ChannelSMS, ChannelEmail:
	default:
		return fmt.Errorf("unknown OTP_CHANNEL %q", c.OTPChannel)
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
