package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAppName         = "PayFriend"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAccessTokenTTL  = 30 * time.Minute
	defaultProviderTimeout = 10 * time.Second
	defaultProviderBaseURL = "https://api.authy.com"
	defaultSandboxCode     = "123456"
	defaultAWSRegion       = "us-east-1"
	devJWTSecret           = "dev-only-jwt-secret"

	// StoreMemory keeps users and payments in process memory (development only).
	StoreMemory = "memory"
	// StorePostgres persists through pgx.
	StorePostgres = "postgres"
	// StoreDynamo persists through DynamoDB.
	StoreDynamo = "dynamodb"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string
	// LogFormat is "json" or "text".
	LogFormat string

	StoreBackend string
	DatabaseURL  string
	RedisURL     string

	AWSRegion      string
	AWSEndpointURL string // LocalStack in development, empty in production
	AWSAccessKeyID string
	AWSSecretKey   string
	DynamoTables   DynamoTables
	SNSEnabled     bool

	JWTSecret      string
	AccessTokenTTL time.Duration

	ProviderAPIKey  string
	ProviderBaseURL string
	ProviderTimeout time.Duration
	SandboxCode     string
	// SandboxCallbackSecret signs sandbox webhook callbacks. Empty falls
	// back to JWTSecret.
	SandboxCallbackSecret string
	// PublicBaseURL is the externally visible scheme+host the provider signs
	// callbacks against. Empty means use the request's own base URL.
	PublicBaseURL string

	ShutdownPeriod         time.Duration
	IdempotencyTTL         time.Duration
	CallbackRatePerSecond  float64
	CallbackBurst          int
	LoginAttemptsPerMinute int
}

// DynamoTables holds the DynamoDB table name for each entity.
type DynamoTables struct {
	Users    string
	Payments string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:      getEnv("APP_NAME", defaultAppName),
		AppEnv:       getEnv("APP_ENV", defaultAppEnv),
		Port:         getEnv("PORT", defaultPort),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:    strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		StoreBackend: strings.ToLower(os.Getenv("STORE_BACKEND")),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),

		AWSRegion:      getEnv("AWS_REGION", defaultAWSRegion),
		AWSEndpointURL: os.Getenv("AWS_ENDPOINT_URL"),
		AWSAccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		DynamoTables: DynamoTables{
			Users:    getEnv("DYNAMO_TABLE_USERS", "payfriend_users"),
			Payments: getEnv("DYNAMO_TABLE_PAYMENTS", "payfriend_payments"),
		},

		JWTSecret:             os.Getenv("JWT_SECRET"),
		ProviderAPIKey:        os.Getenv("PROVIDER_API_KEY"),
		ProviderBaseURL:       strings.TrimRight(getEnv("PROVIDER_BASE_URL", defaultProviderBaseURL), "/"),
		SandboxCode:           getEnv("SANDBOX_CODE", defaultSandboxCode),
		SandboxCallbackSecret: os.Getenv("SANDBOX_CALLBACK_SECRET"),
		PublicBaseURL:         strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),

		AccessTokenTTL:  defaultAccessTokenTTL,
		ProviderTimeout: defaultProviderTimeout,
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
	}

	var err error
	if cfg.SNSEnabled, err = getEnvBool("SNS_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = getEnvDuration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = getEnvDuration("ACCESS_TOKEN_TTL", cfg.AccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.ProviderTimeout, err = getEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout); err != nil {
		return Config{}, err
	}
	if cfg.CallbackRatePerSecond, err = getEnvFloat("CALLBACK_RATE_PER_SECOND", 10); err != nil {
		return Config{}, err
	}
	if cfg.CallbackBurst, err = getEnvInt("CALLBACK_BURST", 20); err != nil {
		return Config{}, err
	}
	if cfg.LoginAttemptsPerMinute, err = getEnvInt("LOGIN_ATTEMPTS_PER_MINUTE", 5); err != nil {
		return Config{}, err
	}

	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StorePostgres
		if cfg.DatabaseURL == "" && cfg.IsDev() {
			cfg.StoreBackend = StoreMemory
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = devJWTSecret
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for STORE_BACKEND=%s", c.StoreBackend)
		}
	case StoreDynamo:
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_BACKEND=%s is not allowed when APP_ENV=%s", c.StoreBackend, c.AppEnv)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.IsDev() {
		return nil
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	return nil
}

// IsDev reports whether the application runs in a local/development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// UseSandboxProvider reports whether the in-process verification provider
// should stand in for the real one.
func (c Config) UseSandboxProvider() bool {
	return c.ProviderAPIKey == "" && c.IsDev()
}

// SandboxSigningSecret is the key the sandbox provider signs callbacks with.
func (c Config) SandboxSigningSecret() string {
	if c.SandboxCallbackSecret != "" {
		return c.SandboxCallbackSecret
	}
	return c.JWTSecret
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvDuration accepts KEY_SECONDS as an integer or KEY as a Go duration.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	secondsKey := key + "_SECONDS"
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
