package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api and worker processes.
// All values must come from env (or an env-file loaded by main via godotenv).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
	Billing  BillingConfig
	Retry    RetryConfig
	Kafka    KafkaConfig
	Notify   NotifyConfig
	Exchange ExchangeConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// GatewayConfig points at the card gateway's transaction and query endpoints.
type GatewayConfig struct {
	URL         string
	QueryURL    string
	SecurityKey string
	Timeout     time.Duration
}

type BillingConfig struct {
	// LedgerMaxAttempts bounds optimistic-concurrency retries per ledger write.
	LedgerMaxAttempts int
	LedgerBackoff     time.Duration
	// TopUpLockTTL must exceed the gateway timeout.
	TopUpLockTTL time.Duration
}

type RetryConfig struct {
	Enabled     bool
	Schedule    string
	MinAge      time.Duration
	MaxAge      time.Duration
	MaxUsers    int
	CallDelay   time.Duration
	MaxAttempts int
	LockTTL     time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type NotifyConfig struct {
	Queue      string
	WebhookURL string
}

type ExchangeConfig struct {
	WebhookSecret string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Gateway.URL = strings.TrimSpace(os.Getenv("GATEWAY_URL"))
	c.Gateway.QueryURL = strings.TrimSpace(os.Getenv("GATEWAY_QUERY_URL"))
	c.Gateway.SecurityKey = os.Getenv("GATEWAY_SECURITY_KEY")
	c.Gateway.Timeout, parseErrs = optDuration(parseErrs, "GATEWAY_TIMEOUT")

	c.Billing.LedgerMaxAttempts, parseErrs = optInt(parseErrs, "LEDGER_MAX_ATTEMPTS")
	c.Billing.LedgerBackoff, parseErrs = optDuration(parseErrs, "LEDGER_BACKOFF")
	c.Billing.TopUpLockTTL, parseErrs = optDuration(parseErrs, "TOPUP_LOCK_TTL")

	c.Retry.Enabled = strings.EqualFold(strings.TrimSpace(os.Getenv("RETRY_ENABLED")), "true")
	c.Retry.Schedule = strings.TrimSpace(os.Getenv("RETRY_SCHEDULE"))
	c.Retry.MinAge, parseErrs = optDuration(parseErrs, "RETRY_MIN_AGE")
	c.Retry.MaxAge, parseErrs = optDuration(parseErrs, "RETRY_MAX_AGE")
	c.Retry.MaxUsers, parseErrs = optInt(parseErrs, "RETRY_MAX_USERS")
	c.Retry.CallDelay, parseErrs = optDuration(parseErrs, "RETRY_CALL_DELAY")
	c.Retry.MaxAttempts, parseErrs = optInt(parseErrs, "RETRY_MAX_ATTEMPTS")
	c.Retry.LockTTL, parseErrs = optDuration(parseErrs, "RETRY_LOCK_TTL")

	c.Kafka.Brokers = splitList(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_BILLING_TOPIC"))

	c.Notify.Queue = strings.TrimSpace(os.Getenv("NOTIFY_QUEUE"))
	c.Notify.WebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))

	c.Exchange.WebhookSecret = os.Getenv("EXCHANGE_WEBHOOK_SECRET")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required settings and fills in defaults for optional ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("GATEWAY_URL is required"))
	}
	if c.Gateway.SecurityKey == "" {
		errs = append(errs, errors.New("GATEWAY_SECURITY_KEY is required"))
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 30 * time.Second
	}

	if c.Billing.LedgerMaxAttempts <= 0 {
		c.Billing.LedgerMaxAttempts = 5
	}
	if c.Billing.LedgerBackoff <= 0 {
		c.Billing.LedgerBackoff = 20 * time.Millisecond
	}
	if c.Billing.TopUpLockTTL <= 0 {
		c.Billing.TopUpLockTTL = 2 * time.Minute
	}
	if c.Billing.TopUpLockTTL <= c.Gateway.Timeout {
		errs = append(errs, errors.New("TOPUP_LOCK_TTL must be greater than GATEWAY_TIMEOUT"))
	}

	if c.Retry.Schedule == "" {
		c.Retry.Schedule = "@every 12h"
	}
	if c.Retry.MinAge <= 0 {
		c.Retry.MinAge = 15 * time.Minute
	}
	if c.Retry.MaxAge <= 0 {
		c.Retry.MaxAge = 7 * 24 * time.Hour
	}
	if c.Retry.MaxAge <= c.Retry.MinAge {
		errs = append(errs, errors.New("RETRY_MAX_AGE must be greater than RETRY_MIN_AGE"))
	}
	if c.Retry.MaxUsers <= 0 {
		c.Retry.MaxUsers = 50
	}
	if c.Retry.CallDelay <= 0 {
		c.Retry.CallDelay = 2 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.LockTTL <= 0 {
		c.Retry.LockTTL = 6 * time.Hour
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "billing-events"
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "notifications"
	}

	if c.IsProduction() && c.Exchange.WebhookSecret == "" {
		errs = append(errs, errors.New("EXCHANGE_WEBHOOK_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
