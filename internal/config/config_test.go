package config

import (
	"strings"
	"testing"
	"time"
)

func validLocal() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "leadmarket"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Gateway: GatewayConfig{URL: "https://gw.example/api/transact.php", SecurityKey: "k"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLModeAndExchangeSecret(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"

	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
	if !strings.Contains(err.Error(), "DB_SSLMODE") || !strings.Contains(err.Error(), "EXCHANGE_WEBHOOK_SECRET") {
		t.Fatalf("expected both errors joined, got %v", err)
	}
}

func TestValidate_LocalAppliesDefaults(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Retry.Schedule != "@every 12h" {
		t.Fatalf("expected 12h retry schedule, got %q", c.Retry.Schedule)
	}
	if c.Gateway.Timeout != 30*time.Second || c.Billing.TopUpLockTTL <= c.Gateway.Timeout {
		t.Fatalf("unexpected gateway/top-up defaults: %v %v", c.Gateway.Timeout, c.Billing.TopUpLockTTL)
	}
	if c.Billing.LedgerMaxAttempts != 5 || c.Retry.MaxUsers != 50 {
		t.Fatalf("unexpected billing/retry defaults")
	}
	if c.Kafka.Topic != "" {
		t.Fatalf("kafka topic should stay empty without brokers")
	}
}

func TestValidate_RequiresGateway(t *testing.T) {
	c := validLocal()
	c.Gateway = GatewayConfig{}
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "GATEWAY_URL") {
		t.Fatalf("expected gateway url error, got %v", err)
	}
}

func TestLoad_ParsesOptionalSettings(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("GATEWAY_URL", "https://gw")
	t.Setenv("GATEWAY_SECURITY_KEY", "k")
	t.Setenv("RETRY_ENABLED", "true")
	t.Setenv("RETRY_MAX_USERS", "10")
	t.Setenv("RETRY_CALL_DELAY", "500ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Retry.Enabled || c.Retry.MaxUsers != 10 || c.Retry.CallDelay != 500*time.Millisecond {
		t.Fatalf("unexpected retry config: %+v", c.Retry)
	}
	if len(c.Kafka.Brokers) != 2 || c.Kafka.Brokers[1] != "k2:9092" || c.Kafka.Topic != "billing-events" {
		t.Fatalf("unexpected kafka config: %+v", c.Kafka)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "5432")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_NAME", "n")
	t.Setenv("REDIS_HOST", "redis")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("GATEWAY_URL", "https://gw")
	t.Setenv("GATEWAY_SECURITY_KEY", "k")
	t.Setenv("GATEWAY_TIMEOUT", "soon")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "GATEWAY_TIMEOUT") {
		t.Fatalf("expected duration parse error, got %v", err)
	}
}
