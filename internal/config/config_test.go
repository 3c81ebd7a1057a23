package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "order-saga", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "order_saga", cfg.Database.DBName)
	assert.Equal(t, 30*time.Second, cfg.Saga.StepTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Saga.SagaTimeout)
	assert.Equal(t, 3, cfg.Saga.MaxStepRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Saga.RetryBaseInterval)
	assert.Equal(t, 720*time.Hour, cfg.Saga.Retention)
	assert.True(t, cfg.Saga.RecoverOnStartup)
	assert.False(t, cfg.Failure.Enabled)
	assert.Equal(t, 1000.0, cfg.Failure.PaymentAmountThreshold)
	assert.Equal(t, 500, cfg.Failure.StockQuantityThreshold)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5433, User: "u", Password: "p",
		DBName: "order_saga", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db port=5433 user=u password=p dbname=order_saga sslmode=disable",
		d.DSN())
}

func TestRedisAddr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Saga.SagaTimeout = time.Second
	cfg.Saga.StepTimeout = time.Minute
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Failure.PaymentFailureProbability = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.App.Environment = "production"
	assert.Error(t, cfg.Validate(), "default API key must be rejected in production")

	cfg = base()
	cfg.Auth.APIKey = ""
	assert.Error(t, cfg.Validate())
}
