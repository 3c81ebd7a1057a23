package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	OTel         OTelConfig         `mapstructure:"otel"`
	Saga         SagaConfig         `mapstructure:"saga"`
	Failure      FailureConfig      `mapstructure:"failure"`
	Participants ParticipantsConfig `mapstructure:"participants"`
	Auth         AuthConfig         `mapstructure:"auth"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// SagaConfig holds orchestration timing and retention settings
type SagaConfig struct {
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	SagaTimeout       time.Duration `mapstructure:"saga_timeout"`
	MaxStepRetries    int           `mapstructure:"max_step_retries"`
	RetryBaseInterval time.Duration `mapstructure:"retry_base_interval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSweep    time.Duration `mapstructure:"retention_sweep"`
	RecoverOnStartup  bool          `mapstructure:"recover_on_startup"`
	EventLogPartitions int          `mapstructure:"event_log_partitions"`
}

// FailureConfig holds controlled failure injection settings
type FailureConfig struct {
	Enabled                        bool    `mapstructure:"enabled"`
	InsufficientStockProbability   float64 `mapstructure:"insufficient_stock_probability"`
	PaymentFailureProbability      float64 `mapstructure:"payment_failure_probability"`
	NetworkTimeoutProbability      float64 `mapstructure:"network_timeout_probability"`
	DatabaseFailureProbability     float64 `mapstructure:"database_failure_probability"`
	ServiceUnavailableProbability  float64 `mapstructure:"service_unavailable_probability"`
	FailureDelayMs                 int     `mapstructure:"failure_delay_ms"`
	PaymentAmountThreshold         float64 `mapstructure:"payment_amount_threshold"`
	StockQuantityThreshold         int     `mapstructure:"stock_quantity_threshold"`
}

// ParticipantsConfig holds base URLs of the participant services
type ParticipantsConfig struct {
	InventoryServiceURL    string        `mapstructure:"inventory_service_url"`
	PaymentServiceURL      string        `mapstructure:"payment_service_url"`
	OrderServiceURL        string        `mapstructure:"order_service_url"`
	NotificationServiceURL string        `mapstructure:"notification_service_url"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`

	// ListenPort is the port the participant host binary binds to.
	ListenPort int `mapstructure:"listen_port"`
}

// AuthConfig holds the shared-secret API key for the coordinator surface
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional, environment variables may carry everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// fall through, env vars may still satisfy the config
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	bindConfig(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "order-saga")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")

	// Server defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_READ_TIMEOUT", "30s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "30s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "order_saga")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")

	// Redis defaults
	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_ENABLED", false)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "order-saga")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", true)
	v.SetDefault("OTEL_SERVICE_NAME", "order-saga")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Saga defaults
	v.SetDefault("SAGA_STEP_TIMEOUT", "30s")
	v.SetDefault("SAGA_SAGA_TIMEOUT", "5m")
	v.SetDefault("SAGA_MAX_STEP_RETRIES", 3)
	v.SetDefault("SAGA_RETRY_BASE_INTERVAL", "250ms")
	v.SetDefault("SAGA_LOCK_TTL", "30s")
	v.SetDefault("SAGA_RETENTION", "720h") // 30 days
	v.SetDefault("SAGA_RETENTION_SWEEP", "1h")
	v.SetDefault("SAGA_RECOVER_ON_STARTUP", true)
	v.SetDefault("SAGA_EVENT_LOG_PARTITIONS", 8)

	// Failure injection defaults (all off)
	v.SetDefault("FAILURE_ENABLED", false)
	v.SetDefault("FAILURE_INSUFFICIENT_STOCK_PROBABILITY", 0.0)
	v.SetDefault("FAILURE_PAYMENT_FAILURE_PROBABILITY", 0.0)
	v.SetDefault("FAILURE_NETWORK_TIMEOUT_PROBABILITY", 0.0)
	v.SetDefault("FAILURE_DATABASE_FAILURE_PROBABILITY", 0.0)
	v.SetDefault("FAILURE_SERVICE_UNAVAILABLE_PROBABILITY", 0.0)
	v.SetDefault("FAILURE_FAILURE_DELAY_MS", 0)
	v.SetDefault("FAILURE_PAYMENT_AMOUNT_THRESHOLD", 1000.0)
	v.SetDefault("FAILURE_STOCK_QUANTITY_THRESHOLD", 500)

	// Participant defaults (single-host development layout)
	v.SetDefault("PARTICIPANTS_INVENTORY_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("PARTICIPANTS_PAYMENT_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("PARTICIPANTS_ORDER_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("PARTICIPANTS_NOTIFICATION_SERVICE_URL", "http://localhost:8081")
	v.SetDefault("PARTICIPANTS_REQUEST_TIMEOUT", "30s")
	v.SetDefault("PARTICIPANTS_LISTEN_PORT", 8081)

	// Auth defaults
	v.SetDefault("AUTH_API_KEY", "change-me-in-production")
}

func bindConfig(v *viper.Viper, cfg *Config) {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Database
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")

	// Redis
	cfg.Redis.Enabled = v.GetBool("REDIS_ENABLED")
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	cfg.Kafka.Enabled = v.GetBool("KAFKA_ENABLED")
	cfg.Kafka.Brokers = strings.Split(v.GetString("KAFKA_BROKERS"), ",")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	// Saga
	cfg.Saga.StepTimeout = v.GetDuration("SAGA_STEP_TIMEOUT")
	cfg.Saga.SagaTimeout = v.GetDuration("SAGA_SAGA_TIMEOUT")
	cfg.Saga.MaxStepRetries = v.GetInt("SAGA_MAX_STEP_RETRIES")
	cfg.Saga.RetryBaseInterval = v.GetDuration("SAGA_RETRY_BASE_INTERVAL")
	cfg.Saga.LockTTL = v.GetDuration("SAGA_LOCK_TTL")
	cfg.Saga.Retention = v.GetDuration("SAGA_RETENTION")
	cfg.Saga.RetentionSweep = v.GetDuration("SAGA_RETENTION_SWEEP")
	cfg.Saga.RecoverOnStartup = v.GetBool("SAGA_RECOVER_ON_STARTUP")
	cfg.Saga.EventLogPartitions = v.GetInt("SAGA_EVENT_LOG_PARTITIONS")

	// Failure injection
	cfg.Failure.Enabled = v.GetBool("FAILURE_ENABLED")
	cfg.Failure.InsufficientStockProbability = v.GetFloat64("FAILURE_INSUFFICIENT_STOCK_PROBABILITY")
	cfg.Failure.PaymentFailureProbability = v.GetFloat64("FAILURE_PAYMENT_FAILURE_PROBABILITY")
	cfg.Failure.NetworkTimeoutProbability = v.GetFloat64("FAILURE_NETWORK_TIMEOUT_PROBABILITY")
	cfg.Failure.DatabaseFailureProbability = v.GetFloat64("FAILURE_DATABASE_FAILURE_PROBABILITY")
	cfg.Failure.ServiceUnavailableProbability = v.GetFloat64("FAILURE_SERVICE_UNAVAILABLE_PROBABILITY")
	cfg.Failure.FailureDelayMs = v.GetInt("FAILURE_FAILURE_DELAY_MS")
	cfg.Failure.PaymentAmountThreshold = v.GetFloat64("FAILURE_PAYMENT_AMOUNT_THRESHOLD")
	cfg.Failure.StockQuantityThreshold = v.GetInt("FAILURE_STOCK_QUANTITY_THRESHOLD")

	// Participants
	cfg.Participants.InventoryServiceURL = v.GetString("PARTICIPANTS_INVENTORY_SERVICE_URL")
	cfg.Participants.PaymentServiceURL = v.GetString("PARTICIPANTS_PAYMENT_SERVICE_URL")
	cfg.Participants.OrderServiceURL = v.GetString("PARTICIPANTS_ORDER_SERVICE_URL")
	cfg.Participants.NotificationServiceURL = v.GetString("PARTICIPANTS_NOTIFICATION_SERVICE_URL")
	cfg.Participants.RequestTimeout = v.GetDuration("PARTICIPANTS_REQUEST_TIMEOUT")
	cfg.Participants.ListenPort = v.GetInt("PARTICIPANTS_LISTEN_PORT")

	// Auth
	cfg.Auth.APIKey = v.GetString("AUTH_API_KEY")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Saga.StepTimeout <= 0 {
		return fmt.Errorf("saga step timeout must be positive")
	}
	if c.Saga.SagaTimeout < c.Saga.StepTimeout {
		return fmt.Errorf("saga timeout %s must not be shorter than step timeout %s",
			c.Saga.SagaTimeout, c.Saga.StepTimeout)
	}
	if c.Saga.MaxStepRetries < 0 {
		return fmt.Errorf("max step retries must not be negative")
	}
	if c.Saga.EventLogPartitions <= 0 {
		return fmt.Errorf("event log partition count must be positive")
	}

	for name, p := range map[string]float64{
		"insufficient_stock_probability":  c.Failure.InsufficientStockProbability,
		"payment_failure_probability":     c.Failure.PaymentFailureProbability,
		"network_timeout_probability":     c.Failure.NetworkTimeoutProbability,
		"database_failure_probability":    c.Failure.DatabaseFailureProbability,
		"service_unavailable_probability": c.Failure.ServiceUnavailableProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s out of range [0,1]: %f", name, p)
		}
	}

	if c.Auth.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.App.Environment == "production" && c.Auth.APIKey == "change-me-in-production" {
		return fmt.Errorf("API key must be changed in production")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
