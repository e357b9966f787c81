package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration, loaded from the environment with
// optional .env file support.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Auth     AuthConfig
	Redis    RedisConfig
	Trading  TradingConfig
	LogLevel string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

// GatewayConfig configures the PIX payment gateway client.
type GatewayConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string // empty disables webhook signature checks
	Timeout       time.Duration
	MaxRetries    int
}

// AuthConfig configures the identity middleware.
type AuthConfig struct {
	JWTSecret string
	// RejectOnFailure controls whether an invalid token aborts the request
	// with 401 or lets it pass through unauthenticated.
	RejectOnFailure bool
}

// RedisConfig configures the optional webhook dedup cache.
type RedisConfig struct {
	Addr     string // empty disables redis
	Password string
	DB       int
}

// TradingConfig configures trade settlement.
type TradingConfig struct {
	// PayoutRatio is the profit multiplier for a winning trade, e.g. 0.87.
	PayoutRatio      float64
	SweepInterval    time.Duration
	PriceFeedURL     string
	PriceFeedTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_ADDR", ":8080")
	v.SetDefault("SERVER_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("DB_MAX_OPEN_CONNS", 50)
	v.SetDefault("DB_MAX_IDLE_CONNS", 10)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 3600)
	v.SetDefault("GATEWAY_TIMEOUT", "10s")
	v.SetDefault("GATEWAY_MAX_RETRIES", 3)
	v.SetDefault("AUTH_REJECT_ON_FAILURE", true)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PAYOUT_RATIO", 0.87)
	v.SetDefault("SETTLEMENT_SWEEP_INTERVAL", "5s")
	v.SetDefault("PRICE_FEED_TIMEOUT", "5s")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("SERVER_ADDR"),
			ShutdownTimeout: v.GetDuration("SERVER_SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetInt("DB_CONN_MAX_LIFETIME"),
		},
		Gateway: GatewayConfig{
			BaseURL:       v.GetString("GATEWAY_BASE_URL"),
			ClientID:      v.GetString("GATEWAY_CLIENT_ID"),
			ClientSecret:  v.GetString("GATEWAY_CLIENT_SECRET"),
			WebhookSecret: v.GetString("GATEWAY_WEBHOOK_SECRET"),
			Timeout:       v.GetDuration("GATEWAY_TIMEOUT"),
			MaxRetries:    v.GetInt("GATEWAY_MAX_RETRIES"),
		},
		Auth: AuthConfig{
			JWTSecret:       v.GetString("JWT_SECRET"),
			RejectOnFailure: v.GetBool("AUTH_REJECT_ON_FAILURE"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Trading: TradingConfig{
			PayoutRatio:      v.GetFloat64("PAYOUT_RATIO"),
			SweepInterval:    v.GetDuration("SETTLEMENT_SWEEP_INTERVAL"),
			PriceFeedURL:     v.GetString("PRICE_FEED_URL"),
			PriceFeedTimeout: v.GetDuration("PRICE_FEED_TIMEOUT"),
		},
		LogLevel: v.GetString("LOG_LEVEL"),
	}

	return cfg, nil
}
