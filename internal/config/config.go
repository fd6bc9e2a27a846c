// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the settings shared by the plan services. Each binary reads
// the subset it needs; unset sections are left at their defaults.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	IdentityURL        string `mapstructure:"IDENTITY_URL"`
	NotifyGatewayURL   string `mapstructure:"NOTIFY_GATEWAY_URL"`
	NotifyGatewayKey   string `mapstructure:"NOTIFY_GATEWAY_KEY"`
	OTLPEndpoint       string `mapstructure:"OTLP_ENDPOINT"`
	APIKeys            string `mapstructure:"API_KEYS"`
	ReminderIntervalMS int64  `mapstructure:"REMINDER_INTERVAL_MS"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "plan-notifier")
	v.SetDefault("REMINDER_INTERVAL_MS", int64(6*60*60*1000))

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("KAFKA_BROKERS")
	v.BindEnv("CONSUMER_GROUP")
	v.BindEnv("IDENTITY_URL")
	v.BindEnv("NOTIFY_GATEWAY_URL")
	v.BindEnv("NOTIFY_GATEWAY_KEY")
	v.BindEnv("OTLP_ENDPOINT")
	v.BindEnv("API_KEYS")
	v.BindEnv("REMINDER_INTERVAL_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.KafkaBrokers) <= 1 {
		brokers := v.GetString("KAFKA_BROKERS")
		if brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// IsDev reports whether the service runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ParseAPIKeys turns the "key:client,key:client" API_KEYS string into the
// map the auth middleware consumes. Malformed pairs are skipped.
func (c *Config) ParseAPIKeys() map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(c.APIKeys, ",") {
		key, client, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || client == "" {
			continue
		}
		out[key] = client
	}
	return out
}
