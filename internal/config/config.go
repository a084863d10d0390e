package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration, loaded from the environment.
type Config struct {
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	Port                string        `mapstructure:"SERVER_PORT"`
	Environment         string        `mapstructure:"ENVIRONMENT"`
	StripeAPIKey        string        `mapstructure:"STRIPE_API_KEY"`
	StripeWebhookSecret string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	SweepSchedule       string        `mapstructure:"SWEEP_SCHEDULE"`
	GatewayTimeout      time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("SWEEP_SCHEDULE", "0 * * * *") // hourly
	viper.SetDefault("GATEWAY_TIMEOUT", 30*time.Second)
	viper.AutomaticEnv()

	// Bind explicitly so the variables appear in Unmarshal.
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("ENVIRONMENT")
	_ = viper.BindEnv("STRIPE_API_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("GATEWAY_TIMEOUT")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.StripeAPIKey == "" {
		return nil, fmt.Errorf("STRIPE_API_KEY environment variable is required")
	}
	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET environment variable is required")
	}

	return &cfg, nil
}
