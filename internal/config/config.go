/**
 * @description
 * Configuration management for the billing-service.
 */
package config

import (
	"os"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	WebhookSecret        string `mapstructure:"PROCESSOR_WEBHOOK_SECRET"`
	ProcessorAPIURL      string `mapstructure:"PROCESSOR_API_URL"`
	ProcessorAPIKey      string `mapstructure:"PROCESSOR_API_KEY"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	BillingJobSchedule   string `mapstructure:"BILLING_JOB_SCHEDULE"`
	RetryJobSchedule     string `mapstructure:"RETRY_JOB_SCHEDULE"`
	ChargeTimeoutSeconds int    `mapstructure:"CHARGE_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BILLING_JOB_SCHEDULE", "0 4 * * *")
	viper.SetDefault("RETRY_JOB_SCHEDULE", "0 * * * *")
	viper.SetDefault("CHARGE_TIMEOUT_SECONDS", 30)
	viper.AutomaticEnv()

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("PROCESSOR_WEBHOOK_SECRET")
	_ = viper.BindEnv("PROCESSOR_API_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("BILLING_JOB_SCHEDULE")
	_ = viper.BindEnv("RETRY_JOB_SCHEDULE")
	_ = viper.BindEnv("CHARGE_TIMEOUT_SECONDS")

	err = viper.Unmarshal(&config)
	if port := os.Getenv("PORT"); port != "" {
		config.ServerPort = port
	}
	return
}
