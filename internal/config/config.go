package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second
	RateBurst int     `mapstructure:"rate_burst"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PurchaseEvents string `mapstructure:"purchase_events"`
}

type BusinessConfig struct {
	ActivationTimeoutMinutes int `mapstructure:"activation_timeout_minutes"`
	RentalTimeoutHours       int `mapstructure:"rental_timeout_hours"`
	SweepIntervalSeconds     int `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize           int `mapstructure:"sweep_batch_size"`
	MaxRetryCount            int `mapstructure:"max_retry_count"`
}

// LoadConfig reads the YAML config file and applies defaults for the knobs
// that are safe to leave unset.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetDefault("server.rate_limit", 50)
	viper.SetDefault("server.rate_burst", 100)
	viper.SetDefault("business.activation_timeout_minutes", 20)
	viper.SetDefault("business.rental_timeout_hours", 4)
	viper.SetDefault("business.sweep_interval_seconds", 60)
	viper.SetDefault("business.sweep_batch_size", 100)
	viper.SetDefault("business.max_retry_count", 5)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return config, nil
}
