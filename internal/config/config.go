package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration
type Config struct {
	ServiceName string
	Port        int

	// Relay control
	APIKey            string
	DefaultRelayID    string
	ScheduleSpec      string
	Timezone          string
	ReconcileInterval time.Duration

	// Kafka configuration
	KafkaBootstrapServers string
	KafkaGroupID          string

	// Database configuration; empty selects the in-memory store
	DatabaseURL string

	// Observability
	JaegerEndpoint string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName:           getEnv("SERVICE_NAME", "api-rele"),
		Port:                  getEnvInt("PORT", 5000),
		APIKey:                getEnv("API_KEY", "MINHA_CHAVE"),
		DefaultRelayID:        getEnv("DEFAULT_RELAY_ID", "rele-1"),
		ScheduleSpec:          getEnv("SCHEDULE", "08:00-20:00"),
		Timezone:              getEnv("TIMEZONE", "Local"),
		ReconcileInterval:     time.Duration(getEnvInt("RECONCILE_INTERVAL_SECONDS", 30)) * time.Second,
		KafkaBootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
		KafkaGroupID:          getEnv("KAFKA_GROUP_ID", "api-rele"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		JaegerEndpoint:        getEnv("JAEGER_ENDPOINT", ""),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}

	if cfg.KafkaBootstrapServers == "" {
		return nil, fmt.Errorf("KAFKA_BOOTSTRAP_SERVERS is required")
	}

	return cfg, nil
}

// Location resolves the configured timezone for schedule evaluation.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
