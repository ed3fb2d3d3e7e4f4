package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from an optional YAML file
// with environment variables taking precedence.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimit struct {
		EventsPerWindow int `yaml:"events_per_window"`
		WindowMillis    int `yaml:"window_millis"`
	} `yaml:"rate_limit"`

	Persistence struct {
		PostgresURL     string `yaml:"postgres_url"`
		SaveDelayMillis int    `yaml:"save_delay_millis"`
	} `yaml:"persistence"`

	Mirror struct {
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"mirror"`
}

func defaultConfig() *Config {
	var config Config
	config.Server.Port = "8080"
	config.Log.Level = "info"
	config.RateLimit.EventsPerWindow = 60
	config.RateLimit.WindowMillis = 1000
	config.Persistence.SaveDelayMillis = 1500
	config.Mirror.SubjectPrefix = "whiteboard.events"
	return &config
}

func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Log.Level = getEnv("LOG_LEVEL", config.Log.Level)
	config.Auth.JWTSecret = getEnv("JWT_SECRET", config.Auth.JWTSecret)
	config.RateLimit.EventsPerWindow = getEnvAsInt("RATE_LIMIT_EVENTS", config.RateLimit.EventsPerWindow)
	config.RateLimit.WindowMillis = getEnvAsInt("RATE_LIMIT_WINDOW_MS", config.RateLimit.WindowMillis)
	config.Persistence.PostgresURL = getEnv("DATABASE_URL", config.Persistence.PostgresURL)
	config.Persistence.SaveDelayMillis = getEnvAsInt("SAVE_DELAY_MS", config.Persistence.SaveDelayMillis)
	config.Mirror.NATSURL = getEnv("NATS_URL", config.Mirror.NATSURL)

	return config, nil
}

func (c *Config) saveDelay() time.Duration {
	return time.Duration(c.Persistence.SaveDelayMillis) * time.Millisecond
}

func (c *Config) rateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMillis) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
