package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config centralizes runtime settings for the job engine daemon.
type Config struct {
	OwnerID string `yaml:"owner_id"`

	DatabaseURL string `yaml:"database_url"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	SubscriptionRefreshRPS   float64 `yaml:"subscription_refresh_rps"`
	SubscriptionRefreshBurst int     `yaml:"subscription_refresh_burst"`

	KeepAliveSeconds int `yaml:"keep_alive_seconds"`

	DemoJobs int `yaml:"demo_jobs"`
}

// Load builds the configuration: defaults, overlaid by an optional YAML file
// (JOB_ENGINE_CONFIG), overlaid by environment variables.
func Load() (Config, error) {
	cfg := Config{
		OwnerID:                  "local",
		SubscriptionRefreshRPS:   10,
		SubscriptionRefreshBurst: 5,
		KeepAliveSeconds:         5,
	}

	if path := os.Getenv("JOB_ENGINE_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.OwnerID = getEnv("JOB_ENGINE_OWNER_ID", cfg.OwnerID)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvInt("REDIS_DB", cfg.RedisDB)
	cfg.SubscriptionRefreshRPS = getEnvFloat("SUBSCRIPTION_REFRESH_RPS", cfg.SubscriptionRefreshRPS)
	cfg.SubscriptionRefreshBurst = getEnvInt("SUBSCRIPTION_REFRESH_BURST", cfg.SubscriptionRefreshBurst)
	cfg.KeepAliveSeconds = getEnvInt("KEEP_ALIVE_SECONDS", cfg.KeepAliveSeconds)
	cfg.DemoJobs = getEnvInt("DEMO_JOBS", cfg.DemoJobs)

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
