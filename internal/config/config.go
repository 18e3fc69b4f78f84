package config

import (
	"os"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class for configuration failures. They are fatal at
// startup, before any run record is written.
var Error = errs.Class("config")

// Config is the main configuration struct that consolidates all sub-configs
type Config struct {
	LogLevel  string
	LogFormat string
	Upstream  UpstreamConfig
	Sink      SinkConfig
	Collector CollectorConfig
	Redis     RedisConfig
	Ops       OpsConfig
}

// Load reads all configuration from environment variables and returns the Config
func Load() *Config {
	return &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
		Upstream:  loadUpstreamConfig(),
		Sink:      loadSinkConfig(),
		Collector: loadCollectorConfig(),
		Redis:     loadRedisConfig(),
		Ops:       loadOpsConfig(),
	}
}

// Validate checks the settings that must be present before a run can
// start. Credential and URL problems are reported here rather than as a
// failed run.
func (c *Config) Validate() error {
	if err := c.Upstream.validate(); err != nil {
		return err
	}
	if c.Sink.ConnectionString == "" {
		return Error.New("sink connection string is required")
	}
	if c.Collector.BatchSize < 1 {
		return Error.New("batch size must be at least 1, got %d", c.Collector.BatchSize)
	}
	if c.Collector.MaxWorkers < 1 {
		return Error.New("max workers must be at least 1, got %d", c.Collector.MaxWorkers)
	}
	return nil
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvTime(key string) *time.Time {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	value, err := time.Parse(time.RFC3339, valueStr)
	if err != nil {
		return nil
	}
	return &value
}
