package config

import (
	"time"
)

// SinkConfig describes the connection to the analytical store.
type SinkConfig struct {
	ConnectionString string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

func loadSinkConfig() SinkConfig {
	return SinkConfig{
		ConnectionString: getEnv("DATABASE_URL", "postgres://localhost/insight?sslmode=disable"),
		MaxOpenConns:     getEnvInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}
