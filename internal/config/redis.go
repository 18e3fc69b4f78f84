package config

import "time"

// RedisConfig configures the run lock. An empty Address disables it.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	LockTTL  time.Duration
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Address:  getEnv("REDIS_ADDR", ""),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
		LockTTL:  getEnvDuration("REDIS_LOCK_TTL", 4*time.Hour),
	}
}

// Enabled reports whether the run lock should be taken.
func (c RedisConfig) Enabled() bool { return c.Address != "" }
