package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings is the env-tunable subset of Config.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// ProviderSettings returns breaker settings for a search provider. Every
// value can be overridden per provider (CB_BRAVE_TIMEOUT) or for all
// providers (CB_PROVIDER_TIMEOUT).
func ProviderSettings(provider string) Settings {
	prefix := "CB_" + strings.ToUpper(provider) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", getEnvUint32("CB_PROVIDER_MAX_REQUESTS", 2)),
		Interval:         getEnvDuration(prefix+"INTERVAL", getEnvDuration("CB_PROVIDER_INTERVAL", 60*time.Second)),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", getEnvDuration("CB_PROVIDER_TIMEOUT", 30*time.Second)),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", getEnvUint32("CB_PROVIDER_FAILURE_THRESHOLD", 5)),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", getEnvUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 1)),
	}
}

// RedisSettings returns breaker settings for the report cache.
func RedisSettings() Settings {
	return Settings{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts settings into a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
