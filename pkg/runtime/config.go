package runtime

import (
	"os"
	"strconv"
	"sync"
	"time"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

const (
	defaultMaxPending  = 1024
	defaultContextWait = 0
)

// Config holds process-wide runtime defaults. Values are overridable per
// acquisition through Options; the environment provides deployment-wide
// tuning without code changes.
type Config struct {
	// ContextWait is the default wait interval for contexts acquired by
	// elements that do not configure one, in the 0..1s range.
	ContextWait time.Duration

	// MaxPending bounds each executor's sub-task queue, backpressuring
	// producers that outrun the thread.
	MaxPending int

	// Source indicates where the configuration came from.
	Source ConfigSource
}

// LoadConfig loads runtime defaults with priority: env vars > defaults.
// LOOM_CONTEXT_WAIT is in milliseconds; LOOM_MAX_PENDING is a queue depth.
func LoadConfig() *Config {
	config := &Config{
		ContextWait: defaultContextWait,
		MaxPending:  defaultMaxPending,
		Source:      ConfigSourceDefault,
	}

	if waitMs := getEnvInt("LOOM_CONTEXT_WAIT", -1); waitMs >= 0 {
		wait := time.Duration(waitMs) * time.Millisecond
		if wait <= MaxContextWait {
			config.ContextWait = wait
			config.Source = ConfigSourceEnvVar
		}
	}

	if pending := getEnvInt("LOOM_MAX_PENDING", 0); pending > 0 {
		config.MaxPending = pending
		config.Source = ConfigSourceEnvVar
	}

	return config
}

var (
	configOnce   sync.Once
	loadedConfig *Config
)

// defaultConfig loads the process configuration once. Tests exercise
// LoadConfig directly instead.
func defaultConfig() *Config {
	configOnce.Do(func() {
		loadedConfig = LoadConfig()
	})
	return loadedConfig
}

// getEnvInt retrieves an integer from an environment variable with a default
// fallback.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
