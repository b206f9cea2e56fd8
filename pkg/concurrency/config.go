package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// SplitMode defines how a batch is exploded by a Splitting stage
type SplitMode string

const (
	SplitModeParallel   SplitMode = "parallel"
	SplitModeSequential SplitMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// DefaultMaxDepth is the execution tree depth ceiling used when none is configured.
const DefaultMaxDepth = 200

// Environment variables read by LoadConfig.
const (
	EnvWorkers         = "DAEDALUS_WORKERS"
	EnvMaxDepth        = "DAEDALUS_MAX_DEPTH"
	EnvSplitMode       = "DAEDALUS_SPLIT_MODE"
	EnvSplice          = "DAEDALUS_SPLICE"
	EnvSaveConcurrency = "DAEDALUS_SAVE_CONCURRENCY"
	EnvScriptTimeout   = "DAEDALUS_SCRIPT_TIMEOUT"
)

// Config holds runtime tuning parameters
type Config struct {
	// Workers is the size of the script worker pool.
	Workers int
	// MaxDepth is the recursion ceiling of the execution tree walk.
	MaxDepth int
	// SplitMode selects how Splitting stages process their batch.
	SplitMode SplitMode
	// Splice enables the in-place payload splice in Splitting stages.
	Splice bool
	// SaveConcurrency bounds concurrent persistence writes.
	SaveConcurrency int
	// ScriptTimeout bounds a single script invocation; zero means none.
	ScriptTimeout time.Duration

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads runtime configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceDefault,
	}

	if workers := getEnvInt(EnvWorkers, 0); workers > 0 {
		config.Workers = workers
		config.Source = ConfigSourceEnvVar
	} else {
		config.Workers = getDefaultWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	config.MaxDepth = getEnvInt(EnvMaxDepth, DefaultMaxDepth)
	if config.MaxDepth < 1 {
		config.MaxDepth = DefaultMaxDepth
	}

	config.SplitMode = SplitMode(strings.ToLower(getEnv(EnvSplitMode, string(SplitModeParallel))))
	if config.SplitMode != SplitModeParallel && config.SplitMode != SplitModeSequential {
		config.SplitMode = SplitModeParallel
	}

	config.Splice = getEnvBool(EnvSplice, true)

	config.SaveConcurrency = getEnvInt(EnvSaveConcurrency, 0)
	if config.SaveConcurrency < 1 {
		config.SaveConcurrency = max(config.EffectiveCPUs, 2)
	}

	config.ScriptTimeout = getEnvDuration(EnvScriptTimeout, 0)

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultWorkers returns the script pool size. Each worker holds a full VM, so
// Kubernetes pods get one per CPU.
func getDefaultWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 1)
	}
	return max(cpus, 2)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean from environment variable with default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or plain milliseconds ("750").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Workers: %d, MaxDepth: %d, SplitMode: %s, Splice: %t, SaveConcurrency: %d, ScriptTimeout: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.Workers,
		c.MaxDepth,
		c.SplitMode,
		c.Splice,
		c.SaveConcurrency,
		c.ScriptTimeout,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
