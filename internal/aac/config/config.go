// Package config loads process-level settings (database DSN, runtime data
// root, provider credentials, runtime-config seed defaults, log mode) the way internal/app/config.go
// loads the teacher's Config: plain env vars, no config file or flag
// library, with logger-aware defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
)

// Config holds process-wide settings read once at startup.
type Config struct {
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RuntimeDataRoot string

	OpenAIAPIKey         string
	OpenAIAssistantID    string
	OpenAIAssistantName  string
	ReplicateAPIToken    string
	ReplicateCFBaseURL   string

	DefaultQualityThreshold     int
	DefaultMaxOptimizationLoops int
	DefaultMaxAPIRetries        int
	DefaultStageRetryLimit      int
	DefaultWorkerPollSeconds    float64
	DefaultMaxParallelRuns      int
	DefaultFluxImagenFallback   bool

	LogMode string
}

// Load reads every setting from the environment, falling back to the same
// defaults original_source/backend/app/core/config.py ships, translated
// into this repo's env-var idiom.
func Load(log *logger.Logger) Config {
	return Config{
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost", log),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432", log),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres", log),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "", log),
		PostgresName:     getEnv("POSTGRES_NAME", "aac_image_generator", log),

		RuntimeDataRoot: getEnv("RUNTIME_DATA_ROOT", "./runtime_data", log),

		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", "", log),
		OpenAIAssistantID:   getEnv("OPENAI_ASSISTANT_ID", "", log),
		OpenAIAssistantName: getEnv("OPENAI_ASSISTANT_NAME", "Prompt generator -JSON output", log),
		ReplicateAPIToken:   getEnv("REPLICATE_API_TOKEN", "", log),
		ReplicateCFBaseURL:  getEnv("REPLICATE_CF_BASE_URL", "", log),

		DefaultQualityThreshold:     getEnvAsInt("QUALITY_THRESHOLD", 95, log),
		DefaultMaxOptimizationLoops: getEnvAsInt("MAX_OPTIMIZATION_LOOPS", 3, log),
		DefaultMaxAPIRetries:        getEnvAsInt("MAX_API_RETRIES", 3, log),
		DefaultStageRetryLimit:      getEnvAsInt("STAGE_RETRY_LIMIT", 3, log),
		DefaultWorkerPollSeconds:    getEnvAsFloat("WORKER_POLL_SECONDS", 2.0, log),
		DefaultMaxParallelRuns:      getEnvAsInt("MAX_PARALLEL_RUNS", 10, log),
		DefaultFluxImagenFallback:   getEnvAsBool("FLUX_IMAGEN_FALLBACK_ENABLED", true, log),

		LogMode: getEnv("APP_ENV", "dev", log),
	}
}

// DSN builds the postgres connection string the way
// internal/db/postgres.go does.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresName,
	)
}

func getEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func getEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as int, using default", "providedVal", val, "defaultVal", defaultVal)
		}
		return defaultVal
	}
	return i
}

func getEnvAsFloat(key string, defaultVal float64, log *logger.Logger) float64 {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		if log != nil {
			log.Debug("environment variable could not be parsed as float, using default", "providedVal", val, "defaultVal", defaultVal)
		}
		return defaultVal
	}
	return f
}

func getEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v := strings.TrimSpace(strings.ToLower(val))
	return v == "true" || v == "1" || v == "yes"
}
