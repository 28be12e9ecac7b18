// Package config loads the batch orchestration core's configuration from
// environment variables, with .env support for local development.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the orchestration core.
type Config struct {
	DataDir string // base directory for the sqlite databases

	// Tracker / concurrency
	RunTimeout       time.Duration
	OuterConcurrency int
	InnerConcurrency int
	EngineTimeout    time.Duration

	// Backfill
	BackfillEarliestDate time.Time

	// Market data provider
	ProviderMaxRetries  int
	ProviderBackoffBase time.Duration
	ProviderRateWindow  time.Duration

	// Scheduler
	SchedulerCron string

	// Onboarding driver
	OnboardingRetryMaxAttempts int
	OnboardingRetryBase        time.Duration

	// History retention
	RunHistoryRetentionDays int
	ArchiveS3Bucket         string // empty disables archive upload; retention deletes only
	ArchiveS3Endpoint       string // non-empty for an R2/S3-compatible endpoint instead of AWS S3
	ArchiveS3AccessKey      string // static credentials for the above; empty uses the default chain
	ArchiveS3SecretKey      string

	LogLevel string
}

// Load reads configuration from the environment, applying documented
// defaults for anything unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("BATCH_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	earliest, err := getEnvAsDaysAgo("BATCH_BACKFILL_EARLIEST_DATE", 365)
	if err != nil {
		return nil, fmt.Errorf("invalid BATCH_BACKFILL_EARLIEST_DATE: %w", err)
	}

	cfg := &Config{
		DataDir:                    absDataDir,
		RunTimeout:                 getEnvAsMinutes("BATCH_RUN_TIMEOUT_MINUTES", 30),
		OuterConcurrency:           getEnvAsInt("BATCH_OUTER_CONCURRENCY", 4),
		InnerConcurrency:           getEnvAsInt("BATCH_INNER_CONCURRENCY", 4),
		EngineTimeout:              getEnvAsMinutes("BATCH_ENGINE_TIMEOUT_MINUTES", 5),
		BackfillEarliestDate:       earliest,
		ProviderMaxRetries:         getEnvAsInt("PROVIDER_MAX_RETRIES", 3),
		ProviderBackoffBase:        getEnvAsMillis("PROVIDER_BACKOFF_BASE_MS", 1000),
		ProviderRateWindow:         15 * time.Minute,
		SchedulerCron:              getEnv("SCHEDULER_CRON", "0 21 * * 1-5"),
		OnboardingRetryMaxAttempts: getEnvAsInt("ONBOARDING_RETRY_MAX_ATTEMPTS", 5),
		OnboardingRetryBase:        getEnvAsMillis("ONBOARDING_RETRY_BASE_MS", 2000),
		RunHistoryRetentionDays:    getEnvAsInt("RUN_HISTORY_RETENTION_DAYS", 90),
		ArchiveS3Bucket:            getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Endpoint:          getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3AccessKey:         getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveS3SecretKey:         getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		LogLevel:                   getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsMinutes(key string, fallbackMinutes int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallbackMinutes)) * time.Minute
}

func getEnvAsMillis(key string, fallbackMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallbackMillis)) * time.Millisecond
}

func getEnvAsDaysAgo(key string, fallbackDays int) (time.Time, error) {
	days := getEnvAsInt(key, fallbackDays)
	return time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour), nil
}
