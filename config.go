package jobtracker

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents job tracker configuration.
type Config struct {
	// Polling intervals by elapsed time since the loop started
	// (defaults: 3s before 30s, 5s before 120s, 8s afterwards).
	FastInterval   time.Duration
	MediumInterval time.Duration
	SlowInterval   time.Duration
	FastWindow     time.Duration
	MediumWindow   time.Duration

	// Transient fetch errors retried before the final authoritative check (default: 5).
	MaxRetries int

	// Retry delay is min(RetryDelayBase + RetryDelayStep*retryCount, RetryDelayMax)
	// (defaults: 2s, 1s, 6s).
	RetryDelayBase time.Duration
	RetryDelayStep time.Duration
	RetryDelayMax  time.Duration

	// Pause after the backend reports completion without a result id (default: 2s).
	FinalizingPause time.Duration

	// Hard ceiling for a single polling loop (default: 30 minutes).
	// Reaching it leaves the job active.
	PollingCeiling time.Duration

	// Active jobs older than this are failed on startup (default: 24 hours).
	StaleActiveAge time.Duration

	// Completed jobs older than TTL are pruned when the ledger loads (default: 7 days).
	CompletedTTL time.Duration

	// How often the Sweeper prunes the ledger of a long-running process (default: 1 hour).
	SweepInterval time.Duration

	// Blob store keys holding the two collections.
	ActiveKey    string
	CompletedKey string
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		FastInterval:    3 * time.Second,
		MediumInterval:  5 * time.Second,
		SlowInterval:    8 * time.Second,
		FastWindow:      30 * time.Second,
		MediumWindow:    120 * time.Second,
		MaxRetries:      5,
		RetryDelayBase:  2 * time.Second,
		RetryDelayStep:  1 * time.Second,
		RetryDelayMax:   6 * time.Second,
		FinalizingPause: 2 * time.Second,
		PollingCeiling:  30 * time.Minute,
		StaleActiveAge:  24 * time.Hour,
		CompletedTTL:    7 * 24 * time.Hour,
		SweepInterval:   time.Hour,
		ActiveKey:       "jobs.active",
		CompletedKey:    "jobs.completed",
	}
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - JOBTRACKER_MAX_RETRIES: transient retry budget (default: 5)
//   - JOBTRACKER_POLLING_CEILING: loop ceiling (default: 30m)
//   - JOBTRACKER_STALE_ACTIVE_AGE: active job age limit (default: 24h)
//   - JOBTRACKER_COMPLETED_TTL: completed job retention (default: 7 days)
//   - JOBTRACKER_FINALIZING_PAUSE: race pause (default: 2s)
//   - JOBTRACKER_SWEEP_INTERVAL: Sweeper period (default: 1h)
//   - JOBTRACKER_ACTIVE_KEY / JOBTRACKER_COMPLETED_KEY: blob store keys
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "7" = 7 days)
//   - Duration string (e.g., "24h", "1h30m")
func LoadConfig() *Config {
	def := DefaultConfig()
	return &Config{
		FastInterval:    def.FastInterval,
		MediumInterval:  def.MediumInterval,
		SlowInterval:    def.SlowInterval,
		FastWindow:      def.FastWindow,
		MediumWindow:    def.MediumWindow,
		MaxRetries:      getEnvInt("JOBTRACKER_MAX_RETRIES", def.MaxRetries),
		RetryDelayBase:  def.RetryDelayBase,
		RetryDelayStep:  def.RetryDelayStep,
		RetryDelayMax:   def.RetryDelayMax,
		FinalizingPause: getEnvDuration("JOBTRACKER_FINALIZING_PAUSE", def.FinalizingPause),
		PollingCeiling:  getEnvDuration("JOBTRACKER_POLLING_CEILING", def.PollingCeiling),
		StaleActiveAge:  getEnvDuration("JOBTRACKER_STALE_ACTIVE_AGE", def.StaleActiveAge),
		CompletedTTL:    getEnvDuration("JOBTRACKER_COMPLETED_TTL", def.CompletedTTL),
		SweepInterval:   getEnvDuration("JOBTRACKER_SWEEP_INTERVAL", def.SweepInterval),
		ActiveKey:       getEnvString("JOBTRACKER_ACTIVE_KEY", def.ActiveKey),
		CompletedKey:    getEnvString("JOBTRACKER_COMPLETED_KEY", def.CompletedKey),
	}
}

// LoadConfigFile loads the given dotenv files into the process environment
// (without overriding variables that are already set) and then calls LoadConfig.
// Missing files are an error.
func LoadConfigFile(paths ...string) (*Config, error) {
	if err := godotenv.Load(paths...); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return LoadConfig(), nil
}

func (c *Config) validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.FastInterval <= 0 || c.MediumInterval <= 0 || c.SlowInterval <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if c.PollingCeiling <= 0 {
		return fmt.Errorf("polling ceiling must be positive")
	}
	if c.ActiveKey == "" || c.CompletedKey == "" || c.ActiveKey == c.CompletedKey {
		return fmt.Errorf("ledger keys must be non-empty and distinct")
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
