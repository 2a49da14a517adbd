package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Account sources
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// Where accounts come from
	AccountsSource string
	AccountsFile   string
	DatabaseURL    string
	StrategiesFile string

	// Remote API
	APIURL          string
	APIVersion      string
	OAuthURL        string
	ClientID        string
	ClientSecret    string
	ExpertAppID     string
	ExpertVersion   string
	HTTPTimeout     time.Duration
	APIRateLimit    float64
	ErrorBackoff    time.Duration
	MaxAuthRetries  int
	MaxErrorRetries int

	// Poller pacing
	MaxCycleRetries    int
	VoteSpacing        time.Duration
	ReportEvery        int
	StartupConcurrency int
}

// Load reads configuration from environment variables.
// Returns an error if required variables are missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		AccountsSource: getEnv("ACCOUNTS_SOURCE", SourceFile),
		AccountsFile:   getEnv("ACCOUNTS_FILE", "accounts.txt"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StrategiesFile: os.Getenv("STRATEGIES_FILE"),

		APIURL:          getEnv("VK_API_URL", "https://api.vk.com/method/"),
		APIVersion:      getEnv("VK_API_VERSION", "5.109"),
		OAuthURL:        getEnv("VK_OAUTH_URL", "https://oauth.vk.com"),
		ClientID:        getEnv("VK_CLIENT_ID", "2274003"),
		ClientSecret:    os.Getenv("VK_CLIENT_SECRET"),
		ExpertAppID:     getEnv("VK_EXPERT_APP_ID", "7171491"),
		ExpertVersion:   getEnv("VK_EXPERT_API_VERSION", "5.116"),
		HTTPTimeout:     getDuration("HTTP_TIMEOUT", 30*time.Second),
		APIRateLimit:    getFloat("API_RATE_LIMIT", 3),
		ErrorBackoff:    getDuration("ERROR_BACKOFF", 5*time.Second),
		MaxAuthRetries:  getInt("MAX_AUTH_RETRIES", 5),
		MaxErrorRetries: getInt("MAX_ERROR_RETRIES", 10),

		MaxCycleRetries:    getInt("MAX_CYCLE_RETRIES", 5),
		VoteSpacing:        getDuration("VOTE_SPACING", 330*time.Millisecond),
		ReportEvery:        getInt("REPORT_EVERY", 5),
		StartupConcurrency: getInt("STARTUP_CONCURRENCY", 4),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientSecret == "" {
		return fmt.Errorf("VK_CLIENT_SECRET is required")
	}

	switch c.AccountsSource {
	case SourceFile:
		if c.AccountsFile == "" {
			return fmt.Errorf("ACCOUNTS_FILE is required when ACCOUNTS_SOURCE=file")
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ACCOUNTS_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("invalid ACCOUNTS_SOURCE %q (expected %s or %s)", c.AccountsSource, SourceFile, SourcePostgres)
	}

	if c.ReportEvery <= 0 {
		return fmt.Errorf("REPORT_EVERY must be positive")
	}
	if c.VoteSpacing <= 0 {
		return fmt.Errorf("VOTE_SPACING must be positive")
	}
	if c.MaxAuthRetries < 0 || c.MaxErrorRetries < 0 || c.MaxCycleRetries < 0 {
		return fmt.Errorf("retry limits must not be negative")
	}
	return nil
}

// LoadDatabaseURL reads only DATABASE_URL, for tools that need nothing else
func LoadDatabaseURL() (string, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	return dbURL, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
