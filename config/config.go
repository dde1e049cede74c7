package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the travel research core.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Workflow     WorkflowConfig     `mapstructure:"workflow"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Preferences  PreferencesConfig  `mapstructure:"preferences"`
	Watchlist    WatchlistConfig    `mapstructure:"watchlist"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
}

// WorkflowConfig bounds a single research execution.
type WorkflowConfig struct {
	// ExecutionDeadline is the hard wall-clock limit for one execution,
	// measured from acceptance.
	ExecutionDeadline time.Duration `mapstructure:"execution_deadline"`
	// BranchTimeout applies to each research branch individually.
	BranchTimeout    time.Duration `mapstructure:"branch_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
}

// CapabilitiesConfig contains per-provider credentials and endpoints.
type CapabilitiesConfig struct {
	Amadeus     AmadeusConfig     `mapstructure:"amadeus"`
	Places      PlacesConfig      `mapstructure:"places"`
	OpenWeather OpenWeatherConfig `mapstructure:"openweather"`
	Summarizer  SummarizerConfig  `mapstructure:"summarizer"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
}

// AmadeusConfig contains flight search credentials.
type AmadeusConfig struct {
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// PlacesConfig contains Google Places settings (hotel and events search).
type PlacesConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	Endpoint   string        `mapstructure:"endpoint"`
	MaxResults int           `mapstructure:"max_results"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// OpenWeatherConfig contains forecast provider settings.
type OpenWeatherConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SummarizerConfig contains narrative synthesis provider settings.
type SummarizerConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DeliveryConfig contains digest delivery settings.
type DeliveryConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Sender     string        `mapstructure:"sender"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// PreferencesConfig bounds profile updates and feedback adjustments.
type PreferencesConfig struct {
	// WeightStep is the maximum delta a single feedback record may apply
	// to any numeric preference field.
	WeightStep float64 `mapstructure:"weight_step"`
	// WeightDecay scales the step down on repeated adjustments for the
	// same requester (1.0 disables decay).
	WeightDecay float64 `mapstructure:"weight_decay"`
}

// WatchlistConfig controls the scheduled monitoring sweep.
type WatchlistConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ScheduleCron accepts "@daily", "@hourly" or a 5-field cron expression.
	ScheduleCron string `mapstructure:"schedule_cron"`
	// DropFraction is the relative price fall versus the last checked
	// price that triggers an alert regardless of threshold (0.15 = 15%).
	DropFraction float64       `mapstructure:"drop_fraction"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DSN builds a Postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("travelagent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TRAVELAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Config file is optional; defaults plus env are enough to run.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("general.debug", false)
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.listen", ":8080")

	// Workflow defaults mirror the provider timeouts the research branches
	// are allowed: short per-branch limits under a 5 minute execution cap.
	viper.SetDefault("workflow.execution_deadline", "5m")
	viper.SetDefault("workflow.branch_timeout", "30s")
	viper.SetDefault("workflow.synthesis_timeout", "60s")
	viper.SetDefault("workflow.max_retries", 2)
	viper.SetDefault("workflow.retry_base_delay", "500ms")

	viper.SetDefault("capabilities.amadeus.base_url", "https://test.api.amadeus.com")
	viper.SetDefault("capabilities.amadeus.timeout", "20s")
	viper.SetDefault("capabilities.places.endpoint", "https://places.googleapis.com/v1/places:searchText")
	viper.SetDefault("capabilities.places.max_results", 5)
	viper.SetDefault("capabilities.places.timeout", "10s")
	viper.SetDefault("capabilities.openweather.endpoint", "https://api.openweathermap.org/data/2.5/forecast")
	viper.SetDefault("capabilities.openweather.timeout", "10s")
	viper.SetDefault("capabilities.summarizer.base_url", "https://api.openai.com/v1")
	viper.SetDefault("capabilities.summarizer.model", "gpt-4o-mini")
	viper.SetDefault("capabilities.summarizer.max_tokens", 2000)
	viper.SetDefault("capabilities.summarizer.timeout", "60s")
	viper.SetDefault("capabilities.delivery.timeout", "15s")

	viper.SetDefault("preferences.weight_step", 0.25)
	viper.SetDefault("preferences.weight_decay", 1.0)

	viper.SetDefault("watchlist.enabled", true)
	viper.SetDefault("watchlist.schedule_cron", "@daily")
	viper.SetDefault("watchlist.drop_fraction", 0.15)
	viper.SetDefault("watchlist.tick_interval", "1h")

	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", 6379)
	viper.SetDefault("storage.redis.db", 0)
	viper.SetDefault("storage.redis.timeout", "5s")
	viper.SetDefault("storage.postgres.host", "")
	viper.SetDefault("storage.postgres.port", 5432)
	viper.SetDefault("storage.postgres.sslmode", "disable")
	viper.SetDefault("storage.postgres.timeout", "5s")

	viper.SetDefault("telemetry.enabled", true)
}

// overrideFromEnv overrides configuration with well-known environment variables
func overrideFromEnv() {
	if id := os.Getenv("AMADEUS_CLIENT_ID"); id != "" {
		viper.Set("capabilities.amadeus.client_id", id)
	}
	if secret := os.Getenv("AMADEUS_CLIENT_SECRET"); secret != "" {
		viper.Set("capabilities.amadeus.client_secret", secret)
	}
	if key := os.Getenv("GOOGLE_PLACES_API_KEY"); key != "" {
		viper.Set("capabilities.places.api_key", key)
	}
	if key := os.Getenv("OPENWEATHER_API_KEY"); key != "" {
		viper.Set("capabilities.openweather.api_key", key)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		viper.Set("capabilities.summarizer.api_key", key)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("storage.redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.redis.port", p)
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		viper.Set("storage.redis.password", password)
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("storage.postgres.url", url)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		viper.Set("storage.postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("storage.postgres.port", p)
		}
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		viper.Set("storage.postgres.user", user)
	}
	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		viper.Set("storage.postgres.password", pass)
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		viper.Set("storage.postgres.dbname", db)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Workflow.ExecutionDeadline <= 0 {
		return fmt.Errorf("workflow.execution_deadline must be positive")
	}
	if config.Workflow.BranchTimeout <= 0 {
		return fmt.Errorf("workflow.branch_timeout must be positive")
	}
	if config.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must not be negative")
	}
	if config.Preferences.WeightStep <= 0 {
		return fmt.Errorf("preferences.weight_step must be positive")
	}
	if config.Watchlist.DropFraction <= 0 || config.Watchlist.DropFraction >= 1 {
		return fmt.Errorf("watchlist.drop_fraction must be in (0,1)")
	}
	return nil
}
