package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files and environment variables.
type Config struct {
	AppName        string `mapstructure:"app_name"`
	Env            string `mapstructure:"app_env"`
	LogLevel       string `mapstructure:"log_level"`
	SourcesFile    string `mapstructure:"sources_file"`
	PublishersFile string `mapstructure:"publishers_file"`

	StorageType string `mapstructure:"storage_type"`
	StoragePath string `mapstructure:"storage_path"`

	FetchTimeoutSeconds int64         `mapstructure:"fetch_timeout_seconds"`
	FetchTimeout        time.Duration `mapstructure:"-"`
	FetchRetries        int           `mapstructure:"fetch_retries"`
	UserAgent           string        `mapstructure:"user_agent"`

	// ErrorThreshold aborts a run after this many consecutive storage
	// failures. Zero disables the escalation.
	ErrorThreshold int `mapstructure:"error_threshold"`
}

// Load reads configuration from environment variables and config files.
func Load() (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "samvad-listing-ingest")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("sources_file", "./configs/sources.yaml")
	v.SetDefault("publishers_file", "./configs/publishers.yaml")
	v.SetDefault("storage_type", "sqlite")
	v.SetDefault("storage_path", "./data/ingest.db")
	v.SetDefault("fetch_timeout_seconds", 60)
	v.SetDefault("fetch_retries", 5)
	v.SetDefault("user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	v.SetDefault("error_threshold", 0)

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.FetchTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("invalid fetch_timeout_seconds (must be positive seconds)")
	}
	cfg.FetchTimeout = time.Duration(cfg.FetchTimeoutSeconds) * time.Second

	if cfg.FetchRetries < 0 {
		return nil, fmt.Errorf("invalid fetch_retries (must be >= 0)")
	}
	if cfg.ErrorThreshold < 0 {
		return nil, fmt.Errorf("invalid error_threshold (must be >= 0)")
	}

	return &cfg, nil
}
