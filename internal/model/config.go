package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IngestConfig controls a single ingestion cycle.
type IngestConfig struct {
	// Mailbox is the folder searched for new messages.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// FetchLimit bounds the number of messages retrieved per cycle.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`

	// Workers bounds concurrent decode/extract work within a cycle.
	Workers int `mapstructure:"workers" yaml:"workers"`

	CycleTimeout    time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	InitialLookback time.Duration `mapstructure:"initial_lookback" yaml:"initial_lookback"`

	// RequireJobKeywords skips messages that mention no job-related
	// keyword before running extraction.
	RequireJobKeywords bool `mapstructure:"require_job_keywords" yaml:"require_job_keywords"`
}

// ScheduleConfig holds the periodic trigger settings.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron" yaml:"cron"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// RedisConfig enables the optional seen-message cache.
type RedisConfig struct {
	URL string        `mapstructure:"url" yaml:"url"`
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// KeyringConfig holds the secret store settings.
type KeyringConfig struct {
	Service string `mapstructure:"service" yaml:"service"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	DatabasePath string         `mapstructure:"database_path" yaml:"database_path"`
	LogLevel     string         `mapstructure:"log_level" yaml:"log_level"`
	Ingest       IngestConfig   `mapstructure:"ingest" yaml:"ingest"`
	Schedule     ScheduleConfig `mapstructure:"schedule" yaml:"schedule"`
	Metrics      MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Redis        RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Keyring      KeyringConfig  `mapstructure:"keyring" yaml:"keyring"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/jobmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "jobmail", "config.yaml")
}

func defaultDatabasePath() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "jobmail.db")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		DatabasePath: defaultDatabasePath(),
		LogLevel:     "info",
		Ingest: IngestConfig{
			Mailbox:            "INBOX",
			FetchLimit:         100,
			Workers:            4,
			CycleTimeout:       2 * time.Minute,
			DialTimeout:        10 * time.Second,
			RetryAttempts:      3,
			RetryBackoff:       500 * time.Millisecond,
			InitialLookback:    30 * 24 * time.Hour,
			RequireJobKeywords: true,
		},
		Schedule: ScheduleConfig{Cron: "@every 15m"},
		Metrics:  MetricsConfig{Addr: ":9464"},
		Redis:    RedisConfig{TTL: 7 * 24 * time.Hour},
		Keyring: KeyringConfig{
			Service: "jobmail",
			FileDir: "~/.config/jobmail/credentials",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with JOBMAIL_ override file values. If the
// file does not exist, defaults (plus environment overrides) are returned.
func LoadConfig(path string) (*AppConfig, error) {
	def := DefaultAppConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("JOBMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values and so
	// AutomaticEnv can see every key.
	v.SetDefault("database_path", def.DatabasePath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("ingest.mailbox", def.Ingest.Mailbox)
	v.SetDefault("ingest.fetch_limit", def.Ingest.FetchLimit)
	v.SetDefault("ingest.workers", def.Ingest.Workers)
	v.SetDefault("ingest.cycle_timeout", def.Ingest.CycleTimeout)
	v.SetDefault("ingest.dial_timeout", def.Ingest.DialTimeout)
	v.SetDefault("ingest.retry_attempts", def.Ingest.RetryAttempts)
	v.SetDefault("ingest.retry_backoff", def.Ingest.RetryBackoff)
	v.SetDefault("ingest.initial_lookback", def.Ingest.InitialLookback)
	v.SetDefault("ingest.require_job_keywords", def.Ingest.RequireJobKeywords)
	v.SetDefault("schedule.cron", def.Schedule.Cron)
	v.SetDefault("metrics.addr", def.Metrics.Addr)
	v.SetDefault("redis.url", def.Redis.URL)
	v.SetDefault("redis.ttl", def.Redis.TTL)
	v.SetDefault("keyring.service", def.Keyring.Service)
	v.SetDefault("keyring.file_dir", def.Keyring.FileDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Ingest.Workers < 1 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Ingest.FetchLimit < 1 {
		cfg.Ingest.FetchLimit = def.Ingest.FetchLimit
	}
	if cfg.Ingest.Mailbox == "" {
		cfg.Ingest.Mailbox = def.Ingest.Mailbox
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database_path", cfg.DatabasePath)
	v.Set("log_level", cfg.LogLevel)
	v.Set("ingest", cfg.Ingest)
	v.Set("schedule", cfg.Schedule)
	v.Set("metrics", cfg.Metrics)
	v.Set("redis", cfg.Redis)
	v.Set("keyring", cfg.Keyring)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
