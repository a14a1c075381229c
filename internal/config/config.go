package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/smartstorage/smartstorage/internal/artifact"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Model    ModelConfig    `mapstructure:"model"`
	Download DownloadConfig `mapstructure:"download"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ModelConfig locates the bundled parts and the directory artifacts are
// published into.
type ModelConfig struct {
	PartsDir     string `mapstructure:"parts_dir"`
	ManifestName string `mapstructure:"manifest_name"`
	TargetDir    string `mapstructure:"target_dir"`
	// AutoAssemble assembles bundled parts at startup when no artifact is
	// published yet.
	AutoAssemble bool `mapstructure:"auto_assemble"`
}

// DownloadConfig is the remote acquisition config. It mirrors
// artifact.Config with transport settings added.
type DownloadConfig struct {
	ModelName   string `mapstructure:"model_name"`
	URL         string `mapstructure:"download_url"`
	FileName    string `mapstructure:"file_name"`
	SizeBytes   int64  `mapstructure:"size_bytes"`
	Checksum    string `mapstructure:"checksum_sha256"`
	BufferKB    int    `mapstructure:"buffer_kb"`
	UserAgent   string `mapstructure:"user_agent"`
	DialTimeout int    `mapstructure:"dial_timeout_seconds"`
}

// WorkersConfig bounds concurrent acquisitions.
type WorkersConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// CleanupConfig drives the scheduled maintenance tasks.
type CleanupConfig struct {
	StagingSweepInterval time.Duration `mapstructure:"staging_sweep_interval"`
	StagingMaxAge        time.Duration `mapstructure:"staging_max_age"`
	HistoryRetentionDays int           `mapstructure:"history_retention_days"`
}

// Artifact returns the download settings as an artifact.Config.
func (d DownloadConfig) Artifact() artifact.Config {
	return artifact.Config{
		ModelName:   d.ModelName,
		DownloadURL: d.URL,
		FileName:    d.FileName,
		SizeBytes:   d.SizeBytes,
		Checksum:    d.Checksum,
	}
}

// Default model the application ships with.
const (
	DefaultModelName   = "SmolLM2-135M-Instruct"
	DefaultDownloadURL = "https://huggingface.co/Mungert/SmolLM2-135M-Instruct-GGUF/resolve/main/SmolLM2-135M-Instruct-Q4_K_M.gguf"
	DefaultFileName    = "smollm2-135m-instruct-q4_k_m.gguf"
	DefaultSizeBytes   = 96408576
	DefaultChecksum    = "4bd46e022f32b681ae1beba1030d9ad042a655e75239fe83267f5e3bba98801d"
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "./data/smartstorage.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Model: ModelConfig{
			PartsDir:     "./resources/models",
			ManifestName: artifact.DefaultManifestName,
			TargetDir:    "./data/models",
			AutoAssemble: true,
		},
		Download: DownloadConfig{
			ModelName:   DefaultModelName,
			URL:         DefaultDownloadURL,
			FileName:    DefaultFileName,
			SizeBytes:   DefaultSizeBytes,
			Checksum:    DefaultChecksum,
			BufferKB:    32,
			UserAgent:   "smartstorage",
			DialTimeout: 30,
		},
		Workers: WorkersConfig{
			MaxConcurrent: 2,
		},
		Cleanup: CleanupConfig{
			StagingSweepInterval: time.Hour,
			StagingMaxAge:        24 * time.Hour,
			HistoryRetentionDays: 90,
		},
	}
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.smartstorage")
	}

	v.SetEnvPrefix("SMARTSTORAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with. The download
// section is checked lazily by the artifact package so a bad URL only
// disables downloads.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Model.TargetDir == "" {
		return errors.New("model.target_dir is required")
	}
	if c.Workers.MaxConcurrent < 1 {
		return fmt.Errorf("workers.max_concurrent: must be at least 1, got %d", c.Workers.MaxConcurrent)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("model.parts_dir", d.Model.PartsDir)
	v.SetDefault("model.manifest_name", d.Model.ManifestName)
	v.SetDefault("model.target_dir", d.Model.TargetDir)
	v.SetDefault("model.auto_assemble", d.Model.AutoAssemble)

	v.SetDefault("download.model_name", d.Download.ModelName)
	v.SetDefault("download.download_url", d.Download.URL)
	v.SetDefault("download.file_name", d.Download.FileName)
	v.SetDefault("download.size_bytes", d.Download.SizeBytes)
	v.SetDefault("download.checksum_sha256", d.Download.Checksum)
	v.SetDefault("download.buffer_kb", d.Download.BufferKB)
	v.SetDefault("download.user_agent", d.Download.UserAgent)
	v.SetDefault("download.dial_timeout_seconds", d.Download.DialTimeout)

	v.SetDefault("workers.max_concurrent", d.Workers.MaxConcurrent)

	v.SetDefault("cleanup.staging_sweep_interval", d.Cleanup.StagingSweepInterval)
	v.SetDefault("cleanup.staging_max_age", d.Cleanup.StagingMaxAge)
	v.SetDefault("cleanup.history_retention_days", d.Cleanup.HistoryRetentionDays)
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
