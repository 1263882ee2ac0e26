package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `yaml:"log_level" env:"RIDECAST_LOG_LEVEL,overwrite" validate:"oneof=debug info warn error"`
	Database DatabaseConfig `yaml:"database"`
	Sources  SourcesConfig  `yaml:"sources"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Progress ProgressConfig `yaml:"progress"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Alerts   AlertsConfig   `yaml:"alerts"`
}

// DatabaseConfig locates the storage backend. URL and Key are both required to connect.
type DatabaseConfig struct {
	URL       string `yaml:"url" env:"RIDECAST_DB_URL,overwrite"`
	Key       string `yaml:"key" env:"RIDECAST_DB_KEY,overwrite"`
	PageSize  int    `yaml:"page_size" validate:"gte=1"`
	MaxRows   int    `yaml:"max_rows" validate:"gtefield=PageSize"`
	BatchSize int    `yaml:"batch_size" validate:"gte=1,lte=5000"`
}

// SourcesConfig holds the upstream APIs.
type SourcesConfig struct {
	Ridership RidershipConfig `yaml:"ridership"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Live      LiveConfig      `yaml:"live"`
}

// RidershipConfig for the Seoul card-tap ridership API.
type RidershipConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string        `yaml:"api_key" env:"SEOUL_DATA_API_KEY,overwrite"`
	Station string        `yaml:"station" validate:"required"`
	Line    string        `yaml:"line" validate:"required"`
	Delay   time.Duration `yaml:"delay" validate:"gte=0"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`
}

// ArchiveConfig for the Open-Meteo historical weather API.
type ArchiveConfig struct {
	BaseURL   string  `yaml:"base_url" validate:"omitempty,url"`
	Latitude  float64 `yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `yaml:"longitude" validate:"gte=-180,lte=180"`
	Timezone  string  `yaml:"timezone" validate:"required,timezone"`

	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`
}

// LiveConfig for the KMA ultra-short-term nowcast API.
type LiveConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string `yaml:"api_key" env:"KMA_API_KEY,overwrite"`
	NX      int    `yaml:"nx" validate:"gte=1"`
	NY      int    `yaml:"ny" validate:"gte=1"`

	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`
}

// PipelineConfig configures the feature pipeline.
type PipelineConfig struct {
	Version       string `yaml:"version" validate:"required"`
	LogDir        string `yaml:"log_dir" env:"RIDECAST_LOG_DIR,overwrite" validate:"required"`
	WeatherSource string `yaml:"weather_source" validate:"oneof=archive store"`
	// Demo keeps rows without a yearly lag. Test and demo runs only.
	Demo bool `yaml:"demo" env:"RIDECAST_DEMO,overwrite"`
}

// ProgressConfig configures live progress publishing.
type ProgressConfig struct {
	RedisURL string `yaml:"redis_url" env:"RIDECAST_REDIS_URL,overwrite"`
	Channel  string `yaml:"channel"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" env:"RIDECAST_METRICS_TEXTFILE,overwrite"`
}

// ScheduleConfig configures the daily incremental run.
type ScheduleConfig struct {
	DailyAt string `yaml:"daily_at" validate:"required,datetime=15:04"`
	// LagDays is how far behind today the ridership API publishes.
	LagDays int `yaml:"lag_days" validate:"gte=0"`
}

// AlertsConfig configures run notifications.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" env:"SLACK_WEBHOOK_URL,overwrite"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" env:"DISCORD_WEBHOOK_URL,overwrite"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" env:"RIDECAST_WEBHOOK_URL,overwrite"`
	Secret  string `yaml:"secret" env:"RIDECAST_WEBHOOK_SECRET,overwrite"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Database: DatabaseConfig{
			URL:       "sqlite://./ridecast.db",
			PageSize:  1000,
			MaxRows:   10000,
			BatchSize: 1000,
		},
		Sources: SourcesConfig{
			Ridership: RidershipConfig{
				Station: "성수",
				Line:    "2호선",
				Delay:   100 * time.Millisecond,
				Timeout: 30 * time.Second,
				Retries: 2,
			},
			Archive: ArchiveConfig{
				Latitude:  37.5445,
				Longitude: 127.0565,
				Timezone:  "Asia/Seoul",
				Timeout:   30 * time.Second,
				Retries:   2,
			},
			Live: LiveConfig{NX: 61, NY: 126, Timeout: 10 * time.Second, Retries: 1},
		},
		Pipeline: PipelineConfig{
			Version:       "2.0",
			LogDir:        "logs",
			WeatherSource: "archive",
		},
		Progress: ProgressConfig{Channel: "ridecast:progress"},
		Schedule: ScheduleConfig{DailyAt: "06:00", LagDays: 4},
	}
}

// Load builds the configuration in layers: defaults, the YAML file at path
// (optional), a .env file in the working directory, then environment variables.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if cfg.Alerts.Slack.WebhookURL != "" {
		cfg.Alerts.Slack.Enabled = true
	}
	if cfg.Alerts.Discord.WebhookURL != "" {
		cfg.Alerts.Discord.Enabled = true
	}
	if cfg.Alerts.Webhook.URL != "" {
		cfg.Alerts.Webhook.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location returns the archive timezone, or a fixed KST offset if the name does not load.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sources.Archive.Timezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
