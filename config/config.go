/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults (setDefaults)
  2. .env file, loaded into the process environment when present
  3. YAML config file (explicit path, or ./config.yaml, ./config/config.yaml)
  4. Environment variables, prefix INCAP_ with "." replaced by "_"
     e.g. INCAP_NOTIFY_WEBHOOK_URL, INCAP_AUTH_JWT_SECRET
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "INCAP"

type Config struct {
	Env          string             `mapstructure:"env"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Sheets       SheetsConfig       `mapstructure:"sheets"`
	Reminders    RemindersConfig    `mapstructure:"reminders"`
	Auth         AuthConfig         `mapstructure:"auth"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Requirements RequirementsConfig `mapstructure:"requirements"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // sqlite file, ":memory:" for ephemeral
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// NotifyConfig configures the webhook notifier. An empty WebhookURL selects
// the log-only notifier.
type NotifyConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	Secret        string        `mapstructure:"secret"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type SheetsConfig struct {
	TrackerPath string `mapstructure:"tracker_path"` // empty disables the tracker
	RosterPath  string `mapstructure:"roster_path"`  // empty disables roster fallback
}

type RemindersConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // standard 5-field cron
	After    time.Duration `mapstructure:"after"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Skip      bool   `mapstructure:"skip"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age"`
}

type RequirementsConfig struct {
	RulesPath string `mapstructure:"rules_path"` // empty uses built-in rules
}

// Load reads configuration. configPath may be empty.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		// Missing default file is fine; defaults and env apply.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if !c.Auth.Skip && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required unless auth.skip is set")
	}
	if c.Notify.WebhookURL != "" && c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be positive: %d", c.Notify.Workers)
	}
	if c.Reminders.Enabled && c.Reminders.Schedule == "" {
		return errors.New("reminders.schedule is required when reminders are enabled")
	}
	return nil
}

// IsProduction reports whether env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.path", "incapacidades.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.queue_size", 256)
	// WhatsApp gateway tolerates about ten messages a minute per number.
	v.SetDefault("notify.rate_per_minute", 10)
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("sheets.tracker_path", "")
	v.SetDefault("sheets.roster_path", "")

	v.SetDefault("reminders.enabled", true)
	v.SetDefault("reminders.schedule", "0 9 * * 1-5")
	v.SetDefault("reminders.after", "72h")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.skip", false)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("requirements.rules_path", "")
}
