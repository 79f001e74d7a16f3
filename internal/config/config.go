// Package config loads application configuration from defaults, an optional
// YAML file and MAILQUEUE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates sections: MAILQUEUE_STORAGE__DRIVER sets storage.driver.
const EnvPrefix = "MAILQUEUE_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Email transports.
const (
	TransportNone = "none"
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

// listKeys are split on commas when set through the environment.
var listKeys = []string{"contact.admin_recipients", "cors.allowed_origins"}

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Storage StorageConfig `koanf:"storage"`
	Queue   QueueConfig   `koanf:"queue"`
	Email   EmailConfig   `koanf:"email"`
	Auth    AuthConfig    `koanf:"auth"`
	Contact ContactConfig `koanf:"contact"`
	Alerts  AlertsConfig  `koanf:"alerts"`
	CORS    CORSConfig    `koanf:"cors"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	OpenAPIPath       string        `koanf:"openapi_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StorageConfig selects and configures the queue backend.
type StorageConfig struct {
	Driver   string         `koanf:"driver"`
	File     FileConfig     `koanf:"file"`
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
}

// FileConfig configures the JSON file backend.
type FileConfig struct {
	Path string `koanf:"path"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	URL    string `koanf:"url"`
	Prefix string `koanf:"prefix"`
}

// QueueConfig contains retry and scheduling settings.
type QueueConfig struct {
	WorkerEnabled     bool          `koanf:"worker_enabled"`
	Schedule          string        `koanf:"schedule"`
	StatsInterval     time.Duration `koanf:"stats_interval"`
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// EmailConfig selects the outbound transport.
type EmailConfig struct {
	Transport string     `koanf:"transport"`
	SMTP      SMTPConfig `koanf:"smtp"`
}

// SMTPConfig contains SMTP transport settings.
type SMTPConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	From        string        `koanf:"from"`
	ImplicitTLS bool          `koanf:"implicit_tls"`
	Timeout     time.Duration `koanf:"timeout"`
	LocalName   string        `koanf:"local_name"`
}

// AuthConfig contains operator token settings.
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// ContactConfig contains contact form settings.
type ContactConfig struct {
	Enabled         bool     `koanf:"enabled"`
	SiteName        string   `koanf:"site_name"`
	AdminRecipients []string `koanf:"admin_recipients"`
	AdminLocale     string   `koanf:"admin_locale"`
	DefaultLocale   string   `koanf:"default_locale"`
	RatePerMinute   float64  `koanf:"rate_per_minute"`
	RateBurst       int      `koanf:"rate_burst"`
	ProcessOnSubmit bool     `koanf:"process_on_submit"`
}

// AlertsConfig contains operator alert settings.
type AlertsConfig struct {
	MattermostWebhookURL string `koanf:"mattermost_webhook_url"`
	MattermostChannel    string `koanf:"mattermost_channel"`
	MattermostUsername   string `koanf:"mattermost_username"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			OpenAPIPath:       "api/openapi/openapi.yaml",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver: DriverFile,
			File:   FileConfig{Path: "data/mail-queue.json"},
			SQLite: SQLiteConfig{Path: "data/mail-queue.db"},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
				ConnectTimeout:  30 * time.Second,
				ConnectAttempts: 5,
				AutoMigrate:     true,
			},
			Redis: RedisConfig{Prefix: "mailqueue"},
		},
		Queue: QueueConfig{
			WorkerEnabled:     true,
			Schedule:          "@every 1m",
			StatsInterval:     15 * time.Second,
			MaxAttempts:       3,
			InitialBackoff:    time.Minute,
			MaxBackoff:        time.Hour,
			BackoffMultiplier: 2,
		},
		Email: EmailConfig{
			Transport: TransportLog,
			SMTP: SMTPConfig{
				Port:    587,
				Timeout: 30 * time.Second,
			},
		},
		Auth: AuthConfig{
			Issuer:   "mailqueue",
			TokenTTL: 24 * time.Hour,
		},
		Contact: ContactConfig{
			Enabled:       false,
			SiteName:      "Sarus",
			AdminLocale:   "tr",
			DefaultLocale: "tr",
			RatePerMinute: 5,
			RateBurst:     3,
		},
	}
}

// Load builds the configuration. path may be empty; a .env file in the
// working directory or one of its parents is loaded first when present.
func Load(path string) (*Config, error) {
	loadDotEnv()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envTransform(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if slices.Contains(listKeys, key) {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}

// Validate checks the configuration for missing or inconsistent values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Storage.File.Path == "" {
			errs = append(errs, errors.New("storage.file.path is required"))
		}
	case DriverSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, errors.New("storage.sqlite.path is required"))
		}
	case DriverPostgres:
		if c.Storage.Postgres.URL == "" {
			errs = append(errs, errors.New("storage.postgres.url is required"))
		}
	case DriverRedis:
		if c.Storage.Redis.URL == "" {
			errs = append(errs, errors.New("storage.redis.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Email.Transport {
	case TransportNone, TransportLog:
	case TransportSMTP:
		if c.Email.SMTP.Host == "" {
			errs = append(errs, errors.New("email.smtp.host is required"))
		}
		if c.Email.SMTP.From == "" {
			errs = append(errs, errors.New("email.smtp.from is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown email.transport %q", c.Email.Transport))
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.max_attempts must be at least 1"))
	}
	if c.Queue.InitialBackoff <= 0 {
		errs = append(errs, errors.New("queue.initial_backoff must be positive"))
	}
	if c.Queue.MaxBackoff < c.Queue.InitialBackoff {
		errs = append(errs, errors.New("queue.max_backoff must not be less than queue.initial_backoff"))
	}
	if c.Queue.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("queue.backoff_multiplier must be at least 1"))
	}
	if c.Queue.WorkerEnabled && c.Queue.Schedule == "" {
		errs = append(errs, errors.New("queue.schedule is required when the worker is enabled"))
	}

	if c.Contact.Enabled {
		if len(c.Contact.AdminRecipients) == 0 {
			errs = append(errs, errors.New("contact.admin_recipients is required when the contact form is enabled"))
		}
		for _, l := range []string{c.Contact.AdminLocale, c.Contact.DefaultLocale} {
			if l != "tr" && l != "en" {
				errs = append(errs, fmt.Errorf("unsupported contact locale %q", l))
			}
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// loadDotEnv loads the nearest .env file, searching from the working directory up.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}

	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
