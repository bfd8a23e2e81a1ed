// Package config loads service configuration from config/config.yaml, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"dhikr/internal/keycodec"
	"dhikr/internal/vapid"
	"dhikr/internal/webpush"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	VAPID     VAPIDConfig     `mapstructure:"vapid"`
	Push      PushConfig      `mapstructure:"push"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Content   ContentConfig   `mapstructure:"content"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Path         string `mapstructure:"path"`
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	SealKey      string `mapstructure:"seal_key"`
}

type VAPIDConfig struct {
	PublicKey  string        `mapstructure:"public_key"`
	PrivateKey string        `mapstructure:"private_key"`
	Subject    string        `mapstructure:"subject"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

type PushConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	Urgency        string        `mapstructure:"urgency"`
	Topic          string        `mapstructure:"topic"`
	Padding        int           `mapstructure:"padding"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SchedulerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
	InterBatchDelay  time.Duration `mapstructure:"inter_batch_delay"`
}

type ContentConfig struct {
	File string `mapstructure:"file"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	minSecretLen = 32
	sealKeyLen   = 32
)

// Environment names kept from earlier deployments.
var legacyEnv = map[string]string{
	"server.port":            "PORT",
	"server.allowed_origins": "ALLOWED_ORIGINS",
	"auth.jwt_secret":        "JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.allowed_origins", "http://localhost:5173")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "./data/dhikr.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.seal_key", "")

	v.SetDefault("vapid.public_key", "")
	v.SetDefault("vapid.private_key", "")
	v.SetDefault("vapid.subject", "")
	v.SetDefault("vapid.token_ttl", vapid.DefaultExpiry)

	v.SetDefault("push.ttl", webpush.DefaultTTL)
	v.SetDefault("push.urgency", "")
	v.SetDefault("push.topic", "")
	v.SetDefault("push.padding", 0)
	v.SetDefault("push.request_timeout", webpush.DefaultRequestTimeout)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_interval", 5*time.Minute)
	v.SetDefault("scheduler.concurrency_limit", 20)
	v.SetDefault("scheduler.inter_batch_delay", 500*time.Millisecond)

	v.SetDefault("content.file", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. An empty path searches ./config for config.yaml;
// a missing file is not an error. Environment variables override the file,
// with dots in keys replaced by underscores (vapid.public_key is
// VAPID_PUBLIC_KEY).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

var urgencies = map[string]bool{"": true, "very-low": true, "low": true, "normal": true, "high": true}

// Validate checks everything that does not need the VAPID keys parsed.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres))
	}
	if _, err := c.SealKey(); err != nil {
		errs = append(errs, err)
	}

	if c.VAPID.TokenTTL < 0 || c.VAPID.TokenTTL > vapid.MaxExpiry {
		errs = append(errs, fmt.Errorf("vapid.token_ttl must be between 0 and %s", vapid.MaxExpiry))
	}
	if !urgencies[c.Push.Urgency] {
		errs = append(errs, fmt.Errorf("push.urgency %q: want very-low, low, normal or high", c.Push.Urgency))
	}
	if c.Push.Padding < 0 {
		errs = append(errs, errors.New("push.padding must not be negative"))
	}
	if c.Scheduler.TickInterval < time.Minute || c.Scheduler.TickInterval > time.Hour {
		errs = append(errs, errors.New("scheduler.tick_interval must be between 1m and 1h"))
	}
	if c.Scheduler.ConcurrencyLimit < 1 {
		errs = append(errs, errors.New("scheduler.concurrency_limit must be at least 1"))
	}
	if c.Scheduler.InterBatchDelay < 0 {
		errs = append(errs, errors.New("scheduler.inter_batch_delay must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateAuth checks the settings API secret. Only the HTTP server needs it.
func (c *Config) ValidateAuth() error {
	if len(c.Auth.JWTSecret) < minSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters", minSecretLen)
	}
	return nil
}

// SealKey decodes database.seal_key.
func (c *Config) SealKey() (*[sealKeyLen]byte, error) {
	if c.Database.SealKey == "" {
		return nil, errors.New("database.seal_key is required")
	}
	raw, err := keycodec.Decode(c.Database.SealKey)
	if err != nil {
		return nil, fmt.Errorf("database.seal_key: %w", err)
	}
	if len(raw) != sealKeyLen {
		return nil, fmt.Errorf("database.seal_key: expected %d bytes, got %d", sealKeyLen, len(raw))
	}
	var key [sealKeyLen]byte
	copy(key[:], raw)
	return &key, nil
}

// Signer builds the VAPID key pair and signer.
func (c *Config) Signer() (*vapid.Signer, error) {
	keys, err := vapid.ParseKeyPair(c.VAPID.PublicKey, c.VAPID.PrivateKey, c.VAPID.Subject)
	if err != nil {
		return nil, err
	}
	return vapid.NewSigner(keys, c.VAPID.TokenTTL)
}

// PushClient wires the encryptor, signer and dispatcher.
func (c *Config) PushClient() (*webpush.Client, error) {
	signer, err := c.Signer()
	if err != nil {
		return nil, err
	}
	return &webpush.Client{
		Encryptor: &webpush.Encryptor{Padding: c.Push.Padding},
		Signer:    signer,
		Dispatcher: webpush.NewDispatcher(webpush.DispatcherOptions{
			Timeout: c.Push.RequestTimeout,
			TTL:     c.Push.TTL,
			Urgency: c.Push.Urgency,
			Topic:   c.Push.Topic,
		}),
	}, nil
}

// DSN returns the data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverPostgres {
		return d.URL
	}
	return d.Path
}

// Apply configures the standard logrus logger.
func (l LogConfig) Apply() error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if l.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Origins normalizes server.allowed_origins for the CORS middleware.
func (s ServerConfig) Origins() string {
	parts := strings.Split(s.AllowedOrigins, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}
