package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for askchat
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Relay   RelayConfig   `mapstructure:"relay"`
	State   StateConfig   `mapstructure:"state"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig holds the RAG backend connection settings
type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AppID          string        `mapstructure:"app_id"`
	Token          string        `mapstructure:"token"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBase      time.Duration `mapstructure:"retry_base"`
	MinSpacing     time.Duration `mapstructure:"min_spacing"`
}

// StreamConfig holds answer streaming settings
type StreamConfig struct {
	Debounce               time.Duration `mapstructure:"debounce"`
	MaxWait                time.Duration `mapstructure:"max_wait"`
	Placeholder            string        `mapstructure:"placeholder"`
	AbortOnPause           bool          `mapstructure:"abort_on_pause"`
	PreservePartialOnError bool          `mapstructure:"preserve_partial_on_error"`
}

// RelayConfig holds CORS relay server configuration. An empty Target
// forwards to backend.base_url.
type RelayConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	Target       string   `mapstructure:"target"`
	AllowOrigins []string `mapstructure:"allow_origins"`
	APIKey       string   `mapstructure:"api_key"`
}

// StateConfig holds local state storage configuration
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from .env, file and environment
func Load(configPath string) (*Config, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("askchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "askchat"))
		}
	}

	// ASKCHAT_BACKEND_BASE_URL overrides backend.base_url
	v.SetEnvPrefix("ASKCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:9380")
	v.SetDefault("backend.app_id", "")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.connect_timeout", 10*time.Second)
	v.SetDefault("backend.idle_timeout", 60*time.Second)
	v.SetDefault("backend.request_timeout", 30*time.Second)
	v.SetDefault("backend.max_retries", 2)
	v.SetDefault("backend.retry_base", 500*time.Millisecond)
	v.SetDefault("backend.min_spacing", 200*time.Millisecond)

	v.SetDefault("stream.debounce", 100*time.Millisecond)
	v.SetDefault("stream.max_wait", 400*time.Millisecond)
	v.SetDefault("stream.placeholder", "No answer was returned.")
	v.SetDefault("stream.abort_on_pause", true)
	v.SetDefault("stream.preserve_partial_on_error", false)

	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.target", "")
	v.SetDefault("relay.allow_origins", []string{"*"})
	v.SetDefault("relay.api_key", "")

	v.SetDefault("state.path", defaultStatePath())

	v.SetDefault("log.level", "info")
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data/askchat.db"
	}
	return filepath.Join(dir, "askchat", "state.db")
}

// Validate checks the settings that have no usable fallback
func (c *Config) Validate() error {
	if err := validateURL("backend.base_url", c.Backend.BaseURL); err != nil {
		return err
	}
	if c.Relay.Target != "" {
		if err := validateURL("relay.target", c.Relay.Target); err != nil {
			return err
		}
	}
	timeouts := map[string]time.Duration{
		"backend.connect_timeout": c.Backend.ConnectTimeout,
		"backend.idle_timeout":    c.Backend.IdleTimeout,
		"backend.request_timeout": c.Backend.RequestTimeout,
		"stream.debounce":         c.Stream.Debounce,
	}
	for key, d := range timeouts {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Backend.MaxRetries < 0 {
		return errors.New("backend.max_retries must not be negative")
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay.port %d", c.Relay.Port)
	}
	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q", key, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be http or https, got %q", key, u.Scheme)
	}
	return nil
}

// RelayTarget returns the URL the relay forwards to
func (c *Config) RelayTarget() string {
	if c.Relay.Target != "" {
		return c.Relay.Target
	}
	return c.Backend.BaseURL
}

// RelayAddress returns the relay listen address
func (c *Config) RelayAddress() string {
	return fmt.Sprintf("%s:%d", c.Relay.Host, c.Relay.Port)
}
