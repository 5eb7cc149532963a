package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AccountConfig holds configuration for a single mail account
type AccountConfig struct {
	// ID is the opaque identifier for the account. It keys the mirror rows
	// and the secret-store entry for the account's password.
	ID    string `mapstructure:"id" yaml:"id"`
	Email string `mapstructure:"email" yaml:"email"`

	// IMAP settings
	IMAPHost string `mapstructure:"imap_host" yaml:"imap_host"`
	IMAPPort int    `mapstructure:"imap_port" yaml:"imap_port"`
	IMAPTLS  bool   `mapstructure:"imap_tls" yaml:"imap_tls"`

	// SMTP settings
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port" yaml:"smtp_port"`
	SMTPTLS  bool   `mapstructure:"smtp_tls" yaml:"smtp_tls"`

	Active bool `mapstructure:"active" yaml:"active"`
}

// Config is the top-level application configuration
type Config struct {
	DBPath   string `mapstructure:"db_path" yaml:"db_path"`
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// Timeouts, in seconds, applied to connection establishment and to each
	// protocol round trip.
	ConnectTimeoutSec int `mapstructure:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	CommandTimeoutSec int `mapstructure:"command_timeout_sec" yaml:"command_timeout_sec"`

	// Retry policy for retryable connection errors
	RetryMaxAttempts int `mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`

	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// ConnectTimeout returns the connect timeout as a duration
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// CommandTimeout returns the per-round-trip timeout as a duration
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSec) * time.Second
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailmirror/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailmirror", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailmirror")
}

// LoadConfig reads configuration from the given YAML file path using Viper
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("db_path", filepath.Join(defaultDataDir(), "mirror.db"))
	v.SetDefault("cache_dir", filepath.Join(defaultDataDir(), "attachments"))
	v.SetDefault("log_level", "info")
	v.SetDefault("connect_timeout_sec", 30)
	v.SetDefault("command_timeout_sec", 60)
	v.SetDefault("retry_max_attempts", 3)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply per-account defaults.
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.IMAPPort == 0 {
			acc.IMAPPort = 993
			acc.IMAPTLS = true
		}
		if acc.SMTPPort == 0 {
			acc.SMTPPort = 587
		}
		if !v.IsSet(fmt.Sprintf("accounts.%d.active", i)) {
			acc.Active = true
		}
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Accounts {
		acc := &c.Accounts[i]
		if acc.ID == "" {
			return fmt.Errorf("account %d: id is required", i)
		}
		if seen[acc.ID] {
			return fmt.Errorf("account %d: duplicate id %q", i, acc.ID)
		}
		seen[acc.ID] = true
		if acc.Email == "" {
			return fmt.Errorf("account %s: email is required", acc.ID)
		}
		if acc.IMAPHost == "" {
			return fmt.Errorf("account %s: imap_host is required", acc.ID)
		}
		if acc.SMTPHost == "" {
			return fmt.Errorf("account %s: smtp_host is required", acc.ID)
		}
		if acc.IMAPPort < 1 || acc.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid imap_port", acc.ID)
		}
		if acc.SMTPPort < 1 || acc.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid smtp_port", acc.ID)
		}
	}

	return nil
}

// GetAccountByID finds an account by its opaque identifier
func (c *Config) GetAccountByID(id string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", id)
}

// ActiveAccounts returns the accounts with the activity flag set
func (c *Config) ActiveAccounts() []AccountConfig {
	var out []AccountConfig
	for _, acc := range c.Accounts {
		if acc.Active {
			out = append(out, acc)
		}
	}
	return out
}
