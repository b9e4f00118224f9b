// Package config loads medisync configuration from a YAML file and
// MEDISYNC_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full medisync configuration.
type Config struct {
	// DatabasePath is the local embedded database file.
	DatabasePath string `mapstructure:"database_path"`

	// RemoteURL is the remote store base URL.
	RemoteURL string `mapstructure:"remote_url"`

	// HospitalID is the tenant this device belongs to.
	HospitalID string `mapstructure:"hospital_id"`

	// DeviceID identifies this device; generated and persisted on first run
	// when empty.
	DeviceID string `mapstructure:"device_id"`

	// PullInterval is the periodic remote change poll interval.
	PullInterval time.Duration `mapstructure:"pull_interval"`

	// PingInterval is the connectivity probe interval.
	PingInterval time.Duration `mapstructure:"ping_interval"`

	// FlapThreshold is how many consecutive probes must agree before the
	// connectivity state flips.
	FlapThreshold int `mapstructure:"flap_threshold"`

	// RequestTimeout bounds each remote request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// BackoffInitial and BackoffMax bound push retry delays.
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`

	// ConflictPolicies maps a table name to a conflict policy name
	// ("last-writer-wins" or "keep-remote").
	ConflictPolicies map[string]string `mapstructure:"conflict_policies"`

	// LogFile, when set, sends daemon logs there with rotation.
	LogFile string `mapstructure:"log_file"`

	// Server settings for `medisync serve`.
	ServerListen       string `mapstructure:"server_listen"`
	ServerDatabasePath string `mapstructure:"server_database_path"`
}

// Load reads configuration from the given file (optional) plus environment
// variables, and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_path", ".medisync/local.db")
	// Keys without meaningful defaults still need registering so that
	// environment-only values survive Unmarshal.
	v.SetDefault("remote_url", "")
	v.SetDefault("hospital_id", "")
	v.SetDefault("device_id", "")
	v.SetDefault("log_file", "")
	v.SetDefault("pull_interval", 15*time.Second)
	v.SetDefault("ping_interval", 5*time.Second)
	v.SetDefault("flap_threshold", 2)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("backoff_initial", 500*time.Millisecond)
	v.SetDefault("backoff_max", 30*time.Second)
	v.SetDefault("conflict_policies", map[string]string{"bills": "keep-remote"})
	v.SetDefault("server_listen", ":8980")
	v.SetDefault("server_database_path", ".medisync/server.db")

	v.SetEnvPrefix("MEDISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings needed by the sync daemon.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	if c.HospitalID == "" {
		return fmt.Errorf("hospital_id is required")
	}
	return nil
}
