// Package config provides YAML-based configuration loading for overmesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName is the logical name of the node.
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`

	// Identity controls the node identity the manager presents in handshakes.
	Identity IdentityConfig `mapstructure:"identity"`

	// Transports lists the edge listeners to run.
	Transports []TransportConfig `mapstructure:"transports"`

	// Peers are addresses to dial once at startup. Failed dials surface as
	// connection-attempt failures; there is no retry.
	Peers []string `mapstructure:"peers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation for file outputs.
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options.
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// IdentityConfig describes the node's cryptographic identity.
type IdentityConfig struct {
	Alg            string `mapstructure:"alg"`              // ed25519
	PrivateKey     string `mapstructure:"private_key"`      // base64url (no padding) of raw key bytes
	PrivateKeyFile string `mapstructure:"private_key_file"` // path holding base64 or raw bytes
}

// TransportConfig describes one edge listener.
// Example YAML:
//
//	transports:
//	  - scheme: tcp
//	    listen: "tcp://0.0.0.0:7000"
//	  - scheme: quic
//	    listen: "quic://0.0.0.0:7443"
//	  - scheme: ws
//	    listen: "ws://0.0.0.0:7080"
type TransportConfig struct {
	Scheme string `mapstructure:"scheme"`
	Listen string `mapstructure:"listen"`
}

var knownSchemes = map[string]bool{"mem": true, "tcp": true, "quic": true, "ws": true}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "overmesh-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/overmesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
		Transports: []TransportConfig{
			{Scheme: "tcp", Listen: "tcp://0.0.0.0:7000"},
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations. Environment variables override with the
// prefix OVERMESH and `.`/`-` replaced by `_`.
// Example: OVERMESH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OVERMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("peers", cfg.Peers)

	if path == "" {
		if envPath := os.Getenv("OVERMESH_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("overmesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".overmesh"))
		}
	}

	// Missing config file is fine; defaults plus env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	for i := range c.Transports {
		scheme := strings.ToLower(strings.TrimSpace(c.Transports[i].Scheme))
		c.Transports[i].Scheme = scheme
		if !knownSchemes[scheme] {
			return fmt.Errorf("unknown transport scheme: %q", scheme)
		}
		if strings.TrimSpace(c.Transports[i].Listen) == "" {
			return fmt.Errorf("transport %q has no listen address", scheme)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
