// Package config loads the daemon settings from agentd.yaml, AGENTD_
// environment variables and flags, and the per-agent override file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AGENTD_LISTEN.
const EnvPrefix = "AGENTD"

// Config is the daemon configuration.
type Config struct {
	// Endpoints attaches agent kinds to servers that are already running.
	Endpoints     map[string]string `mapstructure:"endpoints"`
	Listen        string            `mapstructure:"listen"`
	DataDir       string            `mapstructure:"data_dir"`
	DBPath        string            `mapstructure:"db_path"`
	AgentsFile    string            `mapstructure:"agents_file"`
	LogFormat     string            `mapstructure:"log_format"`
	InstallDirs   []string          `mapstructure:"install_dirs"`
	EventBuffer   int               `mapstructure:"event_buffer"`
	MaxConcurrent int64             `mapstructure:"max_concurrent"`
	Grace         time.Duration     `mapstructure:"grace"`
	KeepAlive     time.Duration     `mapstructure:"keep_alive"`
	Persist       bool              `mapstructure:"persist"`
}

// DefaultDataDir is ~/.config/agentd, or a relative directory when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentd"
	}
	return filepath.Join(home, ".config", "agentd")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	dir := DefaultDataDir()
	v.SetDefault("listen", "127.0.0.1:7433")
	v.SetDefault("data_dir", dir)
	v.SetDefault("db_path", filepath.Join(dir, "events.db"))
	v.SetDefault("agents_file", filepath.Join(dir, "agents.yaml"))
	v.SetDefault("log_format", "text")
	v.SetDefault("install_dirs", []string{filepath.Join(dir, "bin")})
	v.SetDefault("event_buffer", 256)
	v.SetDefault("max_concurrent", 8)
	v.SetDefault("grace", "2s")
	v.SetDefault("keep_alive", "15s")
	v.SetDefault("persist", true)
	v.SetDefault("endpoints", map[string]string{})
}

// New returns a viper instance reading file, or agentd.yaml from the
// data directory and the working directory when file is empty.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("agentd")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v. A missing default
// file is not an error; a missing explicit file is.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must be set"))
	}
	if c.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if c.Grace < 0 {
		errs = append(errs, fmt.Errorf("grace must not be negative, got %s", c.Grace))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
