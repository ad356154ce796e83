// Package config loads monitoggle settings from the XDG config file, the
// environment and command line flags, in increasing order of precedence.
package config

import (
	"codeberg.org/miketth/monitoggle/pkg/monitoggle"
	"errors"
	"fmt"
	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"path/filepath"
	"strings"
	"time"
)

const (
	appName      = "monitoggle"
	envPrefix    = "MONITOGGLE"
	fileBaseName = "config.yaml"

	JournalSQLite = "sqlite"
	JournalMemory = "memory"
	JournalNone   = "none"
)

type Config struct {
	ApplyMethod        string        `mapstructure:"apply-method"`
	ReassignPrimary    bool          `mapstructure:"reassign-primary"`
	RestoreOrientation bool          `mapstructure:"restore-orientation"`
	CallTimeout        time.Duration `mapstructure:"call-timeout"`
	Debug              bool          `mapstructure:"debug"`
	Journal            JournalConfig `mapstructure:"journal"`
	Metrics            MetricsConfig `mapstructure:"metrics"`
}

type JournalConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Listen is the address the metrics endpoint binds to; empty disables it.
	Listen string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) error {
	journalPath, err := xdg.StateFile(appName + "/journal.db")
	if err != nil {
		return fmt.Errorf("resolve journal path: %w", err)
	}

	v.SetDefault("apply-method", "temporary")
	v.SetDefault("reassign-primary", false)
	v.SetDefault("restore-orientation", false)
	v.SetDefault("call-timeout", 5*time.Second)
	v.SetDefault("debug", false)
	v.SetDefault("journal.driver", JournalSQLite)
	v.SetDefault("journal.path", journalPath)
	v.SetDefault("metrics.listen", "")
	return nil
}

// DefaultPath returns the config file location, whether or not it exists.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appName, fileBaseName)
}

// Load reads path, or the XDG config file when path is empty. A missing
// default file is not an error; a missing explicit one is. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		found, err := xdg.SearchConfigFile(appName + "/" + fileBaseName)
		if err == nil {
			path = found
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindFlags makes flags with the same name as a config key override it,
// but only when set on the command line.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range []string{"apply-method", "reassign-primary", "restore-orientation", "call-timeout", "debug"} {
		f := flags.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.Method(); err != nil {
		return err
	}

	switch c.Journal.Driver {
	case JournalSQLite:
		if c.Journal.Path == "" {
			return errors.New("journal.path is required for the sqlite journal")
		}
	case JournalMemory, JournalNone:
	default:
		return fmt.Errorf("unknown journal driver %q", c.Journal.Driver)
	}

	if c.CallTimeout <= 0 {
		return fmt.Errorf("call-timeout must be positive, got %s", c.CallTimeout)
	}

	return nil
}

func (c *Config) Method() (monitoggle.ApplyMethod, error) {
	switch strings.ToLower(c.ApplyMethod) {
	case "verify":
		return monitoggle.ApplyVerify, nil
	case "temporary", "":
		return monitoggle.ApplyTemporary, nil
	case "persistent":
		return monitoggle.ApplyPersistent, nil
	}
	return 0, fmt.Errorf("unknown apply-method %q", c.ApplyMethod)
}
