// Nightguard
// Copyright (c) 2025, DCSO GmbH

// Package config loads nightguard settings from a YAML file, the environment
// and command line flags.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/DCSO/nightguard/detection"
	"github.com/DCSO/nightguard/enumerator"
	"github.com/DCSO/nightguard/registry"
	"github.com/DCSO/nightguard/watcher"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variables overriding settings,
// e.g. NIGHTGUARD_QUARANTINE_DIR.
const EnvPrefix = "NIGHTGUARD"

// Config is the complete set of runtime settings.
type Config struct {
	QuarantineDir        string            `mapstructure:"quarantine_dir"`
	AuditLog             string            `mapstructure:"audit_log"`
	DataDir              string            `mapstructure:"data_dir"`
	WindowSize           int               `mapstructure:"window_size"`
	EntropyThreshold     float64           `mapstructure:"entropy_threshold"`
	Signatures           []string          `mapstructure:"signatures"`
	ExecutableMagic      map[string]string `mapstructure:"executable_magic"`
	ExecutableExtensions []string          `mapstructure:"executable_extensions"`
	ExcludeDirs          []string          `mapstructure:"exclude_dirs"`
	Debounce             time.Duration     `mapstructure:"debounce"`
	ReadTimeout          time.Duration     `mapstructure:"read_timeout"`
	RescanTimeframe      time.Duration     `mapstructure:"rescan_timeframe"`
	Workers              int               `mapstructure:"workers"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	def := detection.DefaultConfig()
	magic := make(map[string]string, len(def.ExecutableMagic))
	for name, m := range def.ExecutableMagic {
		magic[name] = hex.EncodeToString(m)
	}

	v.SetDefault("quarantine_dir", "~/.nightguard/quarantine")
	v.SetDefault("audit_log", "~/.nightguard/audit.log")
	v.SetDefault("data_dir", "~/.nightguard/db")
	v.SetDefault("window_size", def.WindowSize)
	v.SetDefault("entropy_threshold", def.EntropyThreshold)
	v.SetDefault("signatures", def.Signatures)
	v.SetDefault("executable_magic", magic)
	v.SetDefault("executable_extensions", def.ExecutableExtensions)
	v.SetDefault("exclude_dirs", enumerator.DefaultExcludeDirs)
	v.SetDefault("debounce", watcher.DefaultDebounce)
	v.SetDefault("read_timeout", def.ReadTimeout)
	v.SetDefault("rescan_timeframe", registry.DefaultRescanTimeframe)
	v.SetDefault("workers", 0)
}

// Load reads the configuration. If path is empty, ~/.nightguard.yaml is used
// when present. Flags in the given set whose names match a setting with
// dashes for underscores (e.g. --quarantine-dir) take precedence over the
// file and the environment when set.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(home)
		v.SetConfigName(".nightguard")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range v.AllKeys() {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		log.Debug("no config file found, using defaults")
	}

	cfg := &Config{File: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.QuarantineDir, &c.AuditLog, &c.DataDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		if expanded != "" {
			expanded, err = filepath.Abs(expanded)
			if err != nil {
				return err
			}
		}
		*p = expanded
	}
	return nil
}

// DetectionConfig builds the heuristic tables for the detection pipeline.
func (c *Config) DetectionConfig() (detection.Config, error) {
	magic := make(map[string][]byte, len(c.ExecutableMagic))
	for name, h := range c.ExecutableMagic {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(h), "0x"))
		if err != nil {
			return detection.Config{}, fmt.Errorf("executable_magic %s: %w", name, err)
		}
		if len(b) < 2 {
			return detection.Config{}, fmt.Errorf("executable_magic %s: need two bytes, got %d", name, len(b))
		}
		magic[name] = b
	}
	return detection.Config{
		Signatures:           c.Signatures,
		ExecutableMagic:      magic,
		ExecutableExtensions: c.ExecutableExtensions,
		EntropyThreshold:     c.EntropyThreshold,
		WindowSize:           c.WindowSize,
		ReadTimeout:          c.ReadTimeout,
	}, nil
}

// ProtectedPaths returns the locations nightguard writes to itself. They are
// never scanned.
func (c *Config) ProtectedPaths() []string {
	paths := []string{c.QuarantineDir, c.DataDir}
	if c.AuditLog != "" {
		paths = append(paths, c.AuditLog, c.AuditLog+".lock")
	}
	return paths
}
