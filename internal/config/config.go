// Package config loads engine settings from a yaml file with sane
// defaults for every field.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables of the settlement core.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Ledger struct {
		// MaxAbsBalance bounds |base|, |quote| and |pnl| per trader.
		// Empty or "0" disables the bound.
		MaxAbsBalance string `mapstructure:"max_abs_balance"`
	} `mapstructure:"ledger"`

	Aggregator struct {
		MinTotal string `mapstructure:"min_total"`
		MaxTotal string `mapstructure:"max_total"`
	} `mapstructure:"aggregator"`

	Snapshot struct {
		// Path of the sqlite snapshot database. Empty disables snapshots.
		Path string `mapstructure:"path"`
	} `mapstructure:"snapshot"`

	Stream struct {
		// Brokers enables the Kafka fill-event publisher when non-empty.
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"stream"`

	Batch struct {
		// Interval drives the demo binary's flush ticker.
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"batch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("ledger.max_abs_balance", "0")
	v.SetDefault("aggregator.min_total", "0")
	v.SetDefault("aggregator.max_total", "1000000000000000000000000000000")
	v.SetDefault("snapshot.path", "")
	v.SetDefault("stream.brokers", []string{})
	v.SetDefault("stream.topic", "synthex.fills")
	v.SetDefault("batch.interval", "1s")
}

// Load reads the config file at path. A missing file yields defaults;
// an unreadable or malformed file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
