package bench

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config describes one load run.
type Config struct {
	Calls       int           `mapstructure:"calls"`
	Submitters  int           `mapstructure:"submitters"`
	MaxPending  int           `mapstructure:"max_pending"`
	FailureRate float64       `mapstructure:"failure_rate"`
	PanicRate   float64       `mapstructure:"panic_rate"`
	MinLatency  time.Duration `mapstructure:"min_latency"`
	MaxLatency  time.Duration `mapstructure:"max_latency"`
	Seed        int64         `mapstructure:"seed"`
	QueueName   string        `mapstructure:"queue_name"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	LogLevel    string `mapstructure:"log_level"`
	Pretty      bool   `mapstructure:"pretty"`
}

func DefaultConfig() Config {
	return Config{
		Calls:       1000,
		Submitters:  8,
		FailureRate: 0.1,
		MinLatency:  0,
		MaxLatency:  time.Millisecond,
		Seed:        1,
		QueueName:   "bench",
		LogLevel:    "info",
		Pretty:      true,
	}
}

// SetDefaults registers DefaultConfig values with v so that every key is
// known to viper's env and flag lookups.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("calls", d.Calls)
	v.SetDefault("submitters", d.Submitters)
	v.SetDefault("max_pending", d.MaxPending)
	v.SetDefault("failure_rate", d.FailureRate)
	v.SetDefault("panic_rate", d.PanicRate)
	v.SetDefault("min_latency", d.MinLatency)
	v.SetDefault("max_latency", d.MaxLatency)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("queue_name", d.QueueName)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("pretty", d.Pretty)
}

// Load reads configuration from v, with SERIALBENCH_* environment variables
// overriding the config file when one is set.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("SERIALBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Calls <= 0 {
		errs = append(errs, errors.New("calls must be positive"))
	}
	if c.Submitters <= 0 {
		errs = append(errs, errors.New("submitters must be positive"))
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		errs = append(errs, errors.New("failure_rate must be within [0, 1]"))
	}
	if c.PanicRate < 0 || c.PanicRate > 1 {
		errs = append(errs, errors.New("panic_rate must be within [0, 1]"))
	}
	if c.MinLatency < 0 || c.MaxLatency < c.MinLatency {
		errs = append(errs, errors.New("latency range is invalid"))
	}
	return errors.Join(errs...)
}
