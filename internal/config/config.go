// Package config loads rdvbench settings.
//
// Sources, highest priority first:
//  1. Command-line flags (passed to Load as overrides)
//  2. Environment variables (RDVBENCH_* prefix, "." replaced by "_")
//  3. Configuration file (rdvbench.yaml)
//  4. Default values
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/rdvbench/bench"
	"github.com/rocketbitz/rdvbench/rendezvous"
)

// Config holds every benchmark setting.
type Config struct {
	Variant    string `mapstructure:"variant" yaml:"variant"`
	Ranks      int    `mapstructure:"ranks" yaml:"ranks"`
	MinMsgSize int    `mapstructure:"min_msg_size" yaml:"min_msg_size"`
	MaxMsgSize int    `mapstructure:"max_msg_size" yaml:"max_msg_size"`
	TouchData  bool   `mapstructure:"touch_data" yaml:"touch_data"`

	// Iteration counts below LargeThreshold and at or above it.
	Loop           int `mapstructure:"loop" yaml:"loop"`
	Skip           int `mapstructure:"skip" yaml:"skip"`
	LoopLarge      int `mapstructure:"loop_large" yaml:"loop_large"`
	SkipLarge      int `mapstructure:"skip_large" yaml:"skip_large"`
	LargeThreshold int `mapstructure:"large_threshold" yaml:"large_threshold"`

	Recv     RecvConfig `mapstructure:"recv" yaml:"recv"`
	SlotBits int        `mapstructure:"slot_bits" yaml:"slot_bits"`

	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Output      string `mapstructure:"output" yaml:"output"`
}

// RecvConfig sizes the control receive pool.
type RecvConfig struct {
	LowWater  int `mapstructure:"low_water" yaml:"low_water"`
	HighWater int `mapstructure:"high_water" yaml:"high_water"`
}

// Load reads configuration from configPath, or from rdvbench.yaml in the working
// directory or $HOME/.rdvbench when configPath is empty. Overrides are keyed like
// the file ("recv.low_water") and win over every other source.
func Load(configPath string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdvbench")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.rdvbench")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RDVBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
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
	v.SetDefault("variant", rendezvous.VariantWrite.String())
	v.SetDefault("ranks", 2)
	v.SetDefault("min_msg_size", 8)
	v.SetDefault("max_msg_size", 64*1024)
	v.SetDefault("touch_data", true)

	v.SetDefault("loop", 40000)
	v.SetDefault("skip", 10000)
	v.SetDefault("loop_large", 10000)
	v.SetDefault("skip_large", 1000)
	v.SetDefault("large_threshold", 8192)

	v.SetDefault("recv.low_water", rendezvous.DefaultRecvLowWater)
	v.SetDefault("recv.high_water", rendezvous.DefaultRecvHighWater)
	v.SetDefault("slot_bits", rendezvous.DefaultSlotBits)

	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("output", "table")
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := rendezvous.ParseVariant(c.Variant); err != nil {
		if _, berr := bench.ParseBaseline(c.Variant); berr != nil {
			return fmt.Errorf("variant: %w", err)
		}
	}
	if c.Ranks != 2 {
		return fmt.Errorf("ranks must be 2 for the ping-pong benchmark, got %d", c.Ranks)
	}
	if c.MinMsgSize < 1 {
		return fmt.Errorf("min_msg_size must be at least 1, got %d", c.MinMsgSize)
	}
	if c.MaxMsgSize < c.MinMsgSize {
		return fmt.Errorf("max_msg_size %d is below min_msg_size %d", c.MaxMsgSize, c.MinMsgSize)
	}
	if c.Loop <= 0 || c.LoopLarge <= 0 {
		return fmt.Errorf("loop and loop_large must be positive, got %d and %d", c.Loop, c.LoopLarge)
	}
	if c.Skip < 0 || c.SkipLarge < 0 {
		return fmt.Errorf("skip and skip_large cannot be negative, got %d and %d", c.Skip, c.SkipLarge)
	}
	if c.LargeThreshold < 0 {
		return fmt.Errorf("large_threshold cannot be negative, got %d", c.LargeThreshold)
	}
	if c.Recv.LowWater < 1 || c.Recv.LowWater > c.Recv.HighWater {
		return fmt.Errorf("recv water marks must satisfy 1 <= low_water <= high_water, got %d/%d", c.Recv.LowWater, c.Recv.HighWater)
	}
	if c.SlotBits < 1 || c.SlotBits > rendezvous.MaxSlotBits {
		return fmt.Errorf("slot_bits must be in [1,%d], got %d", rendezvous.MaxSlotBits, c.SlotBits)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.Output {
	case "table", "yaml":
	default:
		return fmt.Errorf("output must be table or yaml, got %q", c.Output)
	}
	return nil
}

// Baseline returns the direct baseline named by Variant, if it names one.
func (c *Config) Baseline() (bench.Baseline, bool) {
	b, err := bench.ParseBaseline(c.Variant)
	return b, err == nil
}

// RendezvousVariant returns the parsed variant.
func (c *Config) RendezvousVariant() rendezvous.Variant {
	v, _ := rendezvous.ParseVariant(c.Variant)
	return v
}
