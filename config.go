package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the gateway's full runtime configuration (spec.md's §4.E
// resource limits and §4.F/§4.C timeouts, lifted into one bound-checked
// value per SPEC_FULL.md §4.K). Modeled on Sentinel Gate's OSSConfig:
// mapstructure tags for viper binding, validator tags for bound checks.
type Config struct {
	Listen         string        `mapstructure:"listen" validate:"required"`
	LogLevel       string        `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	NodeRuntime    string        `mapstructure:"node_runtime" validate:"required"`
	PythonRuntime  string        `mapstructure:"python_runtime" validate:"required"`
	MaxProcesses   int           `mapstructure:"max_processes" validate:"gte=1"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval" validate:"gt=0"`
	KeepAlive      time.Duration `mapstructure:"keepalive" validate:"gt=0"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	SSETimeout     time.Duration `mapstructure:"sse_timeout" validate:"gt=0"`

	Tailscale TailscaleConfig `mapstructure:"tailscale"`
}

// TailscaleConfig carries the optional tsnet listen mode the teacher repo
// uses; the gateway falls back to a plain net.Listen when Hostname is
// empty (see main.go).
type TailscaleConfig struct {
	Hostname string `mapstructure:"hostname"`
	StateDir string `mapstructure:"state_dir"`
}

const envPrefix = "MCPGW"

// DefaultConfig returns the gateway's baked-in defaults, matching the
// numbers spec.md §4.E/§4.F/§4.C name explicitly: 10 max processes, a
// 30-minute idle threshold, a 5-minute reap interval, a 30-second SSE
// keepalive, a 30-minute SSE hard timeout, and a 5-second registry-probe
// timeout.
func DefaultConfig() Config {
	return Config{
		Listen:         ":8080",
		LogLevel:       "info",
		NodeRuntime:    nodeRunnerCommand,
		PythonRuntime:  pythonRunnerCommand,
		MaxProcesses:   10,
		IdleTimeout:    defaultIdleTimeout,
		ReaperInterval: reaperInterval,
		KeepAlive:      sseKeepaliveInterval,
		ProbeTimeout:   probeTimeout,
		SSETimeout:     sseHardTimeout,
	}
}

// LoadConfig wires viper the way the pack's cobra-based CLIs do:
// optional config file, then MCPGW_-prefixed environment overrides, then
// struct-tag validation (spec.md §9's "consolidate global mutable state
// into one explicit value" applies to configuration too — this is the
// single Config that flows into main's wiring).
func LoadConfig(v *viper.Viper, configPath string) (Config, error) {
	cfg := DefaultConfig()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("node_runtime", cfg.NodeRuntime)
	v.SetDefault("python_runtime", cfg.PythonRuntime)
	v.SetDefault("max_processes", cfg.MaxProcesses)
	v.SetDefault("idle_timeout", cfg.IdleTimeout)
	v.SetDefault("reaper_interval", cfg.ReaperInterval)
	v.SetDefault("keepalive", cfg.KeepAlive)
	v.SetDefault("probe_timeout", cfg.ProbeTimeout)
	v.SetDefault("sse_timeout", cfg.SSETimeout)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

var structValidator = validator.New()

func validateConfig(cfg Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
