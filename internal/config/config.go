// Package config provides configuration loading for the bridge.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BridgeConfig holds runtime settings for the Python data source bridge.
type BridgeConfig struct {
	// Extension runtime settings
	PythonExec string   `mapstructure:"python_exec"`
	WorkerArgs []string `mapstructure:"worker_args"`

	// Planning settings
	PlanTimeoutSecs int `mapstructure:"plan_timeout_secs"`

	// Execution settings
	RowBufferSize   int `mapstructure:"row_buffer_size"`
	SpawnRatePerSec int `mapstructure:"spawn_rate_per_sec"`
	SpawnBurst      int `mapstructure:"spawn_burst"`

	// Staging settings
	StagingProvider string `mapstructure:"staging_provider"`

	// Logging settings
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// PlanTimeout returns the planner round-trip deadline.
func (c *BridgeConfig) PlanTimeout() time.Duration {
	return time.Duration(c.PlanTimeoutSecs) * time.Second
}

// Load reads configuration from an optional file plus PYBRIDGE_* env vars.
// Env vars win over file values; defaults cover everything else.
func Load(file string) (*BridgeConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("PYBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("python_exec", "python3")
	v.SetDefault("worker_args", []string{"-m", "pybridge_worker"})
	v.SetDefault("plan_timeout_secs", 60)
	v.SetDefault("row_buffer_size", 64)
	v.SetDefault("spawn_rate_per_sec", 20)
	v.SetDefault("spawn_burst", 40)
	v.SetDefault("staging_provider", "memory")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &BridgeConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without touching the
// filesystem. Env vars still apply.
func Default() *BridgeConfig {
	cfg, _ := Load("")
	return cfg
}
