package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/patentflow/orchestrator/internal/models"
)

// Config is the full orchestrator configuration, loaded from
// orchestrator.yaml (path via CONFIG_PATH) with PATENTFLOW_* env
// overrides.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Agents      map[string]string `mapstructure:"agents"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Compression CompressionConfig `mapstructure:"compression"`
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Streaming   StreamingConfig   `mapstructure:"streaming"`
}

type ServerConfig struct {
	APIPort   int `mapstructure:"api_port"`
	AdminPort int `mapstructure:"admin_port"`
}

type DispatchConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

func (d DispatchConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

type CompressionConfig struct {
	// Thresholds in bytes of serialized prior results, keyed by target
	// stage. A stage absent from the map never compresses.
	Thresholds map[string]int `mapstructure:"thresholds"`
}

type DefaultsConfig struct {
	TestMode bool `mapstructure:"test_mode"`
}

type RedisConfig struct {
	// Addr empty disables the event mirror.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "/app/config/orchestrator.yaml"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("dispatch.timeout_seconds", 300)
	v.SetDefault("compression.thresholds", map[string]int{
		models.StageDrafting: 8000,
		models.StageReview:   12000,
		models.StageRewrite:  15000,
	})
	v.SetDefault("defaults.test_mode", false)
	v.SetDefault("streaming.ring_capacity", 256)
}

// Load reads the config file at path; empty path falls back to
// CONFIG_PATH then DefaultPath. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PATENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// no file: run on defaults, endpoints must come from env or flags
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible knob values. A partial agents table is
// allowed; dispatch to an unmapped stage fails at runtime with a
// Configuration error.
func (c *Config) Validate() error {
	if c.Dispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch.timeout_seconds must be positive, got %d", c.Dispatch.TimeoutSeconds)
	}
	for stage, threshold := range c.Compression.Thresholds {
		if threshold <= 0 {
			return fmt.Errorf("compression.thresholds.%s must be positive, got %d", stage, threshold)
		}
	}
	if c.Streaming.RingCapacity <= 0 {
		return fmt.Errorf("streaming.ring_capacity must be positive, got %d", c.Streaming.RingCapacity)
	}
	return nil
}
