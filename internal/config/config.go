package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Demo    DemoConfig    `mapstructure:"demo"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Compression  bool          `mapstructure:"compression"`
}

type GatewayConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	ReconnectPerSec float64       `mapstructure:"reconnect_per_sec"`
	// Name rewriting applied before cache lookup, to avoid self-loops when
	// the same process hosts both ends: names under rewrite_from are
	// searched upstream under rewrite_to. Empty disables.
	RewriteFrom string `mapstructure:"rewrite_from"`
	RewriteTo   string `mapstructure:"rewrite_to"`
}

type DemoConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.listen", ":5076")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.compression", true)
	v.SetDefault("gateway.sweep_interval", "30s")
	v.SetDefault("gateway.reconnect_per_sec", 2.0)
	v.SetDefault("gateway.rewrite_from", "")
	v.SetDefault("gateway.rewrite_to", "")
	v.SetDefault("demo.enabled", false)
	v.SetDefault("demo.interval", "1s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Environment variable support
	v.SetEnvPrefix("PVGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("pvgate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Gateway.SweepInterval <= 0 {
		return fmt.Errorf("gateway.sweep_interval must be positive")
	}
	if c.Gateway.ReconnectPerSec <= 0 {
		return fmt.Errorf("gateway.reconnect_per_sec must be positive")
	}
	if (c.Gateway.RewriteFrom == "") != (c.Gateway.RewriteTo == "") {
		return fmt.Errorf("gateway.rewrite_from and gateway.rewrite_to must be set together")
	}
	if c.Demo.Enabled && c.Demo.Interval <= 0 {
		return fmt.Errorf("demo.interval must be positive")
	}
	return nil
}
