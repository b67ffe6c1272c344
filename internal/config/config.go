// Package config loads and validates the server configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
)

// Config is the full server configuration. It is built once at startup and
// never mutated afterwards.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

type ServerConfig struct {
	Listen  string `mapstructure:"listen"`
	BaseURL string `mapstructure:"base_url"` // externally visible URL
}

type StorageConfig struct {
	DockerRoot string `mapstructure:"docker_root"`
	CratesRoot string `mapstructure:"crates_root"`
}

type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Realm          string        `mapstructure:"realm"`
	Service        string        `mapstructure:"service"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Secret         string        `mapstructure:"secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	FailureBurst   int           `mapstructure:"failure_burst"`
	FailuresPerSec float64       `mapstructure:"failures_per_second"`
}

// Load reads configuration from the config file and WAREHOUSE_* environment
// variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	viper.SetDefault("server.listen", ":5000")
	viper.SetDefault("server.base_url", "http://localhost:5000")
	viper.SetDefault("storage.docker_root", "./data/docker")
	viper.SetDefault("storage.crates_root", "./data/crates")
	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.service", "warehouse")
	// Empty defaults register the keys so environment overrides reach Unmarshal.
	viper.SetDefault("auth.realm", "")
	viper.SetDefault("auth.username", "")
	viper.SetDefault("auth.password", "")
	viper.SetDefault("auth.secret", "")
	viper.SetDefault("auth.token_ttl", 10*time.Minute)
	viper.SetDefault("auth.failure_burst", 10)
	viper.SetDefault("auth.failures_per_second", 0.5)

	viper.SetEnvPrefix("WAREHOUSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Auth.Realm == "" {
		cfg.Auth.Realm = strings.TrimSuffix(cfg.Server.BaseURL, "/") + "/token"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Storage.DockerRoot == "" || c.Storage.CratesRoot == "" {
		return fmt.Errorf("storage roots are required")
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth enabled but username/password not provided")
		}
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth enabled but no token secret provided")
		}
	}
	return nil
}
