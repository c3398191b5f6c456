// Package config provides a reusable loader for sphere-engine configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/noosphere/sphereengine/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration surface for the engine and its
// commands.
type Config struct {
	StoragePath string `mapstructure:"storage_path" json:"storage_path"`
	GatewayURL  string `mapstructure:"gateway_url" json:"gateway_url"`
	KeyName     string `mapstructure:"key_name" json:"key_name"`

	NetworkTimeoutMS int `mapstructure:"network_timeout_ms" json:"network_timeout_ms"`

	ContentTypeRegistry []string `mapstructure:"content_type_registry" json:"content_type_registry"`

	NoosphereLog string `mapstructure:"noosphere_log" json:"noosphere_log"`

	Gateway struct {
		ListenAddr      string `mapstructure:"listen_addr" json:"listen_addr"`
		CounterpartName string `mapstructure:"counterpart_name" json:"counterpart_name"`
	} `mapstructure:"gateway" json:"gateway"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("storage_path", "./.noosphere")
	viper.SetDefault("gateway_url", "http://localhost:4433")
	viper.SetDefault("key_name", "default")
	viper.SetDefault("network_timeout_ms", 30_000)
	viper.SetDefault("noosphere_log", "informed")
	viper.SetDefault("content_type_registry", []string{
		"text/subtext", "text/plain", "text/markdown", "application/octet-stream",
	})
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	setDefaults()
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.SetEnvPrefix("NOOSPHERE")
	viper.AutomaticEnv() // picks up from .env via godotenv in cmd/gatewayd

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the NOOSPHERE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("NOOSPHERE_ENV", ""))
}
