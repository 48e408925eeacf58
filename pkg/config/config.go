package config

// Package config provides a reusable loader for Sultan configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"sultan-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a Sultan node. It mirrors
// the structure of the YAML files Load reads from cmd/config or config.
type Config struct {
	Network struct {
		ChainID        string   `mapstructure:"chain_id" json:"chain_id"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		GenesisFile    string   `mapstructure:"genesis_file" json:"genesis_file"`
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		BlockTimeMS  int  `mapstructure:"block_time_ms" json:"block_time_ms"`
		VerifyVoters bool `mapstructure:"verify_voters" json:"verify_voters"`
	} `mapstructure:"consensus" json:"consensus"`

	Shards struct {
		Count int `mapstructure:"count" json:"count"`
	} `mapstructure:"shards" json:"shards"`

	Storage struct {
		DataDir          string `mapstructure:"data_dir" json:"data_dir"`
		EncryptionSecret string `mapstructure:"encryption_secret" json:"encryption_secret"`
	} `mapstructure:"storage" json:"storage"`

	RPC struct {
		ListenAddr  string `mapstructure:"listen_addr" json:"listen_addr"`
		RateLimit   int    `mapstructure:"rate_limit" json:"rate_limit"`
		RateWindowS int    `mapstructure:"rate_window_s" json:"rate_window_s"`
	} `mapstructure:"rpc" json:"rpc"`

	Features map[string]bool `mapstructure:"features" json:"features"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SULTAN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SULTAN_ENV", ""))
}
