package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Server captures runtime settings for the search API server.
type Server struct {
	ListenAddr       string `mapstructure:"listen_addr"`
	DatabaseURL      string `mapstructure:"database_url"`
	DatabaseSecretID string `mapstructure:"database_secret_id"`
	RedisURL         string `mapstructure:"redis_url"`
	CheckpointURI    string `mapstructure:"checkpoint_uri"`
	AWSRegion        string `mapstructure:"aws_region"`
	Trace            bool   `mapstructure:"trace"`
	Development      bool   `mapstructure:"development"`
	Verbosity        int    `mapstructure:"verbosity"`
}

// LoadServer loads server configuration from defaults, an optional
// ./configs/server.yaml and HPSEARCH_* environment variables.
func LoadServer() (Server, error) {
	v := newViper()
	v.SetConfigName("server")
	v.AddConfigPath("./configs")

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("database_secret_id", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("checkpoint_uri", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("trace", false)
	v.SetDefault("development", false)
	v.SetDefault("verbosity", 0)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Server{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
