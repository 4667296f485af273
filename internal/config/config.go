package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Signaling configures the gateway service.
type Signaling struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	DBPath       string        `mapstructure:"db_path"`
	TokenSecret  string        `mapstructure:"token_secret"`
	RouterURL    string        `mapstructure:"router_url"`
	RouterSecret string        `mapstructure:"router_secret"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Router configures the media-routing service.
type Router struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	TransportTTL  time.Duration `mapstructure:"transport_ttl"`
	JanitorPeriod time.Duration `mapstructure:"janitor_period"`
}

func newViper(service string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	v.SetConfigFile(fmt.Sprintf("config/%s.%s.yaml", service, env))
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return v
}

func LoadSignaling() (*Signaling, error) {
	v := newViper("signaling")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./voice.db")
	v.SetDefault("router_url", "http://127.0.0.1:8090")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", v.ConfigFileUsed())
	}

	var cfg Signaling
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func LoadRouter() (*Router, error) {
	v := newViper("router")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("transport_ttl", "30s")
	v.SetDefault("janitor_period", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", v.ConfigFileUsed())
	}

	var cfg Router
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
