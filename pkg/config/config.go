package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AssistantConfig points the chat endpoints at an OpenAI-compatible API.
type AssistantConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// TracingConfig controls the run-execution tracer.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// ExportConfig is the default SFTP destination for run exports. Requests
// may override it per call.
type ExportConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	RemoteDir  string `mapstructure:"remote_dir"`
}

// ServerConfig captures runtime settings for the tool builder service.
// DatabaseURL and RedisURL are optional: without them the server falls
// back to in-memory stores, which suits local development.
type ServerConfig struct {
	ListenAddr     string          `mapstructure:"listen_addr"`
	DatabaseURL    string          `mapstructure:"database_url"`
	RedisURL       string          `mapstructure:"redis_url"`
	DataDir        string          `mapstructure:"data_dir"`
	SandboxURL     string          `mapstructure:"sandbox_url"`
	SandboxAPIKey  string          `mapstructure:"sandbox_api_key"`
	SandboxTimeout time.Duration   `mapstructure:"sandbox_timeout"`
	Assistant      AssistantConfig `mapstructure:"assistant"`
	Tracing        TracingConfig   `mapstructure:"tracing"`
	Export         ExportConfig    `mapstructure:"export"`
}

// LoadServer loads server configuration from defaults, files, and env vars.
func LoadServer() (ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("TOOLBUILDER")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("sandbox_url", "http://localhost:8090")
	v.SetDefault("sandbox_api_key", "")
	v.SetDefault("sandbox_timeout", 90*time.Second)
	v.SetDefault("assistant.base_url", "https://api.openai.com")
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.model", "gpt-4.1")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("export.port", 22)
	v.SetDefault("export.remote_dir", "/srv/tool-runs")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
