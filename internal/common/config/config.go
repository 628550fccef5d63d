// Package config provides configuration management for agenthost.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agenthost.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	LLM      LLMConfig      `mapstructure:"llm"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds SQLite storage configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig holds agent loop tuning knobs.
type RuntimeConfig struct {
	// ToolsPerTick bounds how many tool calls one tick may execute.
	ToolsPerTick int `mapstructure:"toolsPerTick"`
	// MaxSteps bounds the number of ticks a single run may take.
	MaxSteps int `mapstructure:"maxSteps"`
	// EventRingSize is the number of lifecycle events retained per instance.
	EventRingSize int `mapstructure:"eventRingSize"`
	// ClassesFile points to the YAML file declaring agent class descriptors.
	ClassesFile string `mapstructure:"classesFile"`
	// SubagentTimeout is the default deadline for spawned sub-agents.
	SubagentTimeout time.Duration `mapstructure:"subagentTimeout"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	// Provider selects the adapter: "openai" or "scripted".
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"apiKey"`
	BaseURL  string `mapstructure:"baseUrl"`
	// MaxRetries bounds provider retries for transient failures.
	MaxRetries int `mapstructure:"maxRetries"`
}

// MCPServerConfig declares one external MCP tool server.
type MCPServerConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// MCPConfig holds the set of configured MCP servers.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from file and environment.
// Priority: env vars (AGENTHOST_ prefix) > config file > defaults.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if dir := os.Getenv("AGENTHOST_CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only hard-fail on parse errors.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("AGENTHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses must not time out

	v.SetDefault("database.path", "./agenthost.db")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agenthost")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("runtime.toolsPerTick", 5)
	v.SetDefault("runtime.maxSteps", 50)
	v.SetDefault("runtime.eventRingSize", 500)
	v.SetDefault("runtime.classesFile", "./agents.yaml")
	v.SetDefault("runtime.subagentTimeout", 5*time.Minute)

	v.SetDefault("llm.provider", "scripted")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.maxRetries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}
