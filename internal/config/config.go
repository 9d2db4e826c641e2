// Package config loads server configuration from defaults, an optional config
// file, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"threaddeck/internal/logger"
)

// Config holds all configuration sections.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Threads     ThreadsConfig     `mapstructure:"threads"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Logging     logger.Config     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	StaticDir string `mapstructure:"staticDir"`
	// AllowedOrigins are extra websocket origins accepted in addition to
	// same-host and localhost.
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// AgentConfig describes how the external agent executable is launched.
type AgentConfig struct {
	Command string `mapstructure:"command"`
	// Args may contain {threadId} and {mode} placeholders.
	Args           []string          `mapstructure:"args"`
	Env            map[string]string `mapstructure:"env"`
	DefaultMode    string            `mapstructure:"defaultMode"`
	InterruptGrace time.Duration     `mapstructure:"interruptGrace"`
	MaxTokens      int64             `mapstructure:"maxTokens"`
	// DefaultDir is used when a thread has no usable workspace.
	DefaultDir string `mapstructure:"defaultDir"`
}

// ThreadsConfig locates the thread JSON files.
type ThreadsConfig struct {
	Dir string `mapstructure:"dir"`
}

// AttachmentsConfig locates persisted image attachments.
type AttachmentsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultAgentArgs continue a thread in execute mode, reading one stream-json
// user line on stdin and writing stream-json on stdout.
var DefaultAgentArgs = []string{
	"threads", "continue", "{threadId}",
	"--execute", "--stream-json", "--stream-json-input",
	"--mode", "{mode}",
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "threaddeck")
	}
	return filepath.Join(home, ".threaddeck")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.staticDir", "./frontend/dist")
	v.SetDefault("server.allowedOrigins", []string{})

	v.SetDefault("agent.command", "amp")
	v.SetDefault("agent.args", DefaultAgentArgs)
	v.SetDefault("agent.env", map[string]string{})
	v.SetDefault("agent.defaultMode", "smart")
	v.SetDefault("agent.interruptGrace", 5*time.Second)
	v.SetDefault("agent.defaultDir", "")
	v.SetDefault("agent.maxTokens", 200000)

	v.SetDefault("threads.dir", filepath.Join(dataDir(), "threads"))
	v.SetDefault("attachments.dir", filepath.Join(dataDir(), "attachments"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration. configPath may name a config file; when empty,
// THREADDECK_CONFIG is consulted and then config.yaml in the working directory.
// Environment variables use the THREADDECK_ prefix with dots replaced by
// underscores; PORT and STATIC_DIR are also honoured.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("THREADDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "THREADDECK_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.staticDir", "THREADDECK_SERVER_STATIC_DIR", "STATIC_DIR")
	_ = v.BindEnv("agent.defaultMode", "THREADDECK_AGENT_DEFAULT_MODE")
	_ = v.BindEnv("agent.interruptGrace", "THREADDECK_AGENT_INTERRUPT_GRACE")
	_ = v.BindEnv("agent.maxTokens", "THREADDECK_AGENT_MAX_TOKENS")
	_ = v.BindEnv("logging.outputPath", "THREADDECK_LOGGING_OUTPUT_PATH")

	if configPath == "" {
		configPath = os.Getenv("THREADDECK_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if c.Agent.InterruptGrace <= 0 {
		errs = append(errs, "agent.interruptGrace must be positive")
	}
	if c.Agent.MaxTokens <= 0 {
		errs = append(errs, "agent.maxTokens must be positive")
	}
	if c.Threads.Dir == "" {
		errs = append(errs, "threads.dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
