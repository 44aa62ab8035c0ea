package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete slidewire configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the listener and channel liveness
type ServerConfig struct {
	// Host is the listen address
	Host string `mapstructure:"host"`
	// Port is the listen port
	Port int `mapstructure:"port"`
	// HeartbeatIntervalSeconds is how often the server pings each channel
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	// HeartbeatTimeoutSeconds is the pong deadline; a missed deadline tears
	// the channel down and suspends the session
	HeartbeatTimeoutSeconds int `mapstructure:"heartbeat_timeout_seconds"`
	// MaxMessageBytes bounds a single inbound wire message
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// WriteTimeoutSeconds bounds a single outbound write
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

// AuthConfig controls credential verification
type AuthConfig struct {
	// Mode selects the verifier: "static" or "http"
	Mode string `mapstructure:"mode"`
	// Tokens maps credential -> user id for the static verifier
	Tokens map[string]string `mapstructure:"tokens"`
	// Endpoint is the identity service URL for the http verifier
	Endpoint string `mapstructure:"endpoint"`
	// TimeoutSeconds bounds a verification call
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// SessionConfig controls session lifetime
type SessionConfig struct {
	// TTLSeconds is the idle time after which a session is destroyed
	TTLSeconds int `mapstructure:"ttl_seconds"`
	// SweepIntervalSeconds is how often the idle sweeper runs
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// WorkflowConfig controls the orchestrator's state machine bounds
type WorkflowConfig struct {
	// MaxRetries bounds retries of a recoverable collaborator failure
	MaxRetries int `mapstructure:"max_retries"`
	// MaxClarificationRounds bounds the clarification dialogue
	MaxClarificationRounds int `mapstructure:"max_clarification_rounds"`
	// CompletenessThreshold is the analysis score at or above which
	// generation proceeds without clarification
	CompletenessThreshold float64 `mapstructure:"completeness_threshold"`
	// BackoffBaseMs is the first retry delay; doubles per attempt
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
	// BackoffMaxMs caps the retry delay
	BackoffMaxMs int `mapstructure:"backoff_max_ms"`
}

// GatewayConfig controls the collaborator gateway
type GatewayConfig struct {
	// Mode selects the collaborator set: "mock" or "openai"
	Mode string `mapstructure:"mode"`
	// CallTimeoutSeconds time-boxes every collaborator call
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`
	// OpenAI configures the real collaborator set
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the OpenAI-backed collaborators
type OpenAIConfig struct {
	// APIKey is the API key; falls back to OPENAI_API_KEY
	APIKey string `mapstructure:"api_key"`
	// Model is the chat model used for analysis and generation
	Model string `mapstructure:"model"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Dir is the log directory; empty logs to stderr
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the rotation threshold
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep
	MaxBackups int `mapstructure:"max_backups"`
}

// Default returns the configuration defaults. Workflow bounds mirror the
// service contract: three retries, three clarification rounds, a 0.8
// completeness threshold and 30s collaborator calls.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                     "0.0.0.0",
			Port:                     8080,
			HeartbeatIntervalSeconds: 30,
			HeartbeatTimeoutSeconds:  60,
			MaxMessageBytes:          1 << 20,
			WriteTimeoutSeconds:      10,
		},
		Auth: AuthConfig{
			Mode:           "static",
			Tokens:         map[string]string{},
			TimeoutSeconds: 5,
		},
		Session: SessionConfig{
			TTLSeconds:           3600,
			SweepIntervalSeconds: 300,
		},
		Workflow: WorkflowConfig{
			MaxRetries:             3,
			MaxClarificationRounds: 3,
			CompletenessThreshold:  0.8,
			BackoffBaseMs:          500,
			BackoffMaxMs:           8000,
		},
		Gateway: GatewayConfig{
			Mode:               "mock",
			CallTimeoutSeconds: 30,
			OpenAI: OpenAIConfig{
				Model: "gpt-4o",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// HeartbeatInterval returns the ping cadence as a time.Duration
func (c *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the pong deadline as a time.Duration
func (c *ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// WriteTimeout returns the outbound write bound as a time.Duration
func (c *ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// TTL returns the idle session lifetime as a time.Duration
func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence as a time.Duration
func (c *SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// CallTimeout returns the collaborator call bound as a time.Duration
func (c *GatewayConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay as a time.Duration
func (c *WorkflowConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// BackoffMax returns the retry delay cap as a time.Duration
func (c *WorkflowConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// VerifyTimeout returns the identity call bound as a time.Duration
func (c *AuthConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.heartbeat_interval_seconds", defaults.Server.HeartbeatIntervalSeconds)
	viper.SetDefault("server.heartbeat_timeout_seconds", defaults.Server.HeartbeatTimeoutSeconds)
	viper.SetDefault("server.max_message_bytes", defaults.Server.MaxMessageBytes)
	viper.SetDefault("server.write_timeout_seconds", defaults.Server.WriteTimeoutSeconds)

	viper.SetDefault("auth.mode", defaults.Auth.Mode)
	viper.SetDefault("auth.tokens", defaults.Auth.Tokens)
	viper.SetDefault("auth.endpoint", defaults.Auth.Endpoint)
	viper.SetDefault("auth.timeout_seconds", defaults.Auth.TimeoutSeconds)

	viper.SetDefault("session.ttl_seconds", defaults.Session.TTLSeconds)
	viper.SetDefault("session.sweep_interval_seconds", defaults.Session.SweepIntervalSeconds)

	viper.SetDefault("workflow.max_retries", defaults.Workflow.MaxRetries)
	viper.SetDefault("workflow.max_clarification_rounds", defaults.Workflow.MaxClarificationRounds)
	viper.SetDefault("workflow.completeness_threshold", defaults.Workflow.CompletenessThreshold)
	viper.SetDefault("workflow.backoff_base_ms", defaults.Workflow.BackoffBaseMs)
	viper.SetDefault("workflow.backoff_max_ms", defaults.Workflow.BackoffMaxMs)

	viper.SetDefault("gateway.mode", defaults.Gateway.Mode)
	viper.SetDefault("gateway.call_timeout_seconds", defaults.Gateway.CallTimeoutSeconds)
	viper.SetDefault("gateway.openai.api_key", defaults.Gateway.OpenAI.APIKey)
	viper.SetDefault("gateway.openai.model", defaults.Gateway.OpenAI.Model)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
}

// Load reads the configuration from viper into a Config and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "slidewire")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".slidewire"
	}
	return filepath.Join(home, ".config", "slidewire")
}
