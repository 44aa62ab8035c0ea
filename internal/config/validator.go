package config

import (
	"fmt"
	"strings"

	"github.com/slidewire/slidewire/internal/logging"
)

// ValidationError describes a single invalid configuration value
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors aggregates every invalid value found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems found, not just
// the first
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Server.HeartbeatIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.heartbeat_interval_seconds",
			Value:   c.Server.HeartbeatIntervalSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Server.HeartbeatTimeoutSeconds <= c.Server.HeartbeatIntervalSeconds {
		errs = append(errs, ValidationError{
			Field:   "server.heartbeat_timeout_seconds",
			Value:   c.Server.HeartbeatTimeoutSeconds,
			Message: "must exceed heartbeat_interval_seconds",
		})
	}
	if c.Server.MaxMessageBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_message_bytes",
			Value:   c.Server.MaxMessageBytes,
			Message: "must be at least 1024",
		})
	}

	switch c.Auth.Mode {
	case "static":
	case "http":
		if c.Auth.Endpoint == "" {
			errs = append(errs, ValidationError{
				Field:   "auth.endpoint",
				Value:   c.Auth.Endpoint,
				Message: "required when auth.mode is http",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "auth.mode",
			Value:   c.Auth.Mode,
			Message: "must be static or http",
		})
	}

	if c.Session.TTLSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.ttl_seconds",
			Value:   c.Session.TTLSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Session.SweepIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.sweep_interval_seconds",
			Value:   c.Session.SweepIntervalSeconds,
			Message: "must be at least 1",
		})
	}

	if c.Workflow.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "workflow.max_retries",
			Value:   c.Workflow.MaxRetries,
			Message: "must not be negative",
		})
	}
	if c.Workflow.MaxClarificationRounds < 1 {
		errs = append(errs, ValidationError{
			Field:   "workflow.max_clarification_rounds",
			Value:   c.Workflow.MaxClarificationRounds,
			Message: "must be at least 1",
		})
	}
	if c.Workflow.CompletenessThreshold < 0 || c.Workflow.CompletenessThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "workflow.completeness_threshold",
			Value:   c.Workflow.CompletenessThreshold,
			Message: "must be between 0 and 1",
		})
	}
	if c.Workflow.BackoffBaseMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "workflow.backoff_base_ms",
			Value:   c.Workflow.BackoffBaseMs,
			Message: "must be at least 1",
		})
	}
	if c.Workflow.BackoffMaxMs < c.Workflow.BackoffBaseMs {
		errs = append(errs, ValidationError{
			Field:   "workflow.backoff_max_ms",
			Value:   c.Workflow.BackoffMaxMs,
			Message: "must be at least backoff_base_ms",
		})
	}

	switch c.Gateway.Mode {
	case "mock":
	case "openai":
		// The key may also arrive via OPENAI_API_KEY at startup, so an
		// empty value here is only a warning at wire-up, not an error.
	default:
		errs = append(errs, ValidationError{
			Field:   "gateway.mode",
			Value:   c.Gateway.Mode,
			Message: "must be mock or openai",
		})
	}
	if c.Gateway.CallTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "gateway.call_timeout_seconds",
			Value:   c.Gateway.CallTimeoutSeconds,
			Message: "must be at least 1",
		})
	}

	if !validLogLevel(c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: "must be one of " + strings.Join(logging.ValidLevels(), ", "),
		})
	}
	if c.Logging.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be at least 1",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must not be negative",
		})
	}

	return errs
}

// Warnings flags values that are valid but probably not what the
// operator meant. Logged at startup, never fatal.
func (c *Config) Warnings() []string {
	var warnings []string

	if c.Server.HeartbeatIntervalSeconds < 5 {
		warnings = append(warnings, fmt.Sprintf(
			"server.heartbeat_interval_seconds is %d; intervals under 5s generate significant ping traffic",
			c.Server.HeartbeatIntervalSeconds))
	}
	if c.Session.TTLSeconds < 60 {
		warnings = append(warnings, fmt.Sprintf(
			"session.ttl_seconds is %d; sessions this short-lived give clients little room to reconnect",
			c.Session.TTLSeconds))
	}
	if c.Workflow.CompletenessThreshold < 0.5 {
		warnings = append(warnings, fmt.Sprintf(
			"workflow.completeness_threshold is %v; most requests will skip clarification entirely",
			c.Workflow.CompletenessThreshold))
	}
	if c.Workflow.MaxRetries > 10 {
		warnings = append(warnings, fmt.Sprintf(
			"workflow.max_retries is %d; a struggling collaborator will hold its session for a long time",
			c.Workflow.MaxRetries))
	}
	if c.Gateway.Mode == "openai" && c.Gateway.OpenAI.APIKey == "" {
		warnings = append(warnings,
			"gateway.mode is openai with no configured key; startup will fail unless OPENAI_API_KEY is set")
	}

	return warnings
}

func validLogLevel(level string) bool {
	for _, l := range logging.ValidLevels() {
		if strings.EqualFold(level, l) {
			return true
		}
	}
	return false
}
