package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = make(ValidationErrors, 0)

	v.validateGridConfig(&cfg.Grid)
	v.validateAgentConfig(&cfg.Agent)
	v.validateTokenGroups(cfg.TokenGroups)
	v.validateLoggingConfig(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateGridConfig(cfg *GridConfig) {
	if cfg.Host == "" {
		v.addError("grid.host", "host is required")
	} else if u, err := url.Parse(cfg.Host); err != nil || u.Scheme == "" || u.Host == "" {
		v.addError("grid.host", "invalid url, expected scheme://host[:port]")
	}

	if cfg.ConnectTimeout <= 0 {
		v.addError("grid.connect_timeout", "connect timeout must be positive")
	}
	if cfg.ReadTimeout <= 0 {
		v.addError("grid.read_timeout", "read timeout must be positive")
	}
	if cfg.RegistrationPeriod <= 0 {
		v.addError("grid.registration_period", "registration period must be positive")
	}
}

func (v *Validator) validateAgentConfig(cfg *AgentConfig) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		v.addError("agent.port", "port must be between 0 and 65535")
	}
	if cfg.URL != "" {
		if u, err := url.Parse(cfg.URL); err != nil || u.Scheme == "" || u.Host == "" {
			v.addError("agent.url", "invalid url, expected scheme://host[:port]")
		}
	}
	if cfg.SessionTimeout < 0 {
		v.addError("agent.session_timeout", "session timeout cannot be negative")
	}
	if cfg.CallTimeout < 0 {
		v.addError("agent.default_call_timeout", "default call timeout cannot be negative")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("agent.read_timeout", "read timeout cannot be negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("agent.write_timeout", "write timeout cannot be negative")
	}
}

func (v *Validator) validateTokenGroups(groups []TokenGroupConfig) {
	for i, g := range groups {
		prefix := fmt.Sprintf("token_groups[%d]", i)
		if g.Capacity < 0 {
			v.addError(prefix+".capacity", "capacity cannot be negative")
		}
		for key, pattern := range g.TokenConf.SelectionPatterns {
			if _, err := regexp.Compile(pattern); err != nil {
				v.addError(fmt.Sprintf("%s.token_conf.selection_patterns.%s", prefix, key),
					fmt.Sprintf("invalid pattern: %v", err))
			}
		}
	}
}

func (v *Validator) validateLoggingConfig(cfg *Config) {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.addError("logging.level", "level must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "console", "text":
	default:
		v.addError("logging.format", "format must be one of: json, console")
	}

	switch strings.ToLower(cfg.Logging.Output) {
	case "stdout", "":
	case "file", "both":
		if cfg.Logging.FilePath == "" {
			v.addError("logging.file_path", "file path is required when output is file or both")
		}
	default:
		v.addError("logging.output", "output must be one of: stdout, file, both")
	}
}

// Validate is a convenience function to validate a configuration.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
