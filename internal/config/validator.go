package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ConfigValidator validates configuration values.
type ConfigValidator interface {
	Validate(cfg *Config) error
}

// validatorImpl implements ConfigValidator using go-playground/validator.
type validatorImpl struct {
	validate *validator.Validate
}

// NewValidator creates a new ConfigValidator instance.
func NewValidator() ConfigValidator {
	return &validatorImpl{
		validate: validator.New(),
	}
}

// Validate validates the configuration and returns detailed error messages.
func (v *validatorImpl) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := v.validate.Struct(cfg); err != nil {
		validationErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation error: %w", err)
		}

		var errorMessages []string
		for _, e := range validationErrs {
			errorMessages = append(errorMessages, formatValidationError(e))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}

	if cfg.Events.Dir == "" {
		return fmt.Errorf("configuration validation failed:\n  - events.dir must not be empty")
	}
	if cfg.Incident.NotifyCooldown > 0 && cfg.Incident.Window > 0 &&
		cfg.Incident.NotifyCooldown > cfg.Incident.Window {
		return fmt.Errorf("configuration validation failed:\n  - incident.notify_cooldown (%s) must not exceed incident.window (%s)",
			cfg.Incident.NotifyCooldown, cfg.Incident.Window)
	}
	if cfg.Plugins.Analyzer.Command == "" && len(cfg.Plugins.Analyzer.Args) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - plugins.analyzer.args set without plugins.analyzer.command")
	}

	return nil
}

// formatValidationError converts a field error into a readable message.
func formatValidationError(e validator.FieldError) string {
	field := strings.ToLower(e.Namespace())
	field = strings.TrimPrefix(field, "config.")

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, e.Param(), e.Value())
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", field, e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s failed validation rule %s", field, e.Tag())
	}
}
