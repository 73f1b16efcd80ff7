package config

import (
	"time"
)

// Config is the root configuration for Vigil.
type Config struct {
	Core     CoreConfig     `mapstructure:"core" yaml:"core" validate:"required"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events" validate:"required"`
	Incident IncidentConfig `mapstructure:"incident" yaml:"incident"`
	Plugins  PluginsConfig  `mapstructure:"plugins" yaml:"plugins"`
	Database DBConfig       `mapstructure:"database" yaml:"database"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// CoreConfig contains core application settings.
type CoreConfig struct {
	HomeDir string `mapstructure:"home_dir" yaml:"home_dir"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
}

// EventsConfig configures the file-backed event store and the default
// subscription behavior.
type EventsConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"omitempty,min=10ms"`
	CursorFile   string        `mapstructure:"cursor_file" yaml:"cursor_file,omitempty"`
}

// IncidentConfig configures the incident detector's failure policy.
type IncidentConfig struct {
	Window         time.Duration `mapstructure:"window" yaml:"window" validate:"omitempty,min=1s"`
	RetryLimit     int           `mapstructure:"retry_limit" yaml:"retry_limit" validate:"omitempty,min=1,max=100"`
	NotifyCooldown time.Duration `mapstructure:"notify_cooldown" yaml:"notify_cooldown" validate:"omitempty,min=1s"`
}

// PluginsConfig configures the plugin hot-reload manager.
type PluginsConfig struct {
	Dir                  string         `mapstructure:"dir" yaml:"dir"`
	PollInterval         time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval" validate:"omitempty,min=100ms"`
	SelfTestLimit        int            `mapstructure:"self_test_limit" yaml:"self_test_limit" validate:"omitempty,min=1"`
	FailureRetryCooldown time.Duration  `mapstructure:"failure_retry_cooldown" yaml:"failure_retry_cooldown,omitempty"`
	Analyzer             AnalyzerConfig `mapstructure:"analyzer" yaml:"analyzer,omitempty"`
}

// AnalyzerConfig configures the optional external static-analysis gate. An
// empty command disables the gate.
type AnalyzerConfig struct {
	Command string        `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string      `mapstructure:"args" yaml:"args,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"omitempty,min=1s"`
}

// DBConfig contains database configuration.
type DBConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"omitempty,min=1,max=100"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout" validate:"omitempty,min=100ms"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}
