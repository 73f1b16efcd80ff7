package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	homeDir := getDefaultHomeDir()

	return &Config{
		Core: CoreConfig{
			HomeDir: homeDir,
			Debug:   false,
		},
		Events: EventsConfig{
			Dir:          filepath.Join(homeDir, "events"),
			PollInterval: time.Second,
			CursorFile:   filepath.Join(homeDir, "detector.cursor"),
		},
		Incident: IncidentConfig{
			Window:         30 * time.Minute,
			RetryLimit:     3,
			NotifyCooldown: 10 * time.Minute,
		},
		Plugins: PluginsConfig{
			Dir:           filepath.Join(homeDir, "plugins"),
			PollInterval:  2 * time.Second,
			SelfTestLimit: 3,
			Analyzer: AnalyzerConfig{
				Timeout: 30 * time.Second,
			},
		},
		Database: DBConfig{
			Path:           filepath.Join(homeDir, "vigil.db"),
			MaxConnections: 10,
			BusyTimeout:    5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// getDefaultHomeDir resolves the Vigil home directory: $VIGIL_HOME wins,
// then ~/.vigil, then ./.vigil when the home directory is unknown.
func getDefaultHomeDir() string {
	if dir := os.Getenv("VIGIL_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vigil"
	}
	return filepath.Join(home, ".vigil")
}
