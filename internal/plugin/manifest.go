package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the declared metadata of a plugin: a small YAML document in
// the plugin directory whose presence activates the matching registered
// factory. Parsing a manifest never executes plugin code.
type Manifest struct {
	// Name selects the registered factory. Defaults to the manifest's
	// file stem when omitted.
	Name string `yaml:"name"`

	// Version is the declared plugin version
	Version string `yaml:"version"`

	// Description is a human-readable summary
	Description string `yaml:"description"`

	// Config is passed verbatim to the plugin's Init
	Config map[string]any `yaml:"config"`
}

// LoadManifest parses a manifest file. An empty file is a valid manifest
// whose name is the file stem.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if manifest.Name == "" {
		manifest.Name = manifestStem(path)
	}
	return &manifest, nil
}

// manifestStem returns the file name without directory or extension.
func manifestStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
