package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig supplies defaults for flags the user did not set. Flags and
// environment variables always win.
type fileConfig struct {
	Config   string   `yaml:"config"`
	Mode     string   `yaml:"mode"`
	LogLevel string   `yaml:"log_level"`
	Command  []string `yaml:"command"`
}

func loadConfigFile() (fileConfig, string, error) {
	var cfg fileConfig
	path := resolveConfigPath()
	if path == "" {
		return cfg, "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("failed to read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, "", fmt.Errorf("failed to parse YAML in %s: %v", path, err)
	}
	return cfg, path, nil
}

// resolveConfigPath finds the optional tool config:
// $XDG_CONFIG_HOME/nsvlan/config.yaml or ~/.config/nsvlan/config.yaml.
func resolveConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(h, ".config")
	}
	path := filepath.Join(base, "nsvlan", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}
