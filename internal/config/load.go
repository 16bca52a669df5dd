package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Config file names probed inside the agent directory, in order.
var configNames = []string{"config.yaml", "config.yml", "config.json5", "config.json"}

// Load reads the agent configuration from agentHome, merges it over
// Default(), compiles simplified tool forms, and validates. A missing config
// file yields the defaults (an agent may be nothing but a system prompt).
func Load(agentHome string) (*AgentConfig, error) {
	abs, err := filepath.Abs(agentHome)
	if err != nil {
		return nil, fmt.Errorf("resolve agent dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("agent dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agent dir %s is not a directory", abs)
	}

	cfg := Default()
	cfg.AgentHome = abs

	path, data, err := readConfigFile(abs)
	if err != nil {
		return nil, err
	}
	if path != "" {
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	// A config that names its own context manifest fully replaces the
	// default one; partial merges would make ordering surprising.
	cfg.AgentHome = abs
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(dir string) (string, []byte, error) {
	for _, name := range configNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return "", nil, nil
}
