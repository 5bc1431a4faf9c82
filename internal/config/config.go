package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// Load reads and merges configuration. Resolution order: built-in defaults →
// user config file (~/.config/mend/mend.jsonc, or the path given explicitly /
// via MEND_CONFIG) → environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MEND_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	if path != "" {
		if fileMap, err := loadJSONC(path); err == nil {
			if err := mergeIntoConfig(&cfg, fileMap); err != nil {
				return nil, fmt.Errorf("merging config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// DefaultPath returns the user-level config file path, or "" when the user
// config directory cannot be determined.
func DefaultPath() string {
	userDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(userDir, "mend", "mend.jsonc")
}

// loadJSONC reads a JSONC file and returns it as a map.
func loadJSONC(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jsonData := jsonc.ToJSON(data)
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	// Deep merge: src overrides dst
	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("MEND_GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	} else if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		cfg.GitHub.Token = token
	}
	if port := os.Getenv("MEND_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if model := os.Getenv("MEND_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if level := os.Getenv("MEND_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("MEND_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}
