package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Load reads and merges configuration layers, lowest precedence first:
// built-in defaults, global file, project file, STORYFLOW_* environment.
// Missing files are not errors; malformed YAML or an invalid stage union
// fails loading with the offending field named.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading built-in defaults: %w", err)
	}

	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}

	// STORYFLOW_INTEGRATION__BASE_BRANCH=... -> integration.base_branch.
	// Double underscore separates levels so key names may keep single ones.
	if err := k.Load(env.Provider("STORYFLOW_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "STORYFLOW_"))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.storyflow/config.yaml
// Project: .storyflow/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(
		filepath.Join(homeDir, ".storyflow", "config.yaml"),
		filepath.Join(".storyflow", "config.yaml"),
	)
}

func loadFile(k *koanf.Koanf, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // missing config file is not an error
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := k.Load(rawbytes.Provider(data), kyaml.Parser()); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
