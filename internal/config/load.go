package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/tproxy/internal/errs"
)

// LoadFile reads and parses a config document, dispatching on file
// extension: .json decodes as JSON, .yaml/.yml as YAML. Any other
// extension is rejected rather than guessed.
func LoadFile(path string) (RawConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return RawConfig{}, fmt.Errorf("%w: read %s: %w", errs.Config, path, err)
	}

	var raw RawConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(buf, &raw); err != nil {
			return RawConfig{}, fmt.Errorf("%w: parse json %s: %w", errs.Config, path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(buf, &raw); err != nil {
			return RawConfig{}, fmt.Errorf("%w: parse yaml %s: %w", errs.Config, path, err)
		}
	default:
		return RawConfig{}, fmt.Errorf("%w: unsupported config extension for %s (want .json or .yaml)", errs.Config, path)
	}
	return raw, nil
}
