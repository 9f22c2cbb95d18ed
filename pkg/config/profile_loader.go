package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile loads Defaults, overlays the YAML file at path, then applies
// environment variables. Environment always wins over the file. An empty
// path behaves like Load.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadProfile is LoadFile for profile_<env>.yaml in profilesDir. The
// profile's env defaults to env when the file does not set one. A missing
// profile file is not an error.
func LoadProfile(profilesDir, env string) (*Config, error) {
	env = strings.ToLower(env)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", env))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}

	cfg := Defaults()
	cfg.Env = env
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFile decodes path over c. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
