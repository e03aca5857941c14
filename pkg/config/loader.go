package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads and validates datamill configuration files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	return &Loader{validator: validator.New()}
}

// Load reads the config file at path, applies environment overrides, and
// validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return l.Parse(data)
}

// Parse decodes YAML on top of the built-in defaults, applies environment
// overrides, and validates the result. Unknown keys are an error.
func (l *Loader) Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the first config file found in DefaultPaths, or the
// built-in defaults when none exists.
func (l *Loader) LoadDefault() (*Config, error) {
	for _, p := range DefaultPaths() {
		if _, err := os.Stat(p); err == nil {
			return l.Load(p)
		}
	}

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.Publish.Enabled {
		if cfg.Publish.Password == "" && cfg.Publish.KeyFile == "" {
			return fmt.Errorf("publish requires a password or key_file when enabled")
		}
		if cfg.Publish.KnownHostsFile == "" && !cfg.Publish.InsecureIgnoreHostKey {
			return fmt.Errorf("publish requires known_hosts_file unless insecure_ignore_host_key is set")
		}
	}
	return nil
}

// DefaultPaths returns the locations searched for a config file when none is
// given on the command line.
func DefaultPaths() []string {
	paths := []string{"datamill.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "datamill", "config.yaml"))
	}
	return paths
}

// Environment variables overriding file values. Secrets belong here rather
// than in the config file.
const (
	EnvPortalURL       = "DATAMILL_PORTAL_URL"
	EnvPortalUsername  = "DATAMILL_PORTAL_USERNAME"
	EnvPortalPassword  = "DATAMILL_PORTAL_PASSWORD"
	EnvPublishPassword = "DATAMILL_PUBLISH_PASSWORD"
	EnvStorePath       = "DATAMILL_STORE_PATH"
	EnvLogLevel        = "DATAMILL_LOG_LEVEL"
)

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPortalURL); v != "" {
		cfg.Portal.URL = v
	}
	if v := os.Getenv(EnvPortalUsername); v != "" {
		cfg.Portal.Username = v
	}
	if v := os.Getenv(EnvPortalPassword); v != "" {
		cfg.Portal.Password = v
	}
	if v := os.Getenv(EnvPublishPassword); v != "" {
		cfg.Publish.Password = v
	}
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}
