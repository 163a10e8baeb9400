// Package config loads the command line client settings from a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvBaseURL         = "KCONNECT_BASE_URL"
	EnvSocketURL       = "KCONNECT_WS_URL"
	EnvToken           = "KCONNECT_TOKEN"
	EnvUserAgent       = "KCONNECT_USER_AGENT"
	EnvTailnetHostname = "KCONNECT_TAILNET_HOSTNAME"
)

// File is the on-disk configuration. Empty fields keep the client
// defaults.
type File struct {
	BaseURL         string `yaml:"base_url,omitempty"`
	SocketURL       string `yaml:"ws_url,omitempty"`
	DeleteBaseURL   string `yaml:"delete_base_url,omitempty"`
	Token           string `yaml:"token,omitempty"`
	UserAgent       string `yaml:"user_agent,omitempty"`
	TailnetHostname string `yaml:"tailnet_hostname,omitempty"`
	// Database is the path of the local cache. Relative paths are resolved
	// against the config directory.
	Database string `yaml:"database,omitempty"`
}

// Dir returns $HOME/.config/kconnect.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "kconnect"), nil
}

// Load reads path and applies environment overrides. A missing file is not
// an error.
func Load(path string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	for env, field := range map[string]*string{
		EnvBaseURL:         &f.BaseURL,
		EnvSocketURL:       &f.SocketURL,
		EnvToken:           &f.Token,
		EnvUserAgent:       &f.UserAgent,
		EnvTailnetHostname: &f.TailnetHostname,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	if f.Database != "" && !filepath.IsAbs(f.Database) {
		f.Database = filepath.Join(filepath.Dir(path), f.Database)
	}
	return f, nil
}

// Save writes f to path, creating the directory with private permissions.
func Save(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
