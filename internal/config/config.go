// Package config loads and watches the YAML application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration loaded from YAML.
type Config struct {
	// Port is the API listen port.
	Port int `yaml:"port"`
	// AuthDir is the directory for persisted credential records. A leading
	// ~ expands to the user home directory.
	AuthDir string `yaml:"auth-dir"`
	// ProxyURL routes outbound module HTTP calls through a proxy
	// (socks5://, http:// or https://).
	ProxyURL string `yaml:"proxy-url"`
	// RequestTimeout bounds module HTTP calls, in seconds.
	RequestTimeout int `yaml:"request-timeout"`
	// CallbackPort is the local port for interactive OAuth login callbacks.
	CallbackPort int `yaml:"callback-port"`
	// Debug enables debug level logging.
	Debug bool `yaml:"debug"`
	// LoggingToFile switches log output from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Port:           8317,
		AuthDir:        "~/.apirelay",
		RequestTimeout: 30,
		CallbackPort:   1455,
	}
}

// LoadConfig reads the YAML file at path and fills in defaults for absent
// values. A missing file yields the defaults, not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s failed: %w", path, err)
	}
	if err = yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s failed: %w", path, err)
	}
	if cfg.Port <= 0 {
		cfg.Port = 8317
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30
	}
	if cfg.CallbackPort <= 0 {
		cfg.CallbackPort = 1455
	}
	if strings.TrimSpace(cfg.AuthDir) == "" {
		cfg.AuthDir = "~/.apirelay"
	}
	return cfg, nil
}

// ResolveAuthDir expands a leading ~ in the auth directory.
func (c *Config) ResolveAuthDir() (string, error) {
	dir := strings.TrimSpace(c.AuthDir)
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir failed: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
