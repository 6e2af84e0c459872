// Package config loads, defaults, and persists the daemon's ambient
// configuration: device identity overrides, storage locations, which
// Channel Services run, and transport tuning knobs. Loading never fails on
// a missing file — it falls back to defaults, the same shape as the
// reference YAML config loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of config.yaml.
type Config struct {
	DeviceName string `yaml:"deviceName"`
	DeviceType string `yaml:"deviceType"`

	DataDir string `yaml:"dataDir"`

	LAN struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"lan"`

	Bluetooth struct {
		Enabled    bool   `yaml:"enabled"`
		BufferSize uint32 `yaml:"bufferSize"`
	} `yaml:"bluetooth"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() *Config {
	cfg := &Config{
		DeviceName: defaultDeviceName(),
		DeviceType: "desktop",
		DataDir:    defaultDataDir(),
	}
	cfg.LAN.Enabled = true
	cfg.LAN.Port = 1716
	cfg.Bluetooth.Enabled = false
	cfg.Bluetooth.BufferSize = 4096
	return cfg
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "kdeconnectd"
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kdeconnectd")
	}
	return ".kdeconnectd"
}

// Load reads config.yaml from dir, returning DefaultConfig() if it does
// not exist yet. A present-but-malformed file is an error.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg to <dir>/config.yaml atomically, creating dir if needed.
func Save(dir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshalling: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	tmp, err := os.CreateTemp(dir, ".tmp-config-*")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: renaming into place: %w", err)
	}
	return nil
}
