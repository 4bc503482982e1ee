package pairspace

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the identity/config provider surface: who we are, where to
// listen or whom to join, what tree to share. The core treats these as
// opaque constructor parameters.
type Config struct {
	Username string `yaml:"username"`
	// host role listen address
	ListenAddr string `yaml:"listen_addr"`
	// client role host url. Empty with Discover set means browse the lan.
	HostUrl string `yaml:"host_url"`
	// workspace root, defaults to the working directory
	Root string `yaml:"root"`

	IgnoreNames    []string `yaml:"ignore_names"`
	IgnoreSuffixes []string `yaml:"ignore_suffixes"`

	Discover bool `yaml:"discover"`
}

func DefaultConfig() *Config {
	reconcileSettings := DefaultReconcileSettings()
	return &Config{
		Username:       os.Getenv("USER"),
		ListenAddr:     ":8040",
		Root:           ".",
		IgnoreNames:    reconcileSettings.IgnoreNames,
		IgnoreSuffixes: reconcileSettings.IgnoreSuffixes,
	}
}

// LoadConfig reads the yaml config file, layering it over the defaults.
func LoadConfig(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *Config) Validate() error {
	if self.Username == "" {
		return fmt.Errorf("username is required")
	}
	if self.Root != "" {
		root, err := filepath.Abs(self.Root)
		if err != nil {
			return fmt.Errorf("root: %w", err)
		}
		self.Root = root
	}
	return nil
}

// ReconcileSettings binds the configured ignore set over the defaults.
func (self *Config) ReconcileSettings() *ReconcileSettings {
	settings := DefaultReconcileSettings()
	if self.IgnoreNames != nil {
		settings.IgnoreNames = self.IgnoreNames
	}
	if self.IgnoreSuffixes != nil {
		settings.IgnoreSuffixes = self.IgnoreSuffixes
	}
	return settings
}
