// Package config loads the daemon configuration from YAML with
// environment overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration. Secrets (the vault key) are
// accepted from the environment only; the YAML file stays committable.
type Config struct {
	ListenAddr string        `yaml:"listen_addr"`
	DBPath     string        `yaml:"db_path"`
	Browser    BrowserConfig `yaml:"browser"`
	HTTP       HTTPConfig    `yaml:"http"`

	// EncryptKeyHex and Passphrase come from CHECKIN_ENCRYPT_KEY and
	// CHECKIN_PASSPHRASE, never from the file.
	EncryptKeyHex string `yaml:"-"`
	Passphrase    string `yaml:"-"`
}

// BrowserConfig carries the browser defaults; the headless flag and
// page timeout from the settings store win at run time.
type BrowserConfig struct {
	UserAgent string `yaml:"user_agent"`
}

// HTTPConfig controls the API server.
type HTTPConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.DBPath == "" {
		c.DBPath = "data/checkin.db"
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		// Long enough for a synchronous run-all over a browser fallback.
		c.HTTP.WriteTimeout = 10 * time.Minute
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
}

// Load reads the YAML file at path (missing file is fine, defaults
// apply) and layers environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("CHECKIN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CHECKIN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	cfg.EncryptKeyHex = os.Getenv("CHECKIN_ENCRYPT_KEY")
	cfg.Passphrase = os.Getenv("CHECKIN_PASSPHRASE")

	cfg.defaults()
	return cfg, nil
}
