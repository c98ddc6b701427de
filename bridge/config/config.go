// Package config loads bridge configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultRelayURL = "wss://relay.tonearm.dev/room"

// Config is the full server configuration. YAML keys match the file
// shipped in the data directory; env vars override the file.
type Config struct {
	Port     int    `yaml:"port"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	RelayURL string `yaml:"relay_url"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	StaticDir string `yaml:"static_dir"`

	RequireApproval bool `yaml:"require_approval"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Port:               8484,
		BindAddr:           "0.0.0.0",
		DataDir:            defaultDataDir(),
		RelayURL:           DefaultRelayURL,
		RateLimitPerMinute: 120,
		SessionTTL:         30 * time.Minute,
		SweepInterval:      60 * time.Second,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bridge"
	}
	return home + "/.bridge"
}

// Load reads path (optional) over the defaults, then applies env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_RELAY_URL"); v != "" {
		c.RelayURL = v
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
}

// LocalURL is the address advertised in pairing payloads and welcome
// frames.
func (c Config) LocalURL() string {
	host := c.BindAddr
	if host == "0.0.0.0" || host == "" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
}
