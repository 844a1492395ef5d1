package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FhemConfig configures the optional replication of live data into a FHEM
// home automation server.
type FhemConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Config is the bootstrap configuration read once at startup. Runtime-mutable
// settings live in the store, not here.
type Config struct {
	Port                    int        `yaml:"port"`
	DatabasePath            string     `yaml:"databasePath"`
	APIKey                  string     `yaml:"apiKey"`
	LogLevel                string     `yaml:"logLevel"`
	Timezone                string     `yaml:"timezone"`
	DemoAutostart           bool       `yaml:"demoAutostart"`
	AllowedSmarthomeOrigins []string   `yaml:"allowedSmarthomeOrigins"`
	Fhem                    FhemConfig `yaml:"fhem"`
}

// Default returns the configuration used when no config file is present.
func Default() Config {
	return Config{
		Port:         8080,
		DatabasePath: "pvcharge.sqlite",
		LogLevel:     "info",
		Timezone:     "Europe/Berlin",
		Fhem:         FhemConfig{Port: 7072},
	}
}

// Read loads the bootstrap configuration from the given YAML file and applies
// environment overrides. A missing file is not an error: defaults are used.
func Read(path string) (Config, error) {
	config := Default()

	content, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(content, &config); err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	config.applyEnv()

	return config, nil
}

// applyEnv overrides file values with environment variables where set.
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	if demo := os.Getenv("DEMO_AUTOSTART"); truthy(demo) {
		c.DemoAutostart = true
	}
	if origins := os.Getenv("ALLOWED_SMARTHOME_ORIGINS"); origins != "" {
		c.AllowedSmarthomeOrigins = strings.Split(origins, ",")
	}
	if key := os.Getenv("API_KEY"); key != "" {
		c.APIKey = key
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
