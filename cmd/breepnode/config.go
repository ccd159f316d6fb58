package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the node configuration, merged from (lowest to highest
// precedence) defaults, a YAML file, a .env file, and command flags.
type Config struct {
	Port        uint16 `yaml:"port"`
	Connect     string `yaml:"connect"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

func defaultConfig() *Config {
	return &Config{
		Port:     3479,
		LogLevel: "info",
	}
}

// loadYAML overlays settings from a YAML file, if one was given.
func (c *Config) loadYAML(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadEnv overlays settings from BREEP_* environment variables, reading
// an optional .env file first.
func (c *Config) loadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
	}

	if v := os.Getenv("BREEP_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid BREEP_PORT: %w", err)
		}
		c.Port = uint16(port)
	}
	if v := os.Getenv("BREEP_CONNECT"); v != "" {
		c.Connect = v
	}
	if v := os.Getenv("BREEP_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("BREEP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BREEP_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	return nil
}
