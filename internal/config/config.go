package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models taskline.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Upstreams struct {
		ProjectURL     string `yaml:"project_url"`
		UserURL        string `yaml:"user_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"upstreams"`
	Streams struct {
		Lifecycle               StreamConfig `yaml:"lifecycle"`
		Calendar                StreamConfig `yaml:"calendar"`
		DispatchIntervalSeconds int          `yaml:"dispatch_interval_seconds"`
		Batch                   int          `yaml:"batch"`
	} `yaml:"streams"`
}

// StreamConfig is one outbound event destination.
type StreamConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (s StreamConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// UpstreamTimeout bounds each Remote Directory call.
func (c *Config) UpstreamTimeout() time.Duration {
	if c.Upstreams.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Upstreams.TimeoutSeconds) * time.Second
}

func (c *Config) DispatchInterval() time.Duration {
	if c.Streams.DispatchIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Streams.DispatchIntervalSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Upstreams.ProjectURL == "" {
		return fmt.Errorf("config.upstreams.project_url is required")
	}
	if c.Upstreams.UserURL == "" {
		return fmt.Errorf("config.upstreams.user_url is required")
	}
	if c.Upstreams.TimeoutSeconds < 0 {
		return fmt.Errorf("config.upstreams.timeout_seconds must not be negative")
	}
	if c.Streams.Lifecycle.URL == "" {
		return fmt.Errorf("config.streams.lifecycle.url is required")
	}
	if c.Streams.Calendar.URL == "" {
		return fmt.Errorf("config.streams.calendar.url is required")
	}
	if c.Streams.Batch < 0 {
		return fmt.Errorf("config.streams.batch must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML for tl init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  listen: ":8080"
  base_path: /v0

upstreams:
  project_url: http://localhost:8081
  user_url: http://localhost:8082
  timeout_seconds: 5

streams:
  lifecycle:
    url: http://localhost:8090/events/lifecycle
  calendar:
    url: http://localhost:8090/events/calendar
  dispatch_interval_seconds: 2
  batch: 100
`
