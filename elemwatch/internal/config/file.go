// Package config loads the elemwatch daemon configuration from a YAML file
// and watch rules from SQLite.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/horosdom/elemwatch/event"
)

// Config is the top-level daemon configuration.
type Config struct {
	Document DocumentConfig `yaml:"document"`
	Engine   EngineConfig   `yaml:"engine"`
	Browser  BrowserConfig  `yaml:"browser"`
	Rules    []event.Rule   `yaml:"rules"`
	RulesDB  string         `yaml:"rules_db"` // SQLite path, rules hot-reloaded from watch_rules
	Sinks    []SinkConfig   `yaml:"sinks"`
	Server   ServerConfig   `yaml:"server"`
}

// DocumentConfig says where the observed document comes from. Exactly one
// of Path and URL is expected; an empty config starts from a blank page.
type DocumentConfig struct {
	Path    string        `yaml:"path"`
	URL     string        `yaml:"url"`
	Render  string        `yaml:"render"` // never | always | auto (render when the fetched page looks like a script shell)
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig tunes the registry.
type EngineConfig struct {
	Throttle      time.Duration `yaml:"throttle"`
	ChunkSize     int           `yaml:"chunk_size"`
	FrameInterval time.Duration `yaml:"frame_interval"` // 0: yield with runtime.Gosched
	DedupWindow   time.Duration `yaml:"dedup_window"`
}

// BrowserConfig controls the Chrome used for rendered documents.
type BrowserConfig struct {
	Remote  string        `yaml:"remote"`  // ws:// URL of an existing Chrome; empty launches one
	Stealth bool          `yaml:"stealth"` // go-rod/stealth evasions
	Block   []string      `yaml:"block"`   // images | fonts | media | stylesheets
	Settle  time.Duration `yaml:"settle"`  // wait after load for late scripts
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type    string `yaml:"type"` // stdout | webhook
	URL     string `yaml:"url"`  // webhook only
	Retries int    `yaml:"retries"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP API
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Document.Render == "" {
		c.Document.Render = "never"
	}
	if c.Document.Timeout <= 0 {
		c.Document.Timeout = 30 * time.Second
	}
	if c.Engine.Throttle <= 0 {
		c.Engine.Throttle = 5 * time.Millisecond
	}
	if c.Engine.ChunkSize <= 0 {
		c.Engine.ChunkSize = 50
	}
	if c.Engine.DedupWindow <= 0 {
		c.Engine.DedupWindow = 2 * time.Second
	}
	if c.Browser.Settle <= 0 {
		c.Browser.Settle = 500 * time.Millisecond
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Sinks {
		if c.Sinks[i].Type == "webhook" && c.Sinks[i].Retries <= 0 {
			c.Sinks[i].Retries = 3
		}
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Document.Path != "" && c.Document.URL != "" {
		return fmt.Errorf("config: document: path and url are mutually exclusive")
	}
	switch c.Document.Render {
	case "never":
	case "always", "auto":
		if c.Document.URL == "" {
			return fmt.Errorf("config: document: render %s requires url", c.Document.Render)
		}
	default:
		return fmt.Errorf("config: document: unknown render mode %q", c.Document.Render)
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("config: rules[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("config: rules[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				return fmt.Errorf("config: sinks[%d]: webhook requires url", i)
			}
		default:
			return fmt.Errorf("config: sinks[%d]: unknown type %q", i, s.Type)
		}
	}
	return nil
}
