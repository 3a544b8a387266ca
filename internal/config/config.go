package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the runner config looked up next to the specification.
const FileName = "codor.yml"

// Config models codor.yml. Every field is optional; Default fills the gaps.
type Config struct {
	Evidence struct {
		Dir    string `yaml:"dir"`
		Ledger *bool  `yaml:"ledger"`
	} `yaml:"evidence"`
	Execution struct {
		DefaultTimeout Duration `yaml:"default_timeout"`
		StopOnFailure  bool     `yaml:"stop_on_failure"`
	} `yaml:"execution"`
	Plugins struct {
		Disabled []string `yaml:"disabled"`
	} `yaml:"plugins"`
	Debt struct {
		// Thresholds override the per action type duration limits (ms).
		Thresholds map[string]int64 `yaml:"thresholds"`
	} `yaml:"debt"`
	Executors struct {
		BrowserControl string `yaml:"browser_control"`
		BrowserBin     string `yaml:"browser_bin"`
		Headful        bool   `yaml:"headful"`
		DockerBinary   string `yaml:"docker_binary"`
	} `yaml:"executors"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Logging struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`
	// Webhooks receive ledger events while the evidence API is serving.
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Duration accepts "30s" style strings or plain milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string or milliseconds", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LedgerEnabled reports whether evidence writes are chained into the ledger.
func (c *Config) LedgerEnabled() bool {
	return c.Evidence.Ledger == nil || *c.Evidence.Ledger
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Execution.DefaultTimeout < 0 {
		return fmt.Errorf("config.execution.default_timeout must not be negative")
	}
	for actionType, ms := range c.Debt.Thresholds {
		if strings.TrimSpace(actionType) == "" {
			return fmt.Errorf("config.debt.thresholds contains an empty action type")
		}
		if actionType != strings.ToUpper(actionType) {
			return fmt.Errorf("config.debt.thresholds: action type %s must be upper case", actionType)
		}
		if ms < 0 {
			return fmt.Errorf("config.debt.thresholds.%s must not be negative (0 disables)", actionType)
		}
	}
	for _, name := range c.Plugins.Disabled {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.plugins.disabled contains an empty name")
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 16 {
		return fmt.Errorf("config.server.jwt_secret must be at least 16 bytes")
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if dir has no config file.
func LoadOptional(dir string) (*Config, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

const defaultTemplate = `evidence:
  # empty means the specification's globalConfiguration.evidenceDirectory
  dir: ""
  ledger: true

execution:
  default_timeout: 30s
  stop_on_failure: false

plugins:
  disabled: []

debt:
  thresholds: {}

executors:
  browser_control: ""
  browser_bin: ""
  headful: false
  docker_binary: docker

server:
  addr: 127.0.0.1:8787
  jwt_secret: ""

logging:
  format: console
  level: ""

webhooks: []
`
