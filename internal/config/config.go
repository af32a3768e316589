package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"boostflow/internal/commission"
	"boostflow/internal/domain"
)

// FileName is the config file looked up in the workspace.
const FileName = "boostflow.yml"

// Config models boostflow.yml.
type Config struct {
	Commission domain.CommissionConfig `yaml:"commission"`
	API        struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`
	Live struct {
		URL            string        `yaml:"url"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"live"`
	Server struct {
		Addr             string        `yaml:"addr"`
		BasePath         string        `yaml:"base_path"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
		DevLogin         bool          `yaml:"dev_login"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with boost config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := commission.Validate(c.Commission); err != nil {
		return fmt.Errorf("config.commission: %w", err)
	}
	if c.API.BaseURL != "" {
		if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("config.api.base_url: %w", err)
		}
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("config.api.timeout must not be negative")
	}
	if c.Live.URL != "" {
		if err := checkURL(c.Live.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("config.live.url: %w", err)
		}
	}
	if c.Live.ReconnectDelay < 0 {
		return fmt.Errorf("config.live.reconnect_delay must not be negative")
	}
	if c.Server.BasePath != "" && c.Server.BasePath[0] != '/' {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.DispatchInterval < 0 {
		return fmt.Errorf("config.server.dispatch_interval must not be negative")
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %v", raw, schemes)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg as YAML in the workspace.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `commission:
  partner_commission_rate: 0.80
  cancellation_penalty_rate: 0.05

api:
  base_url: http://127.0.0.1:8080/v0
  timeout: 10s

live:
  url: ws://127.0.0.1:8080/v0/live
  reconnect_delay: 2s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  dispatch_interval: 500ms
  dev_login: true

log:
  level: info
`
