package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"dealline/internal/domain"
)

// Config models dealline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Pipeline struct {
		Currency           string `yaml:"currency"`
		DefaultSalaryTerms string `yaml:"default_salary_terms"`
	} `yaml:"pipeline"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one outbound receiver of pipeline events. An empty Events
// list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("config.log.level: %w", err)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if c.Pipeline.Currency != "" && len(c.Pipeline.Currency) != 3 {
		return fmt.Errorf("config.pipeline.currency must be a 3-letter code")
	}
	switch domain.SalaryTerms(c.Pipeline.DefaultSalaryTerms) {
	case "", domain.SalaryWeekly, domain.SalaryMonthly:
	default:
		return fmt.Errorf("config.pipeline.default_salary_terms must be Weekly or Monthly")
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// SalaryTerms returns the configured default, Monthly when unset.
func (c *Config) SalaryTerms() domain.SalaryTerms {
	if c == nil || c.Pipeline.DefaultSalaryTerms == "" {
		return domain.SalaryMonthly
	}
	return domain.SalaryTerms(c.Pipeline.DefaultSalaryTerms)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
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

const defaultTemplate = `server:
  addr: "127.0.0.1:8080"
  base_path: /v1

log:
  level: info
  format: json

pipeline:
  currency: USD
  default_salary_terms: Monthly

# webhooks:
#   - url: https://example.com/hooks/dealline
#     events: [deal.transition.committed, deal.update.failed]
#     secret: change-me
#     timeout_seconds: 5
`
