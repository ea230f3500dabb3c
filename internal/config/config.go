package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dealline.yml: which extraction provider to use, the
// model per provider, and an optional system prompt override. API keys
// are deliberately absent; they come from the environment at call time.
type Config struct {
	Extraction struct {
		Provider     string            `yaml:"provider"`
		Models       map[string]string `yaml:"models"`
		SystemPrompt string            `yaml:"system_prompt,omitempty"`
	} `yaml:"extraction"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig is one event delivery target for the API server. An
// empty Events list subscribes to every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

var supportedProviders = map[string]bool{
	"gemini":   true,
	"together": true,
	"deepseek": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with dl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Extraction.Provider
	if p == "" {
		return fmt.Errorf("config.extraction.provider is required")
	}
	if !supportedProviders[p] {
		return fmt.Errorf("config.extraction.provider %q is not one of gemini, together, deepseek", p)
	}
	if c.Extraction.Models == nil {
		return fmt.Errorf("config.extraction.models is required")
	}
	if c.Extraction.Models[p] == "" {
		return fmt.Errorf("config.extraction.models has no model for provider %s", p)
	}
	for provider, model := range c.Extraction.Models {
		if !supportedProviders[provider] {
			return fmt.Errorf("config.extraction.models references unknown provider %s", provider)
		}
		if model == "" {
			return fmt.Errorf("config.extraction.models has empty model for %s", provider)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Model returns the model for the selected provider.
func (c *Config) Model() string {
	return c.Extraction.Models[c.Extraction.Provider]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `extraction:
  provider: gemini
  models:
    gemini: gemini-2.0-flash
    together: meta-llama/Llama-3.3-70B-Instruct-Turbo
    deepseek: deepseek-chat
`
