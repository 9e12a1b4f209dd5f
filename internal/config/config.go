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

// Config models relay.yml.
type Config struct {
	Workflow struct {
		LockTTLSeconds        int `yaml:"lock_ttl_seconds"`
		IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
		Evidence              struct {
			TimeoutSeconds int `yaml:"timeout_seconds"`
			MaxAgeSeconds  int `yaml:"max_age_seconds"`
		} `yaml:"evidence"`
	} `yaml:"workflow"`
	Forge struct {
		BaseURL  string `yaml:"base_url"`
		Repo     string `yaml:"repo"`
		TokenEnv string `yaml:"token_env"`
	} `yaml:"forge"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Workflow.LockTTLSeconds) * time.Second
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Workflow.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) EvidenceTimeout() time.Duration {
	return time.Duration(c.Workflow.Evidence.TimeoutSeconds) * time.Second
}

func (c *Config) EvidenceMaxAge() time.Duration {
	return time.Duration(c.Workflow.Evidence.MaxAgeSeconds) * time.Second
}

// RepoCoords splits forge.repo into owner and name.
func (c *Config) RepoCoords() (owner, name string, err error) {
	parts := strings.SplitN(c.Forge.Repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("forge.repo must be owner/name, got %q", c.Forge.Repo)
	}
	return parts[0], parts[1], nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workflow.LockTTLSeconds <= 0 {
		return fmt.Errorf("workflow.lock_ttl_seconds must be positive")
	}
	if c.Workflow.IdempotencyTTLSeconds <= 0 {
		return fmt.Errorf("workflow.idempotency_ttl_seconds must be positive")
	}
	if c.Workflow.Evidence.TimeoutSeconds <= 0 {
		return fmt.Errorf("workflow.evidence.timeout_seconds must be positive")
	}
	if c.Workflow.Evidence.MaxAgeSeconds <= 0 {
		return fmt.Errorf("workflow.evidence.max_age_seconds must be positive")
	}
	if c.Workflow.Evidence.TimeoutSeconds >= c.Workflow.LockTTLSeconds {
		return fmt.Errorf("workflow.evidence.timeout_seconds must be below lock_ttl_seconds; evidence fetches run while the lock is held")
	}
	if c.Forge.Repo != "" {
		if _, _, err := c.RepoCoords(); err != nil {
			return err
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d] has empty event filter", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "relay.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with relay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `workflow:
  # Lock TTL bounds how long a crashed holder can block others. Keep it
  # well above the worst-case evidence fetch latency.
  lock_ttl_seconds: 300
  idempotency_ttl_seconds: 600
  evidence:
    timeout_seconds: 30
    max_age_seconds: 300

forge:
  base_url: https://api.github.com
  repo: ""
  token_env: RELAY_FORGE_TOKEN
`
