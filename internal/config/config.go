package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fellcore.yml.
type Config struct {
	Service struct {
		Name            string `yaml:"name"`
		ReferencePrefix string `yaml:"reference_prefix"`
	} `yaml:"service"`
	Review struct {
		AmendmentResponseDays  int `yaml:"amendment_response_days"`
		PublicRegisterDays     int `yaml:"public_register_days"`
		MinLicenceDurationYrs  int `yaml:"min_licence_duration_years"`
		MaxLicenceDurationYrs  int `yaml:"max_licence_duration_years"`
		ReferenceRetryAttempts int `yaml:"reference_retry_attempts"`
	} `yaml:"review"`
	Notifications struct {
		Templates map[string]NotificationTemplate `yaml:"templates"`
	} `yaml:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// NotificationTemplate names an outbound message template.
type NotificationTemplate struct {
	Description string `yaml:"description"`
}

// WebhookConfig is one outbound delivery endpoint for the dispatcher.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Review.AmendmentResponseDays <= 0 {
		return fmt.Errorf("config.review.amendment_response_days must be positive")
	}
	if c.Review.PublicRegisterDays <= 0 {
		return fmt.Errorf("config.review.public_register_days must be positive")
	}
	if c.Review.ReferenceRetryAttempts <= 0 {
		return fmt.Errorf("config.review.reference_retry_attempts must be positive")
	}
	if c.Review.MinLicenceDurationYrs < 0 || c.Review.MaxLicenceDurationYrs < c.Review.MinLicenceDurationYrs {
		return fmt.Errorf("config.review licence duration bounds invalid")
	}
	for name := range c.Notifications.Templates {
		if name == "" {
			return fmt.Errorf("config.notifications.templates contains empty template id")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" && (hook.Enabled == nil || *hook.Enabled) {
			return fmt.Errorf("webhook %d missing url", i)
		}
	}
	return nil
}

// Load reads and validates config from a workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with fc config import --file <path>", path)
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

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fellcore.yml")
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  name: fellcore
  reference_prefix: FLA

review:
  amendment_response_days: 28
  public_register_days: 28
  min_licence_duration_years: 1
  max_licence_duration_years: 10
  reference_retry_attempts: 5

notifications:
  templates:
    application.submitted:
      description: "Acknowledgement sent to the applicant on submission"
    application.assigned:
      description: "You have been assigned to an application"
    application.reassigned:
      description: "An application previously assigned to you has moved"
    review.admin.completed:
      description: "Admin officer review finished; next stage underway"
    review.woodland.completed:
      description: "Woodland officer review finished; sent for approval"
    amendments.sent:
      description: "Confirmed felling/restocking amendments need your response"
    amendments.responded:
      description: "Applicant responded to amendments"
    decision.issued:
      description: "A decision has been issued on the application"
    application.withdrawn:
      description: "The application has been withdrawn"
`
