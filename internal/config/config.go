package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"approvalq/internal/domain"
)

const (
	DefaultRetention = 200
	DefaultMaxLevels = 3
	DefaultTokenTTL  = 8 * time.Hour
)

// Config models approvalq.yml.
type Config struct {
	Activity struct {
		Retention int `yaml:"retention"`
	} `yaml:"activity"`
	Workflows struct {
		MaxLevels   int              `yaml:"max_levels"`
		Definitions []WorkflowConfig `yaml:"definitions"`
	} `yaml:"workflows"`
	Roles         []RoleConfig `yaml:"roles"`
	Users         []UserConfig `yaml:"users"`
	Notifications struct {
		Email EmailConfig `yaml:"email"`
	} `yaml:"notifications"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     struct {
		TokenTTLMinutes int `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
}

type WorkflowConfig struct {
	RequestType string   `yaml:"request_type"`
	Levels      []string `yaml:"levels"`
}

type RoleConfig struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	Module      string              `yaml:"module"`
	Permissions map[string][]string `yaml:"permissions"`
}

type UserConfig struct {
	ID          string `yaml:"id"`
	Email       string `yaml:"email"`
	Name        string `yaml:"name"`
	RoleID      string `yaml:"role_id"`
	AccessLevel string `yaml:"access_level"`
	Branch      string `yaml:"branch"`
	Password    string `yaml:"password"`
}

// EmailConfig points the welcome notification at an HTTP mail relay.
// An empty URL keeps notifications in the log only.
type EmailConfig struct {
	URL            string `yaml:"url"`
	From           string `yaml:"from"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        *bool  `yaml:"enabled"`
}

// WebhookConfig forwards activity entries to an external endpoint.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

func (e EmailConfig) IsEnabled() bool {
	return strings.TrimSpace(e.URL) != "" && (e.Enabled == nil || *e.Enabled)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with aq config init", path)
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
	if c.Activity.Retention < 0 {
		return fmt.Errorf("config.activity.retention must be >= 0")
	}
	if c.Workflows.MaxLevels < 0 {
		return fmt.Errorf("config.workflows.max_levels must be >= 0")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must be >= 0")
	}
	roles := map[string]struct{}{}
	for _, r := range c.Roles {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
		if _, dup := roles[r.ID]; dup {
			return fmt.Errorf("config.roles has duplicate role %s", r.ID)
		}
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("role %s requires a name", r.ID)
		}
		roles[r.ID] = struct{}{}
	}
	types := map[string]struct{}{}
	for _, wf := range c.Workflows.Definitions {
		def := domain.WorkflowDefinition{RequestType: wf.RequestType, Levels: wf.Levels}
		if err := def.Validate(c.MaxLevels()); err != nil {
			return fmt.Errorf("config.workflows: %w", err)
		}
		if _, dup := types[wf.RequestType]; dup {
			return fmt.Errorf("config.workflows has duplicate request type %s", wf.RequestType)
		}
		types[wf.RequestType] = struct{}{}
		if len(roles) == 0 {
			continue
		}
		for i, roleID := range wf.Levels {
			if _, ok := roles[roleID]; !ok {
				return fmt.Errorf("workflow %s level %d references unknown role %s", wf.RequestType, i+1, roleID)
			}
		}
	}
	emails := map[string]struct{}{}
	for _, u := range c.Users {
		if strings.TrimSpace(u.Email) == "" {
			return fmt.Errorf("config.users contains a user without email")
		}
		key := strings.ToLower(u.Email)
		if _, dup := emails[key]; dup {
			return fmt.Errorf("config.users has duplicate email %s", u.Email)
		}
		emails[key] = struct{}{}
		if u.RoleID != "" && len(roles) > 0 {
			if _, ok := roles[u.RoleID]; !ok {
				return fmt.Errorf("user %s references unknown role %s", u.Email, u.RoleID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.IsEnabled() && strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if c.Notifications.Email.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notifications.email.timeout_seconds must be >= 0")
	}
	return nil
}

// Retention is the activity log bound, defaulting to DefaultRetention.
func (c *Config) Retention() int {
	if c == nil || c.Activity.Retention == 0 {
		return DefaultRetention
	}
	return c.Activity.Retention
}

// MaxLevels is the longest approval chain an administrator may define.
func (c *Config) MaxLevels() int {
	if c == nil || c.Workflows.MaxLevels == 0 {
		return DefaultMaxLevels
	}
	return c.Workflows.MaxLevels
}

func (c *Config) TokenTTL() time.Duration {
	if c == nil || c.Auth.TokenTTLMinutes == 0 {
		return DefaultTokenTTL
	}
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "approvalq.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
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

const defaultTemplate = `activity:
  retention: 200

workflows:
  max_levels: 3
  definitions:
    - request_type: Card Request
      levels: [role_branch_manager, role_super_admin]
    - request_type: User Creation
      levels: [role_super_admin, role_super_admin]
    - request_type: User Modification
      levels: [role_branch_manager, role_super_admin]
    - request_type: Role Creation
      levels: [role_super_admin, role_super_admin]
    - request_type: Role Modification
      levels: [role_super_admin, role_super_admin]
    - request_type: Branch Stock Request
      levels: [role_branch_manager]

roles:
  - id: role_super_admin
    name: Super Admin
    module: All
    permissions:
      "*": ["*"]
  - id: role_branch_manager
    name: Branch Manager
    module: Lyra CMS
    permissions:
      Lyra CMS: [View]

users:
  - id: usr_1
    email: admin@bank.com
    role_id: role_super_admin
    access_level: Bank-wide
    password: password123

notifications:
  email:
    url: ""
    from: no-reply@bank.com
    timeout_seconds: 5

auth:
  token_ttl_minutes: 480
`
